// Package httpapi exposes the workflow trigger and status endpoints used by
// the web tier.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/mortiscope/caseflow/engine"
	"github.com/mortiscope/caseflow/internal/casedata"
	"github.com/mortiscope/caseflow/internal/workflows"
)

// EventSender enqueues workflow trigger events and reads run state.
type EventSender interface {
	Send(ctx context.Context, eventName string, payload any) (engine.RunID, error)
	RunStatus(ctx context.Context, id engine.RunID) (*engine.RunStatus, error)
}

// Router serves the trigger/status API.
type Router struct {
	store  casedata.Store
	sender EventSender
	logger *slog.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(store casedata.Store, sender EventSender, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Router{store: store, sender: sender, logger: logger}

	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.Recoverer)
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	mux.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	mux.Route("/v1", func(v1 chi.Router) {
		v1.Post("/cases/{caseID}/analysis", rt.wrap(rt.handleTriggerAnalysis))
		v1.Get("/cases/{caseID}/analysis", rt.wrap(rt.handleGetAnalysis))
		v1.Post("/cases/{caseID}/recalculation", rt.wrap(rt.handleTriggerRecalculation))

		v1.Post("/exports", rt.wrap(rt.handleCreateExport))
		v1.Get("/exports/{exportID}", rt.wrap(rt.handleGetExport))

		v1.Post("/account/deletion/confirm", rt.wrap(rt.handleConfirmDeletion))
		v1.Post("/account/deletion/cancel", rt.wrap(rt.handleCancelDeletion))

		v1.Get("/runs/{runID}", rt.wrap(rt.handleGetRun))
	})

	return mux
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

// badRequest marks a client error so wrap maps it to 400.
type badRequest struct{ msg string }

func (e badRequest) Error() string { return e.msg }

func (rt *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		err := h(w, req)
		if err == nil {
			return
		}
		var br badRequest
		switch {
		case errors.As(err, &br):
			http.Error(w, br.msg, http.StatusBadRequest)
		case errors.Is(err, casedata.ErrNotFound), errors.Is(err, engine.ErrRunNotFound):
			http.Error(w, "not found", http.StatusNotFound)
		default:
			rt.logger.ErrorContext(req.Context(), "request failed",
				"path", req.URL.Path, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}

func respond(w http.ResponseWriter, code int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(v)
}

func decode(req *http.Request, v any) error {
	if err := json.NewDecoder(req.Body).Decode(v); err != nil {
		return badRequest{msg: "invalid request body"}
	}
	return nil
}

type runAccepted struct {
	RunID engine.RunID `json:"runId"`
}

func (rt *Router) handleTriggerAnalysis(w http.ResponseWriter, req *http.Request) error {
	caseID := chi.URLParam(req, "caseID")
	// Create the pending record up front so status polling works during the
	// upload grace period, before the workflow's first step runs.
	if err := rt.store.EnsureAnalysisResult(req.Context(), caseID); err != nil {
		return err
	}
	id, err := rt.sender.Send(req.Context(), workflows.EventAnalysisRequested,
		workflows.AnalysisRequested{CaseID: caseID})
	if err != nil {
		return err
	}
	return respond(w, http.StatusAccepted, runAccepted{RunID: id})
}

func (rt *Router) handleGetAnalysis(w http.ResponseWriter, req *http.Request) error {
	res, err := rt.store.GetAnalysisResult(req.Context(), chi.URLParam(req, "caseID"))
	if err != nil {
		return err
	}
	return respond(w, http.StatusOK, res)
}

func (rt *Router) handleTriggerRecalculation(w http.ResponseWriter, req *http.Request) error {
	caseID := chi.URLParam(req, "caseID")
	id, err := rt.sender.Send(req.Context(), workflows.EventRecalculationRequested,
		workflows.RecalculationRequested{CaseID: caseID})
	if err != nil {
		return err
	}
	return respond(w, http.StatusAccepted, runAccepted{RunID: id})
}

type createExportRequest struct {
	CaseID   *string `json:"caseId"`
	UploadID *string `json:"uploadId"`
	Format   string  `json:"format"`
}

type createExportResponse struct {
	ExportID string       `json:"exportId"`
	RunID    engine.RunID `json:"runId"`
}

// handleCreateExport creates the export record first and then emits the
// trigger event, so the workflow always finds a row to advance.
func (rt *Router) handleCreateExport(w http.ResponseWriter, req *http.Request) error {
	var body createExportRequest
	if err := decode(req, &body); err != nil {
		return err
	}
	if body.Format == "" {
		return badRequest{msg: "format is required"}
	}
	if (body.CaseID == nil) == (body.UploadID == nil) {
		return badRequest{msg: "exactly one of caseId and uploadId is required"}
	}

	exportID := uuid.NewString()
	export := casedata.Export{
		ID:     exportID,
		Status: casedata.StatusPending,
		Format: body.Format,
	}
	var eventName string
	var payload any
	if body.CaseID != nil {
		export.Scope = casedata.ExportScopeCase
		export.CaseID = body.CaseID
		eventName = workflows.EventCaseExportRequested
		payload = workflows.CaseExportRequested{ExportID: exportID, CaseID: *body.CaseID, Format: body.Format}
	} else {
		export.Scope = casedata.ExportScopeImage
		export.UploadID = body.UploadID
		eventName = workflows.EventImageExportRequested
		payload = workflows.ImageExportRequested{ExportID: exportID, UploadID: *body.UploadID, Format: body.Format}
	}
	if err := rt.store.CreateExport(req.Context(), export); err != nil {
		return err
	}
	id, err := rt.sender.Send(req.Context(), eventName, payload)
	if err != nil {
		return err
	}
	return respond(w, http.StatusAccepted, createExportResponse{ExportID: exportID, RunID: id})
}

func (rt *Router) handleGetExport(w http.ResponseWriter, req *http.Request) error {
	e, err := rt.store.GetExport(req.Context(), chi.URLParam(req, "exportID"))
	if err != nil {
		return err
	}
	return respond(w, http.StatusOK, e)
}

func (rt *Router) handleConfirmDeletion(w http.ResponseWriter, req *http.Request) error {
	var body struct {
		Token string `json:"token"`
	}
	if err := decode(req, &body); err != nil {
		return err
	}
	if body.Token == "" {
		return badRequest{msg: "token is required"}
	}
	id, err := rt.sender.Send(req.Context(), workflows.EventDeletionConfirmed,
		workflows.DeletionConfirmed{Token: body.Token})
	if err != nil {
		return err
	}
	return respond(w, http.StatusAccepted, runAccepted{RunID: id})
}

// handleCancelDeletion nulls the deletion schedule. The execute workflow
// re-reads it and becomes a no-op.
func (rt *Router) handleCancelDeletion(w http.ResponseWriter, req *http.Request) error {
	var body struct {
		UserID string `json:"userId"`
	}
	if err := decode(req, &body); err != nil {
		return err
	}
	if body.UserID == "" {
		return badRequest{msg: "userId is required"}
	}
	if err := rt.store.CancelUserDeletion(req.Context(), body.UserID); err != nil {
		return err
	}
	return respond(w, http.StatusOK, map[string]bool{"cancelled": true})
}

func (rt *Router) handleGetRun(w http.ResponseWriter, req *http.Request) error {
	id := engine.RunID(chi.URLParam(req, "runID"))
	if id == "" {
		return badRequest{msg: "run id is required"}
	}
	status, err := rt.sender.RunStatus(req.Context(), id)
	if err != nil {
		return err
	}
	if status == nil {
		return fmt.Errorf("run %s: %w", id, engine.ErrRunNotFound)
	}
	return respond(w, http.StatusOK, status)
}
