package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mortiscope/caseflow/engine"
	"github.com/mortiscope/caseflow/internal/casedata"
	"github.com/mortiscope/caseflow/internal/workflows"
)

type sentEvent struct {
	name    string
	payload any
}

type fakeSender struct {
	events   []sentEvent
	statuses map[engine.RunID]*engine.RunStatus
}

func (f *fakeSender) Send(ctx context.Context, eventName string, payload any) (engine.RunID, error) {
	f.events = append(f.events, sentEvent{name: eventName, payload: payload})
	return engine.RunID(fmt.Sprintf("run-%d", len(f.events))), nil
}

func (f *fakeSender) RunStatus(ctx context.Context, id engine.RunID) (*engine.RunStatus, error) {
	s, ok := f.statuses[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrRunNotFound, id)
	}
	return s, nil
}

func newTestRouter(t *testing.T) (*casedata.MemoryStore, *fakeSender, http.Handler) {
	t.Helper()
	store := casedata.NewMemoryStore()
	sender := &fakeSender{statuses: map[engine.RunID]*engine.RunStatus{}}
	return store, sender, NewRouter(store, sender, nil)
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestTriggerAnalysis(t *testing.T) {
	store, sender, h := newTestRouter(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/cases/case-1/analysis", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Len(t, sender.events, 1)
	assert.Equal(t, workflows.EventAnalysisRequested, sender.events[0].name)
	assert.Equal(t, workflows.AnalysisRequested{CaseID: "case-1"}, sender.events[0].payload)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "run-1", body["runId"])

	// The record exists immediately, so status polling never 404s while the
	// workflow sits in its grace sleep.
	res, err := store.GetAnalysisResult(context.Background(), "case-1")
	require.NoError(t, err)
	assert.Equal(t, casedata.StatusPending, res.Status)

	getRec := doJSON(t, h, http.MethodGet, "/v1/cases/case-1/analysis", "")
	assert.Equal(t, http.StatusOK, getRec.Code)
}

func TestGetAnalysis(t *testing.T) {
	store, _, h := newTestRouter(t)
	require.NoError(t, store.EnsureAnalysisResult(context.Background(), "case-1"))

	rec := doJSON(t, h, http.MethodGet, "/v1/cases/case-1/analysis", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/v1/cases/missing/analysis", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateExportValidation(t *testing.T) {
	_, _, h := newTestRouter(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/exports", `{"format": "csv"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/v1/exports",
		`{"caseId": "case-1", "uploadId": "upl-1", "format": "csv"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/v1/exports", `{"caseId": "case-1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateCaseExport(t *testing.T) {
	store, sender, h := newTestRouter(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/exports", `{"caseId": "case-1", "format": "csv"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body createExportResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body.ExportID)

	e, err := store.GetExport(context.Background(), body.ExportID)
	require.NoError(t, err)
	assert.Equal(t, casedata.StatusPending, e.Status)
	assert.Equal(t, casedata.ExportScopeCase, e.Scope)

	require.Len(t, sender.events, 1)
	assert.Equal(t, workflows.EventCaseExportRequested, sender.events[0].name)
	assert.Equal(t, workflows.CaseExportRequested{
		ExportID: body.ExportID, CaseID: "case-1", Format: "csv",
	}, sender.events[0].payload)
}

func TestConfirmAndCancelDeletion(t *testing.T) {
	store, sender, h := newTestRouter(t)
	at := time.Now().Add(24 * time.Hour)
	store.PutUser(casedata.User{ID: "u1", Email: "jo@example.org", Name: "Jo", DeletionScheduledAt: &at})

	rec := doJSON(t, h, http.MethodPost, "/v1/account/deletion/confirm", `{"token": "tok-1"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, sender.events, 1)
	assert.Equal(t, workflows.EventDeletionConfirmed, sender.events[0].name)

	rec = doJSON(t, h, http.MethodPost, "/v1/account/deletion/cancel", `{"userId": "u1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	u, err := store.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Nil(t, u.DeletionScheduledAt)

	rec = doJSON(t, h, http.MethodPost, "/v1/account/deletion/cancel", `{"userId": "missing"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetRun(t *testing.T) {
	_, sender, h := newTestRouter(t)
	sender.statuses["run-1"] = &engine.RunStatus{Status: "completed"}

	rec := doJSON(t, h, http.MethodGet, "/v1/runs/run-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/v1/runs/run-404", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
