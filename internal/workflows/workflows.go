// Package workflows defines the durable background workflows for case
// analysis, recalculation, exports, and scheduled account deletion.
package workflows

import (
	"context"
	"log/slog"
	"time"

	"github.com/mortiscope/caseflow/engine"
	"github.com/mortiscope/caseflow/internal/casedata"
	"github.com/mortiscope/caseflow/internal/labsvc"
	"github.com/mortiscope/caseflow/internal/mailer"
)

// Trigger event names. Each workflow is registered against exactly one.
const (
	EventAnalysisRequested      = "analysis/request.sent"
	EventRecalculationRequested = "recalculation/case.requested"
	EventCaseExportRequested    = "export/case.data.requested"
	EventImageExportRequested   = "export/image.data.requested"
	EventDeletionConfirmed      = "account/deletion.confirmed"
	// EventDeletionExecute is self-scheduled by the confirm workflow, never
	// triggered externally.
	EventDeletionExecute = "account/deletion.execute"
)

// AnalysisService is the slice of the analysis-service client the workflows
// call. *labsvc.Client satisfies it.
type AnalysisService interface {
	Detect(ctx context.Context, caseID string) (*labsvc.DetectionResponse, error)
	Recalculate(ctx context.Context, caseID string) (*labsvc.DetectionResponse, error)
	Export(ctx context.Context, req labsvc.ExportRequest) (*labsvc.ExportAck, error)
}

// BlobStore deletes a user's uploaded objects during account deletion.
type BlobStore interface {
	RemoveUserUploads(ctx context.Context, userID string) (int, error)
}

// Deps carries the collaborators shared by all workflows.
type Deps struct {
	Store  casedata.Store
	Lab    AnalysisService
	Mailer mailer.Mailer

	// Blobs may be nil, in which case upload cleanup is skipped.
	Blobs BlobStore

	Logger *slog.Logger

	// UploadGrace is the pause before the first detection call so that
	// late-arriving uploads are included.
	UploadGrace time.Duration

	// DeletionGrace is the interval between deletion confirmation and
	// execution.
	DeletionGrace time.Duration
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Trigger payloads. Field names match what the web tier emits.

type AnalysisRequested struct {
	CaseID string `json:"caseId"`
}

type RecalculationRequested struct {
	CaseID string `json:"caseId"`
}

type CaseExportRequested struct {
	ExportID string `json:"exportId"`
	CaseID   string `json:"caseId"`
	Format   string `json:"format"`
}

type ImageExportRequested struct {
	ExportID string `json:"exportId"`
	UploadID string `json:"uploadId"`
	Format   string `json:"format"`
}

type DeletionConfirmed struct {
	Token string `json:"token"`
}

type DeletionExecute struct {
	UserID string `json:"userId"`
}

// RegisterAll registers every workflow with its retry policy and
// compensation hook. Called once at process startup.
func RegisterAll(reg *engine.Registry, d Deps) {
	engine.Register(reg, &AnalysisWorkflow{deps: d},
		engine.WithOnFailure(analysisFailureHook(d)))
	engine.Register(reg, &RecalculationWorkflow{deps: d},
		engine.WithOnFailure(analysisFailureHook(d)))
	engine.Register(reg, &CaseExportWorkflow{deps: d},
		engine.WithOnFailure(exportFailureHook(d)))
	engine.Register(reg, &ImageExportWorkflow{deps: d},
		engine.WithOnFailure(exportFailureHook(d)))
	// The confirm workflow has no compensation hook: a failed confirmation
	// owns no record to mark, its errors surface through the run itself.
	engine.Register(reg, &ConfirmDeletionWorkflow{deps: d})
	engine.Register(reg, &ExecuteDeletionWorkflow{deps: d})
}
