package workflows

import (
	"context"

	"github.com/mortiscope/caseflow/engine"
	"github.com/mortiscope/caseflow/internal/casedata"
	"github.com/mortiscope/caseflow/internal/labsvc"
)

// The two export workflows are structurally identical: mark the export
// record processing, dispatch the job to the analysis service, and return
// the acknowledgement. Completion is reported through a separate channel, so
// neither workflow polls for it.

// CaseExportWorkflow dispatches a whole-case data export.
type CaseExportWorkflow struct {
	deps Deps
}

func (w *CaseExportWorkflow) Trigger() string { return EventCaseExportRequested }

func (w *CaseExportWorkflow) Run(ctx context.Context, c *engine.Context, in *CaseExportRequested) (*labsvc.ExportAck, error) {
	caseID := in.CaseID
	return dispatchExport(ctx, c, w.deps, in.ExportID, labsvc.ExportRequest{
		ExportID: in.ExportID,
		CaseID:   &caseID,
		Format:   in.Format,
	})
}

// ImageExportWorkflow dispatches an export of a single uploaded image's
// detections.
type ImageExportWorkflow struct {
	deps Deps
}

func (w *ImageExportWorkflow) Trigger() string { return EventImageExportRequested }

func (w *ImageExportWorkflow) Run(ctx context.Context, c *engine.Context, in *ImageExportRequested) (*labsvc.ExportAck, error) {
	uploadID := in.UploadID
	return dispatchExport(ctx, c, w.deps, in.ExportID, labsvc.ExportRequest{
		ExportID: in.ExportID,
		UploadID: &uploadID,
		Format:   in.Format,
	})
}

func dispatchExport(ctx context.Context, c *engine.Context, d Deps, exportID string, req labsvc.ExportRequest) (*labsvc.ExportAck, error) {
	err := engine.Do(ctx, c, "mark-processing", func(ctx context.Context) error {
		e, err := d.Store.GetExport(ctx, exportID)
		if err != nil {
			return err
		}
		if e.Status == casedata.StatusProcessing {
			return nil
		}
		return d.Store.SetExportStatus(ctx, exportID, casedata.StatusProcessing)
	})
	if err != nil {
		return nil, err
	}

	return engine.Step(ctx, c, "dispatch", func(ctx context.Context) (*labsvc.ExportAck, error) {
		return d.Lab.Export(ctx, req)
	})
}
