package workflows

import (
	"context"

	"github.com/mortiscope/caseflow/engine"
	"github.com/mortiscope/caseflow/internal/casedata"
	"github.com/mortiscope/caseflow/internal/labsvc"
)

// RecalculationWorkflow re-runs the PMI computation for a case that already
// has detections, then clears the case's recalculation flag. Unlike the
// analysis workflow there is no empty-result branch: any non-success
// response is a hard failure.
type RecalculationWorkflow struct {
	deps Deps
}

func (w *RecalculationWorkflow) Trigger() string { return EventRecalculationRequested }

func (w *RecalculationWorkflow) Run(ctx context.Context, c *engine.Context, in *RecalculationRequested) (*engine.NoOutput, error) {
	d := w.deps

	err := engine.Do(ctx, c, "mark-processing", func(ctx context.Context) error {
		return markAnalysisProcessing(ctx, d.Store, in.CaseID)
	})
	if err != nil {
		return nil, err
	}

	res, err := engine.Step(ctx, c, "recalculate", func(ctx context.Context) (*labsvc.DetectionResponse, error) {
		return d.Lab.Recalculate(ctx, in.CaseID)
	})
	if err != nil {
		return nil, err
	}

	// Persist the recomputed values, flip the flag, and complete. Both
	// writes must succeed for the run to be considered successful.
	err = engine.Do(ctx, c, "finalize", func(ctx context.Context) error {
		if res != nil && !res.Empty() {
			if err := d.Store.SaveAnalysisResult(ctx, resultFromResponse(in.CaseID, res)); err != nil {
				return err
			}
		} else {
			if err := d.Store.SetAnalysisStatus(ctx, in.CaseID, casedata.StatusCompleted); err != nil {
				return err
			}
		}
		return d.Store.ClearRecalculationFlag(ctx, in.CaseID)
	})
	if err != nil {
		return nil, err
	}
	return &engine.NoOutput{}, nil
}
