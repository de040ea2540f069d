package workflows

import (
	"context"
	"errors"
	"fmt"

	"github.com/mortiscope/caseflow/engine"
	"github.com/mortiscope/caseflow/internal/casedata"
	"github.com/mortiscope/caseflow/internal/labsvc"
)

// emptyResultExplanation is stored when detection finds nothing and the
// service supplies no explanation of its own.
const emptyResultExplanation = "No insects were detected in the uploaded images."

// AnalysisWorkflow calls the detection endpoint for a case and persists the
// results. A detection response with no findings is a successful terminal
// state, not an error.
type AnalysisWorkflow struct {
	deps Deps
}

func (w *AnalysisWorkflow) Trigger() string { return EventAnalysisRequested }

func (w *AnalysisWorkflow) Run(ctx context.Context, c *engine.Context, in *AnalysisRequested) (*engine.NoOutput, error) {
	d := w.deps

	// Late uploads from the client may still be in flight when the trigger
	// fires; give them a moment to land before the service looks for files.
	c.Sleep(ctx, "upload-grace", d.UploadGrace)

	err := engine.Do(ctx, c, "mark-processing", func(ctx context.Context) error {
		return markAnalysisProcessing(ctx, d.Store, in.CaseID)
	})
	if err != nil {
		return nil, err
	}

	res, err := engine.Step(ctx, c, "detect", func(ctx context.Context) (*labsvc.DetectionResponse, error) {
		return d.Lab.Detect(ctx, in.CaseID)
	})
	if err != nil {
		return nil, err
	}

	if res.Empty() {
		err := engine.Do(ctx, c, "complete-empty", func(ctx context.Context) error {
			explanation := emptyResultExplanation
			if res.Explanation != nil && *res.Explanation != "" {
				explanation = *res.Explanation
			}
			return d.Store.SaveAnalysisResult(ctx, casedata.AnalysisResult{
				CaseID:      in.CaseID,
				Status:      casedata.StatusCompleted,
				Explanation: &explanation,
			})
		})
		return &engine.NoOutput{}, err
	}

	err = engine.Do(ctx, c, "save-results", func(ctx context.Context) error {
		return d.Store.SaveAnalysisResult(ctx, resultFromResponse(in.CaseID, res))
	})
	if err != nil {
		return nil, err
	}
	return &engine.NoOutput{}, nil
}

// markAnalysisProcessing moves the analysis record into processing, creating
// it first if the web tier has not yet. Already-processing is tolerated so a
// duplicate trigger does not wedge the run.
func markAnalysisProcessing(ctx context.Context, store casedata.Store, caseID string) error {
	if err := store.EnsureAnalysisResult(ctx, caseID); err != nil {
		return err
	}
	cur, err := store.GetAnalysisResult(ctx, caseID)
	if err != nil {
		return err
	}
	if cur.Status == casedata.StatusProcessing {
		return nil
	}
	if err := store.SetAnalysisStatus(ctx, caseID, casedata.StatusProcessing); err != nil {
		if errors.Is(err, casedata.ErrInvalidTransition) {
			return fmt.Errorf("case %s: %w", caseID, err)
		}
		return err
	}
	return nil
}

// resultFromResponse flattens a detection response into the per-case
// analysis record.
func resultFromResponse(caseID string, res *labsvc.DetectionResponse) casedata.AnalysisResult {
	out := casedata.AnalysisResult{
		CaseID:      caseID,
		Status:      casedata.StatusCompleted,
		Explanation: res.Explanation,
	}
	if agg := res.AggregatedResults; agg != nil {
		out.TotalCounts = agg.TotalCounts
		out.OldestStageDetected = agg.OldestStageDetected
	}
	if pmi := res.PMIEstimation; pmi != nil {
		out.PMIDays = pmi.PMIDays
		out.PMIHours = pmi.PMIHours
		out.PMIMinutes = pmi.PMIMinutes
		out.StageUsedForCalculation = pmi.StageUsedForCalculation
		out.TemperatureProvided = pmi.TemperatureProvided
		out.CalculatedADH = pmi.CalculatedADH
		out.LDTUsed = pmi.LDTUsed
		out.PMISourceImageKey = pmi.PMISourceImageKey
	}
	return out
}
