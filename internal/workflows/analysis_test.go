package workflows_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mortiscope/caseflow/engine/enginetest"
	"github.com/mortiscope/caseflow/internal/casedata"
	"github.com/mortiscope/caseflow/internal/labsvc"
	"github.com/mortiscope/caseflow/internal/workflows"
)

func TestAnalysisCompletesAgainstMockedService(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/detect", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"aggregated_results": {"total_counts": {"adult": 2}, "oldest_stage_detected": "adult"},
			"pmi_estimation": {"pmi_hours": 48},
			"explanation": "ok"
		}`))
	}))
	defer srv.Close()

	env := newTestEnv(t, func(d *workflows.Deps) {
		d.Lab = labsvc.New(srv.URL, "s3cret")
	})

	id, err := env.h.Send(workflows.EventAnalysisRequested, workflows.AnalysisRequested{CaseID: "case-1"})
	require.NoError(t, err)
	require.NoError(t, env.h.RunToCompletion(ctx, id))
	require.Equal(t, enginetest.StatusCompleted, env.h.Status(id))

	res, err := env.store.GetAnalysisResult(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, casedata.StatusCompleted, res.Status)
	assert.Equal(t, map[string]int{"adult": 2}, res.TotalCounts)
	require.NotNil(t, res.OldestStageDetected)
	assert.Equal(t, "adult", *res.OldestStageDetected)
	require.NotNil(t, res.PMIHours)
	assert.Equal(t, 48.0, *res.PMIHours)
}

func TestAnalysisWaitsOutUploadGrace(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.lab.detectRes = &labsvc.DetectionResponse{
		AggregatedResults: &labsvc.AggregatedResults{
			TotalCounts:         map[string]int{"larva": 1},
			OldestStageDetected: ptr("larva"),
		},
	}

	id, err := env.h.Send(workflows.EventAnalysisRequested, workflows.AnalysisRequested{CaseID: "case-1"})
	require.NoError(t, err)

	// Before the grace period elapses the run parks and the service is
	// never called.
	require.NoError(t, env.h.Drain(ctx))
	assert.Equal(t, enginetest.StatusSleeping, env.h.Status(id))
	assert.Equal(t, 0, env.lab.detectCalls)

	env.h.Advance(testUploadGrace)
	require.NoError(t, env.h.Drain(ctx))
	assert.Equal(t, enginetest.StatusCompleted, env.h.Status(id))
	assert.Equal(t, 1, env.lab.detectCalls)
}

func TestAnalysisEmptyResultIsTerminalSuccess(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.lab.detectRes = &labsvc.DetectionResponse{}

	id, err := env.h.Send(workflows.EventAnalysisRequested, workflows.AnalysisRequested{CaseID: "case-1"})
	require.NoError(t, err)
	require.NoError(t, env.h.RunToCompletion(ctx, id))
	require.Equal(t, enginetest.StatusCompleted, env.h.Status(id))

	res, err := env.store.GetAnalysisResult(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, casedata.StatusCompleted, res.Status)
	require.NotNil(t, res.Explanation)
	assert.NotEmpty(t, *res.Explanation)
	assert.Nil(t, res.TotalCounts)
	assert.Nil(t, res.OldestStageDetected)
}

func TestAnalysisReplaySkipsCompletedSteps(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyStore{failures: 2}
	env := newTestEnv(t, func(d *workflows.Deps) {
		flaky.Store = d.Store
		d.Store = flaky
	})
	env.lab.detectRes = &labsvc.DetectionResponse{
		AggregatedResults: &labsvc.AggregatedResults{
			TotalCounts:         map[string]int{"adult": 1},
			OldestStageDetected: ptr("adult"),
		},
	}

	id, err := env.h.Send(workflows.EventAnalysisRequested, workflows.AnalysisRequested{CaseID: "case-1"})
	require.NoError(t, err)
	require.NoError(t, env.h.RunToCompletion(ctx, id))
	require.Equal(t, enginetest.StatusCompleted, env.h.Status(id))

	// Two retries were consumed by the flaky save; the detect step's
	// memoized output was reused instead of re-calling the service.
	assert.Equal(t, 1, env.lab.detectCalls)
	assert.Equal(t, 3, flaky.saveCalls)

	res, err := env.store.GetAnalysisResult(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, casedata.StatusCompleted, res.Status)
}

func TestAnalysisFailureCompensation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.lab.detectErr = errors.New("detect backend exploded")

	id, err := env.h.Send(workflows.EventAnalysisRequested, workflows.AnalysisRequested{CaseID: "case-1"})
	require.NoError(t, err)
	require.NoError(t, env.h.RunToCompletion(ctx, id))
	require.Equal(t, enginetest.StatusFailed, env.h.Status(id))

	res, err := env.store.GetAnalysisResult(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, casedata.StatusFailed, res.Status)
	require.NotNil(t, res.Explanation)
	assert.Contains(t, *res.Explanation, "detect backend exploded")
}

func TestAnalysisMisconfiguredServiceFailsRun(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, func(d *workflows.Deps) {
		d.Lab = labsvc.New("", "")
	})

	id, err := env.h.Send(workflows.EventAnalysisRequested, workflows.AnalysisRequested{CaseID: "case-1"})
	require.NoError(t, err)
	require.NoError(t, env.h.RunToCompletion(ctx, id))
	require.Equal(t, enginetest.StatusFailed, env.h.Status(id))
	assert.ErrorIs(t, env.h.Err(id), labsvc.ErrNotConfigured)

	res, err := env.store.GetAnalysisResult(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, casedata.StatusFailed, res.Status)
}
