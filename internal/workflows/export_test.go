package workflows_test

import (
	"context"
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

func seedExport(t *testing.T, env *testEnv, e casedata.Export) {
	t.Helper()
	require.NoError(t, env.store.CreateExport(context.Background(), e))
}

func TestCaseExportDispatch(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	caseID := "case-1"
	seedExport(t, env, casedata.Export{ID: "exp-1", Scope: casedata.ExportScopeCase, CaseID: &caseID, Format: "csv"})

	id, err := env.h.Send(workflows.EventCaseExportRequested, workflows.CaseExportRequested{
		ExportID: "exp-1", CaseID: "case-1", Format: "csv",
	})
	require.NoError(t, err)
	require.NoError(t, env.h.RunToCompletion(ctx, id))
	require.Equal(t, enginetest.StatusCompleted, env.h.Status(id))

	var ack labsvc.ExportAck
	require.NoError(t, env.h.Output(id, &ack))
	assert.True(t, ack.Accepted)

	require.Len(t, env.lab.exportReqs, 1)
	req := env.lab.exportReqs[0]
	assert.Equal(t, "exp-1", req.ExportID)
	require.NotNil(t, req.CaseID)
	assert.Equal(t, "case-1", *req.CaseID)
	assert.Nil(t, req.UploadID)
	assert.Equal(t, "csv", req.Format)

	// Dispatch only: completion is reported through a separate channel, so
	// the record stays processing.
	e, err := env.store.GetExport(ctx, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, casedata.StatusProcessing, e.Status)
	assert.Nil(t, e.FailureReason)
}

func TestImageExportDispatch(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	uploadID := "upl-9"
	seedExport(t, env, casedata.Export{ID: "exp-2", Scope: casedata.ExportScopeImage, UploadID: &uploadID, Format: "json"})

	id, err := env.h.Send(workflows.EventImageExportRequested, workflows.ImageExportRequested{
		ExportID: "exp-2", UploadID: "upl-9", Format: "json",
	})
	require.NoError(t, err)
	require.NoError(t, env.h.RunToCompletion(ctx, id))
	require.Equal(t, enginetest.StatusCompleted, env.h.Status(id))

	require.Len(t, env.lab.exportReqs, 1)
	req := env.lab.exportReqs[0]
	require.NotNil(t, req.UploadID)
	assert.Equal(t, "upl-9", *req.UploadID)
	assert.Nil(t, req.CaseID)
}

func TestCaseExportFailureCompensation(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "export backend unavailable", http.StatusInternalServerError)
	}))
	defer srv.Close()

	env := newTestEnv(t, func(d *workflows.Deps) {
		d.Lab = labsvc.New(srv.URL, "s3cret")
	})
	caseID := "case-1"
	seedExport(t, env, casedata.Export{ID: "exp-1", Scope: casedata.ExportScopeCase, CaseID: &caseID, Format: "csv"})

	id, err := env.h.Send(workflows.EventCaseExportRequested, workflows.CaseExportRequested{
		ExportID: "exp-1", CaseID: "case-1", Format: "csv",
	})
	require.NoError(t, err)
	require.NoError(t, env.h.RunToCompletion(ctx, id))
	require.Equal(t, enginetest.StatusFailed, env.h.Status(id))

	e, err := env.store.GetExport(ctx, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, casedata.StatusFailed, e.Status)
	require.NotNil(t, e.FailureReason)
	assert.Contains(t, *e.FailureReason, "export backend unavailable")
}
