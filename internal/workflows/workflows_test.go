package workflows_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mortiscope/caseflow/engine"
	"github.com/mortiscope/caseflow/engine/enginetest"
	"github.com/mortiscope/caseflow/internal/casedata"
	"github.com/mortiscope/caseflow/internal/labsvc"
	"github.com/mortiscope/caseflow/internal/mailer"
	"github.com/mortiscope/caseflow/internal/workflows"
)

const (
	testUploadGrace   = 30 * time.Second
	testDeletionGrace = 14 * 24 * time.Hour
)

type testEnv struct {
	store *casedata.MemoryStore
	lab   *fakeLab
	mail  *mailer.Recorder
	blobs *fakeBlobs
	h     *enginetest.Harness
}

// newTestEnv wires the workflows against in-memory collaborators. Opts may
// swap dependencies before registration.
func newTestEnv(t *testing.T, opts ...func(*workflows.Deps)) *testEnv {
	t.Helper()
	env := &testEnv{
		store: casedata.NewMemoryStore(),
		lab:   &fakeLab{},
		mail:  &mailer.Recorder{},
		blobs: &fakeBlobs{},
	}
	deps := workflows.Deps{
		Store:         env.store,
		Lab:           env.lab,
		Mailer:        env.mail,
		Blobs:         env.blobs,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		UploadGrace:   testUploadGrace,
		DeletionGrace: testDeletionGrace,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	reg := engine.NewRegistry()
	workflows.RegisterAll(reg, deps)
	env.h = enginetest.NewHarness(reg)
	return env
}

func ptr[T any](v T) *T { return &v }

// fakeLab is an in-process AnalysisService with per-endpoint call counters.
type fakeLab struct {
	mu sync.Mutex

	detectCalls int
	detectRes   *labsvc.DetectionResponse
	detectErr   error

	recalcCalls int
	recalcRes   *labsvc.DetectionResponse
	recalcErr   error

	exportCalls int
	exportAck   *labsvc.ExportAck
	exportErr   error
	exportReqs  []labsvc.ExportRequest
}

func (f *fakeLab) Detect(ctx context.Context, caseID string) (*labsvc.DetectionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detectCalls++
	if f.detectErr != nil {
		return nil, f.detectErr
	}
	if f.detectRes != nil {
		return f.detectRes, nil
	}
	return &labsvc.DetectionResponse{}, nil
}

func (f *fakeLab) Recalculate(ctx context.Context, caseID string) (*labsvc.DetectionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recalcCalls++
	if f.recalcErr != nil {
		return nil, f.recalcErr
	}
	if f.recalcRes != nil {
		return f.recalcRes, nil
	}
	return &labsvc.DetectionResponse{}, nil
}

func (f *fakeLab) Export(ctx context.Context, req labsvc.ExportRequest) (*labsvc.ExportAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exportCalls++
	f.exportReqs = append(f.exportReqs, req)
	if f.exportErr != nil {
		return nil, f.exportErr
	}
	if f.exportAck != nil {
		return f.exportAck, nil
	}
	return &labsvc.ExportAck{Accepted: true}, nil
}

// fakeBlobs records which users had their uploads purged.
type fakeBlobs struct {
	mu     sync.Mutex
	purged []string
	err    error
}

func (f *fakeBlobs) RemoveUserUploads(ctx context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purged = append(f.purged, userID)
	if f.err != nil {
		return 0, f.err
	}
	return 3, nil
}

func (f *fakeBlobs) purgedUsers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.purged))
	copy(out, f.purged)
	return out
}

// flakyStore fails SaveAnalysisResult a fixed number of times before
// delegating, to force run retries mid-workflow.
type flakyStore struct {
	casedata.Store

	mu        sync.Mutex
	failures  int
	saveCalls int
}

func (s *flakyStore) SaveAnalysisResult(ctx context.Context, res casedata.AnalysisResult) error {
	s.mu.Lock()
	s.saveCalls++
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return fmt.Errorf("datastore briefly unavailable")
	}
	return s.Store.SaveAnalysisResult(ctx, res)
}
