// Package enginetest provides an in-memory run driver for testing workflows
// without Postgres. It implements engine.Backend over maps and drives
// registered workflows through the same Registry.Execute entry point the
// real worker uses, with a movable clock for durable sleeps and delayed
// events.
//
// The harness retries failed runs immediately rather than applying the
// registered backoff, so tests stay fast; attempt accounting and failure
// hooks behave exactly as in production.
package enginetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mortiscope/caseflow/engine"
)

const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSleeping  = "sleeping"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

type run struct {
	id       engine.RunID
	event    string
	payload  []byte
	status   string
	attempts int
	wakeAt   time.Time // zero = runnable now
	output   []byte
	err      error
	backend  *memBackend
}

// Harness drives workflows registered in a Registry entirely in memory.
type Harness struct {
	Registry *engine.Registry

	mu     sync.Mutex
	now    time.Time
	nextID int
	runs   map[engine.RunID]*run
	order  []engine.RunID
}

func NewHarness(reg *engine.Registry) *Harness {
	return &Harness{
		Registry: reg,
		now:      time.Now().Truncate(time.Second),
		runs:     map[engine.RunID]*run{},
	}
}

// Now returns the harness clock.
func (h *Harness) Now() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

// Advance moves the harness clock forward.
func (h *Harness) Advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
}

// Send enqueues a trigger event, like engine.Send.
func (h *Harness) Send(eventName string, payload any) (engine.RunID, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enqueue(eventName, payloadJSON, time.Time{}), nil
}

// enqueue adds a run. Callers hold h.mu.
func (h *Harness) enqueue(eventName string, payloadJSON []byte, at time.Time) engine.RunID {
	h.nextID++
	id := engine.RunID(fmt.Sprintf("run-%d", h.nextID))
	r := &run{
		id:      id,
		event:   eventName,
		payload: payloadJSON,
		status:  StatusQueued,
		wakeAt:  at,
	}
	r.backend = &memBackend{h: h, r: r, steps: map[string][]byte{}, waits: map[string]*memWait{}}
	h.runs[id] = r
	h.order = append(h.order, id)
	return id
}

// Drain processes runnable runs until none remain at the current clock.
// Runs sleeping past the clock stay parked; use Advance to wake them.
func (h *Harness) Drain(ctx context.Context) error {
	for i := 0; i < 10000; i++ {
		r := h.nextRunnable()
		if r == nil {
			return nil
		}
		h.processOne(ctx, r)
	}
	return fmt.Errorf("enginetest: drain did not converge")
}

// RunToCompletion drains, advancing the clock over pending wake times, until
// the given run reaches a terminal status.
func (h *Harness) RunToCompletion(ctx context.Context, id engine.RunID) error {
	for i := 0; i < 10000; i++ {
		if err := h.Drain(ctx); err != nil {
			return err
		}
		switch h.Status(id) {
		case StatusCompleted, StatusFailed:
			return nil
		}
		next, ok := h.nextWake()
		if !ok {
			return fmt.Errorf("enginetest: run %s is stuck with no pending wake", id)
		}
		h.mu.Lock()
		if next.After(h.now) {
			h.now = next
		}
		h.mu.Unlock()
	}
	return fmt.Errorf("enginetest: run %s did not complete", id)
}

func (h *Harness) nextRunnable() *run {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range h.order {
		r := h.runs[id]
		switch r.status {
		case StatusQueued, StatusSleeping:
			if r.wakeAt.IsZero() || !r.wakeAt.After(h.now) {
				return r
			}
		}
	}
	return nil
}

func (h *Harness) nextWake() (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var next time.Time
	for _, id := range h.order {
		r := h.runs[id]
		if r.status != StatusQueued && r.status != StatusSleeping {
			continue
		}
		if r.wakeAt.IsZero() {
			continue
		}
		if next.IsZero() || r.wakeAt.Before(next) {
			next = r.wakeAt
		}
	}
	return next, !next.IsZero()
}

func (h *Harness) processOne(ctx context.Context, r *run) {
	h.mu.Lock()
	r.status = StatusRunning
	r.attempts++
	attempts := r.attempts
	h.mu.Unlock()

	output, suspended, err := h.Registry.Execute(ctx, r.backend, h.Now, r.id, engine.Event{Name: r.event, Payload: r.payload})

	h.mu.Lock()
	switch {
	case suspended:
		// Parking is not a failed attempt; only step failures count against
		// the retry budget, as in the worker.
		r.attempts--
		r.status = StatusSleeping
		r.wakeAt = r.backend.earliestWake()
	case err == nil:
		r.status = StatusCompleted
		r.output = output
		r.err = nil
	default:
		policy := engine.DefaultRetryPolicy
		if p, ok := h.Registry.Policy(r.event); ok {
			policy = p
		}
		maxAttempts := policy.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = 1
		}
		if attempts >= maxAttempts {
			r.status = StatusFailed
			r.err = err
			h.mu.Unlock()
			h.invokeFailureHook(ctx, r, err)
			return
		}
		// Immediate retry; production applies the policy's backoff here.
		r.status = StatusQueued
		r.wakeAt = time.Time{}
		r.err = err
	}
	h.mu.Unlock()
}

func (h *Harness) invokeFailureHook(ctx context.Context, r *run, runErr error) {
	hook := h.Registry.FailureHandlerFor(r.event)
	if hook == nil {
		return
	}
	defer func() { recover() }()
	hook(ctx, engine.Event{Name: r.event, Payload: r.payload}, runErr)
}

// Status returns the run's current status, or "" for unknown runs.
func (h *Harness) Status(id engine.RunID) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.runs[id]
	if !ok {
		return ""
	}
	return r.status
}

// Err returns the terminal error of a failed run.
func (h *Harness) Err(id engine.RunID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.runs[id]
	if !ok {
		return nil
	}
	return r.err
}

// Attempts returns how many attempts the run has made.
func (h *Harness) Attempts(id engine.RunID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.runs[id]
	if !ok {
		return 0
	}
	return r.attempts
}

// Output unmarshals the completed run's output into v.
func (h *Harness) Output(id engine.RunID, v any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.runs[id]
	if !ok {
		return fmt.Errorf("enginetest: unknown run %s", id)
	}
	if r.status != StatusCompleted {
		return fmt.Errorf("enginetest: run %s is not completed (status: %s)", id, r.status)
	}
	return json.Unmarshal(r.output, v)
}

// Runs returns all run IDs for an event name, in creation order. Useful for
// finding self-scheduled runs.
func (h *Harness) Runs(eventName string) []engine.RunID {
	h.mu.Lock()
	defer h.mu.Unlock()
	var ids []engine.RunID
	for _, id := range h.order {
		if h.runs[id].event == eventName {
			ids = append(ids, id)
		}
	}
	return ids
}

type memWait struct {
	wakeAt    time.Time
	satisfied bool
}

type memBackend struct {
	h     *Harness
	r     *run
	steps map[string][]byte
	waits map[string]*memWait
}

var _ engine.Backend = (*memBackend)(nil)

func (b *memBackend) StepOutput(ctx context.Context, stepKey string) ([]byte, bool, error) {
	b.h.mu.Lock()
	defer b.h.mu.Unlock()
	out, ok := b.steps[stepKey]
	return out, ok, nil
}

func (b *memBackend) CompleteStep(ctx context.Context, stepKey string, outputJSON []byte) error {
	b.h.mu.Lock()
	defer b.h.mu.Unlock()
	b.steps[stepKey] = outputJSON
	return nil
}

func (b *memBackend) FailStep(ctx context.Context, stepKey string, stepErr error) {}

func (b *memBackend) SleepWait(ctx context.Context, waitKey string) (time.Time, bool, bool, error) {
	b.h.mu.Lock()
	defer b.h.mu.Unlock()
	w, ok := b.waits[waitKey]
	if !ok {
		return time.Time{}, false, false, nil
	}
	return w.wakeAt, w.satisfied, true, nil
}

func (b *memBackend) SatisfySleep(ctx context.Context, waitKey string) error {
	b.h.mu.Lock()
	defer b.h.mu.Unlock()
	if w, ok := b.waits[waitKey]; ok {
		w.satisfied = true
	}
	return nil
}

func (b *memBackend) BeginSleep(ctx context.Context, waitKey string, wakeAt time.Time) error {
	b.h.mu.Lock()
	defer b.h.mu.Unlock()
	b.waits[waitKey] = &memWait{wakeAt: wakeAt}
	return nil
}

func (b *memBackend) ScheduleRun(ctx context.Context, eventName string, payloadJSON []byte, at time.Time) error {
	b.h.mu.Lock()
	defer b.h.mu.Unlock()
	b.h.enqueue(eventName, payloadJSON, at)
	return nil
}

// earliestWake returns the earliest unsatisfied sleep wake time. Callers
// hold h.mu.
func (b *memBackend) earliestWake() time.Time {
	var next time.Time
	for _, w := range b.waits {
		if w.satisfied {
			continue
		}
		if next.IsZero() || w.wakeAt.Before(next) {
			next = w.wakeAt
		}
	}
	return next
}
