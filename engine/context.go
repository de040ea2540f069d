package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"
)

type yieldKind string

const (
	yieldSleep yieldKind = "sleep"
)

type yieldPanic struct {
	kind yieldKind
}

func (y yieldPanic) Error() string { return "engine: yield(" + string(y.kind) + ")" }

// StepPanicError wraps a panic that occurred during step execution.
type StepPanicError struct {
	Value any
	Stack string
}

func (e StepPanicError) Error() string {
	return fmt.Sprintf("engine: step panicked: %v", e.Value)
}

// WorkflowPanicError wraps a panic that occurred during workflow execution.
//
// This is distinct from StepPanicError: step panics are caught inside Step,
// while this covers panics in the workflow function itself.
type WorkflowPanicError struct {
	Value any
	Stack string
}

func (e WorkflowPanicError) Error() string {
	if e.Stack == "" {
		return fmt.Sprintf("engine: workflow panicked: %v", e.Value)
	}
	return fmt.Sprintf("engine: workflow panicked: %v\n%s", e.Value, e.Stack)
}

// Backend persists the durable state of a single run: memoized step outputs,
// sleep waits, and scheduled future runs.
//
// The pgx implementation scopes all reads/writes to the transaction of the
// current worker attempt; enginetest provides an in-memory implementation.
type Backend interface {
	// StepOutput returns the memoized output for a completed step, if any.
	StepOutput(ctx context.Context, stepKey string) (outputJSON []byte, ok bool, err error)

	// CompleteStep records a step's output so replays skip it.
	CompleteStep(ctx context.Context, stepKey string, outputJSON []byte) error

	// FailStep records a step failure for diagnostics. Best-effort.
	FailStep(ctx context.Context, stepKey string, stepErr error)

	// SleepWait reports the state of a sleep wait.
	SleepWait(ctx context.Context, waitKey string) (wakeAt time.Time, satisfied bool, found bool, err error)

	// SatisfySleep marks an elapsed sleep wait as satisfied.
	SatisfySleep(ctx context.Context, waitKey string) error

	// BeginSleep persists a sleep wait and parks the run until wakeAt.
	BeginSleep(ctx context.Context, waitKey string, wakeAt time.Time) error

	// ScheduleRun enqueues a new run for eventName, runnable at `at`.
	ScheduleRun(ctx context.Context, eventName string, payloadJSON []byte, at time.Time) error
}

// Context is passed to workflow code. It provides replay-safe primitives.
type Context struct {
	runID   RunID
	backend Backend
	codec   Codec
	now     func() time.Time
}

func newContext(runID RunID, backend Backend, codec Codec, now func() time.Time) *Context {
	if codec == nil {
		codec = JSONCodec{}
	}
	if now == nil {
		now = time.Now
	}
	return &Context{runID: runID, backend: backend, codec: codec, now: now}
}

func (c *Context) RunID() RunID { return c.runID }

// Now returns the executor's clock reading. Workflows use it instead of
// time.Now so scheduled timestamps stay consistent with sleep wakeups.
func (c *Context) Now() time.Time { return c.now() }

// Step runs fn exactly-once per (run, stepKey) by memoizing its successful
// output. A retried run reuses the stored output instead of re-executing fn.
//
// Go does not support type parameters on methods, so this is a package-level generic.
func Step[O any](ctx context.Context, c *Context, stepKey string, fn func(context.Context) (O, error)) (O, error) {
	var zero O
	if stepKey == "" {
		return zero, errors.New("engine: stepKey must not be empty")
	}

	// Check context cancellation before doing any work.
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	// Fast path: already completed.
	outputJSON, ok, err := c.backend.StepOutput(ctx, stepKey)
	if err != nil {
		return zero, fmt.Errorf("lookup step %q: %w", stepKey, err)
	}
	if ok {
		var out O
		if err := c.codec.Unmarshal(outputJSON, &out); err != nil {
			return zero, fmt.Errorf("unmarshal step output: %w", err)
		}
		return out, nil
	}

	out, err := runStepWithRecovery(ctx, fn)
	if err != nil {
		c.backend.FailStep(ctx, stepKey, err)
		return zero, err
	}

	outputJSON, err = c.codec.Marshal(out)
	if err != nil {
		return zero, fmt.Errorf("marshal step output: %w", err)
	}
	if err := c.backend.CompleteStep(ctx, stepKey, outputJSON); err != nil {
		return zero, fmt.Errorf("persist step output: %w", err)
	}
	return out, nil
}

// Do is the output-less form of Step for side-effect steps.
func Do(ctx context.Context, c *Context, stepKey string, fn func(context.Context) error) error {
	_, err := Step(ctx, c, stepKey, func(ctx context.Context) (NoOutput, error) {
		return NoOutput{}, fn(ctx)
	})
	return err
}

// runStepWithRecovery executes a step with panic recovery, so a step panic
// doesn't crash the entire worker. Yield panics are passed through.
func runStepWithRecovery[O any](ctx context.Context, fn func(context.Context) (O, error)) (out O, err error) {
	defer func() {
		if r := recover(); r != nil {
			if y, ok := r.(yieldPanic); ok {
				panic(y)
			}
			// Capture stack trace for debugging
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			err = StepPanicError{Value: r, Stack: string(buf[:n])}
		}
	}()

	return fn(ctx)
}

// Sleep durably yields execution until now()+duration.
//
// If the sleep already elapsed (on resume), it returns immediately.
func (c *Context) Sleep(ctx context.Context, waitKey string, duration time.Duration) {
	if waitKey == "" {
		panic("engine: waitKey must not be empty")
	}

	wakeAt := c.now().Add(duration)

	// If we already have a sleep wait and it has elapsed, return.
	if wake, satisfied, found, err := c.backend.SleepWait(ctx, waitKey); err == nil && found {
		if satisfied {
			return
		}
		if !c.now().Before(wake) {
			_ = c.backend.SatisfySleep(ctx, waitKey)
			return
		}
		wakeAt = wake
	}

	if err := c.backend.BeginSleep(ctx, waitKey, wakeAt); err != nil {
		panic(fmt.Errorf("persist sleep wait: %w", err))
	}

	panic(yieldPanic{kind: yieldSleep})
}

// SendEvent schedules a new event to be delivered at the exact future
// timestamp `at`, decoupling scheduling intent from execution. The schedule
// is memoized per (run, stepKey), so a retried run never double-schedules.
//
// Go does not support type parameters on methods, so this is a package-level generic.
func SendEvent[T any](ctx context.Context, c *Context, stepKey string, eventName string, payload *T, at time.Time) error {
	if stepKey == "" {
		return errors.New("engine: stepKey must not be empty")
	}
	if eventName == "" {
		return errors.New("engine: eventName must not be empty")
	}

	if _, ok, err := c.backend.StepOutput(ctx, stepKey); err != nil {
		return fmt.Errorf("lookup step %q: %w", stepKey, err)
	} else if ok {
		return nil
	}

	payloadJSON, err := c.codec.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if err := c.backend.ScheduleRun(ctx, eventName, payloadJSON, at); err != nil {
		return fmt.Errorf("schedule event %q: %w", eventName, err)
	}

	outputJSON, err := c.codec.Marshal(map[string]any{"event": eventName, "scheduled_at": at})
	if err != nil {
		return fmt.Errorf("marshal step output: %w", err)
	}
	return c.backend.CompleteStep(ctx, stepKey, outputJSON)
}
