package engine_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mortiscope/caseflow/engine"
	"github.com/mortiscope/caseflow/engine/enginetest"
)

type testInput struct {
	Name string `json:"name"`
}

type testOutput struct {
	Greeting string `json:"greeting"`
}

// testWorkflow adapts a plain function to the Workflow interface.
type testWorkflow struct {
	trigger string
	run     func(ctx context.Context, c *engine.Context, in *testInput) (*testOutput, error)
}

func (w *testWorkflow) Trigger() string { return w.trigger }

func (w *testWorkflow) Run(ctx context.Context, c *engine.Context, in *testInput) (*testOutput, error) {
	return w.run(ctx, c, in)
}

func TestStepMemoizationAcrossRetries(t *testing.T) {
	ctx := context.Background()
	var firstCalls, secondCalls atomic.Int64

	wf := &testWorkflow{
		trigger: "test/memoized",
		run: func(ctx context.Context, c *engine.Context, in *testInput) (*testOutput, error) {
			greeting, err := engine.Step(ctx, c, "greet", func(context.Context) (string, error) {
				firstCalls.Add(1)
				return "hello " + in.Name, nil
			})
			if err != nil {
				return nil, err
			}
			err = engine.Do(ctx, c, "flaky", func(context.Context) error {
				if secondCalls.Add(1) < 3 {
					return errors.New("transient")
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
			return &testOutput{Greeting: greeting}, nil
		},
	}

	reg := engine.NewRegistry()
	engine.Register(reg, wf)
	h := enginetest.NewHarness(reg)

	id, err := h.Send("test/memoized", testInput{Name: "world"})
	require.NoError(t, err)
	require.NoError(t, h.RunToCompletion(ctx, id))
	require.Equal(t, enginetest.StatusCompleted, h.Status(id))

	assert.Equal(t, int64(1), firstCalls.Load())
	assert.Equal(t, int64(3), secondCalls.Load())
	assert.Equal(t, 3, h.Attempts(id))

	var out testOutput
	require.NoError(t, h.Output(id, &out))
	assert.Equal(t, "hello world", out.Greeting)
}

func TestSleepSuspendsAndResumes(t *testing.T) {
	ctx := context.Background()
	var resumed atomic.Bool

	wf := &testWorkflow{
		trigger: "test/sleepy",
		run: func(ctx context.Context, c *engine.Context, in *testInput) (*testOutput, error) {
			c.Sleep(ctx, "nap", time.Minute)
			resumed.Store(true)
			return &testOutput{Greeting: "awake"}, nil
		},
	}

	reg := engine.NewRegistry()
	engine.Register(reg, wf)
	h := enginetest.NewHarness(reg)

	id, err := h.Send("test/sleepy", testInput{})
	require.NoError(t, err)
	require.NoError(t, h.Drain(ctx))
	assert.Equal(t, enginetest.StatusSleeping, h.Status(id))
	assert.False(t, resumed.Load())

	h.Advance(time.Minute)
	require.NoError(t, h.Drain(ctx))
	assert.Equal(t, enginetest.StatusCompleted, h.Status(id))
	assert.True(t, resumed.Load())
}

func TestSleepDoesNotConsumeRetryBudget(t *testing.T) {
	ctx := context.Background()
	var stepCalls atomic.Int64

	wf := &testWorkflow{
		trigger: "test/sleep-then-flaky",
		run: func(ctx context.Context, c *engine.Context, in *testInput) (*testOutput, error) {
			c.Sleep(ctx, "settle", time.Minute)
			err := engine.Do(ctx, c, "flaky", func(context.Context) error {
				if stepCalls.Add(1) < 3 {
					return errors.New("transient")
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
			return &testOutput{Greeting: "done"}, nil
		},
	}

	reg := engine.NewRegistry()
	engine.Register(reg, wf,
		engine.WithRetryPolicy(engine.RetryPolicy{
			InitialInterval: time.Second,
			MaxInterval:     time.Second,
			BackoffFactor:   1,
			MaxAttempts:     3,
		}))
	h := enginetest.NewHarness(reg)

	id, err := h.Send("test/sleep-then-flaky", testInput{})
	require.NoError(t, err)
	require.NoError(t, h.RunToCompletion(ctx, id))

	// Two step failures fit in a budget of three attempts even though the
	// run also parked on a sleep first.
	require.Equal(t, enginetest.StatusCompleted, h.Status(id))
	assert.Equal(t, int64(3), stepCalls.Load())
	assert.Equal(t, 3, h.Attempts(id))
}

func TestSendEventSchedulesDelayedRun(t *testing.T) {
	ctx := context.Background()

	child := &testWorkflow{
		trigger: "test/child",
		run: func(ctx context.Context, c *engine.Context, in *testInput) (*testOutput, error) {
			return &testOutput{Greeting: "child " + in.Name}, nil
		},
	}
	parent := &testWorkflow{
		trigger: "test/parent",
		run: func(ctx context.Context, c *engine.Context, in *testInput) (*testOutput, error) {
			err := engine.SendEvent(ctx, c, "spawn", "test/child",
				&testInput{Name: in.Name}, c.Now().Add(time.Hour))
			if err != nil {
				return nil, err
			}
			return &testOutput{}, nil
		},
	}

	reg := engine.NewRegistry()
	engine.Register(reg, parent)
	engine.Register(reg, child)
	h := enginetest.NewHarness(reg)

	id, err := h.Send("test/parent", testInput{Name: "x"})
	require.NoError(t, err)
	require.NoError(t, h.Drain(ctx))
	require.Equal(t, enginetest.StatusCompleted, h.Status(id))

	children := h.Runs("test/child")
	require.Len(t, children, 1)
	// Parked until the scheduled instant.
	assert.Equal(t, enginetest.StatusQueued, h.Status(children[0]))

	h.Advance(time.Hour)
	require.NoError(t, h.Drain(ctx))
	assert.Equal(t, enginetest.StatusCompleted, h.Status(children[0]))

	var out testOutput
	require.NoError(t, h.Output(children[0], &out))
	assert.Equal(t, "child x", out.Greeting)
}

func TestRetryExhaustionInvokesFailureHook(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")

	var hookEvents []engine.Event
	var hookErrs []error

	wf := &testWorkflow{
		trigger: "test/doomed",
		run: func(ctx context.Context, c *engine.Context, in *testInput) (*testOutput, error) {
			return nil, boom
		},
	}

	reg := engine.NewRegistry()
	engine.Register(reg, wf,
		engine.WithRetryPolicy(engine.RetryPolicy{
			InitialInterval: time.Second,
			MaxInterval:     time.Second,
			BackoffFactor:   1,
			MaxAttempts:     3,
		}),
		engine.WithOnFailure(func(ctx context.Context, event engine.Event, runErr error) {
			hookEvents = append(hookEvents, event)
			hookErrs = append(hookErrs, runErr)
		}))
	h := enginetest.NewHarness(reg)

	id, err := h.Send("test/doomed", testInput{Name: "n"})
	require.NoError(t, err)
	require.NoError(t, h.RunToCompletion(ctx, id))

	assert.Equal(t, enginetest.StatusFailed, h.Status(id))
	assert.Equal(t, 3, h.Attempts(id))
	assert.ErrorIs(t, h.Err(id), boom)

	// The hook fires exactly once with the original trigger event.
	require.Len(t, hookEvents, 1)
	assert.Equal(t, "test/doomed", hookEvents[0].Name)
	assert.JSONEq(t, `{"name": "n"}`, string(hookEvents[0].Payload))
	require.Len(t, hookErrs, 1)
	assert.ErrorIs(t, hookErrs[0], boom)
}

func TestWorkflowPanicBecomesError(t *testing.T) {
	ctx := context.Background()
	wf := &testWorkflow{
		trigger: "test/panics",
		run: func(ctx context.Context, c *engine.Context, in *testInput) (*testOutput, error) {
			panic("kaboom")
		},
	}

	reg := engine.NewRegistry()
	engine.Register(reg, wf,
		engine.WithRetryPolicy(engine.RetryPolicy{MaxAttempts: 1}))
	h := enginetest.NewHarness(reg)

	id, err := h.Send("test/panics", testInput{})
	require.NoError(t, err)
	require.NoError(t, h.RunToCompletion(ctx, id))
	require.Equal(t, enginetest.StatusFailed, h.Status(id))

	var panicErr engine.WorkflowPanicError
	require.ErrorAs(t, h.Err(id), &panicErr)
	assert.Equal(t, "kaboom", panicErr.Value)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	reg := engine.NewRegistry()
	wf := &testWorkflow{
		trigger: "test/dup",
		run: func(ctx context.Context, c *engine.Context, in *testInput) (*testOutput, error) {
			return &testOutput{}, nil
		},
	}
	engine.Register(reg, wf)
	assert.Panics(t, func() { engine.Register(reg, wf) })
	assert.ElementsMatch(t, []string{"test/dup"}, reg.Triggers())
}

func TestUnregisteredEventFails(t *testing.T) {
	ctx := context.Background()
	h := enginetest.NewHarness(engine.NewRegistry())

	id, err := h.Send("test/unknown", testInput{})
	require.NoError(t, err)
	require.NoError(t, h.Drain(ctx))
	assert.Equal(t, enginetest.StatusFailed, h.Status(id))
	assert.ErrorIs(t, h.Err(id), engine.ErrNotRegistered)
}
