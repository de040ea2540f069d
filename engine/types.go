package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Event is a named trigger with a JSON payload. Sending an event starts the
// workflow registered for that name.
type Event struct {
	Name    string
	Payload json.RawMessage
}

// RunID identifies a single workflow run. Run IDs are UUIDv7 strings so they
// sort by creation time.
type RunID string

// Workflow is a durable workflow definition. Trigger returns the event name
// that starts it; Run executes it using the replay-safe primitives on Context.
//
// Run may be invoked many times for the same run (retries, resume after
// sleep); all side effects must go through Step/Do/SendEvent so they are
// memoized across attempts.
type Workflow[In, Out any] interface {
	Trigger() string
	Run(ctx context.Context, c *Context, in *In) (*Out, error)
}

// FailureHandler is invoked once, after a run has exhausted its retry budget,
// with the original trigger event and the terminal error.
//
// Handlers must not panic; the worker recovers and logs if they do.
type FailureHandler func(ctx context.Context, event Event, runErr error)

// RetryPolicy defines how a run is retried. On step failure the whole run is
// requeued and replayed from the first unfinished step.
type RetryPolicy struct {
	InitialInterval time.Duration // Start with this delay
	MaxInterval     time.Duration // Cap delay at this value
	BackoffFactor   float64       // Exponential backoff multiplier
	MaxAttempts     int           // Give up after this many attempts in total
	Jitter          float64       // Add ±% randomization to prevent thundering herd
}

// DefaultRetryPolicy provides sensible defaults.
var DefaultRetryPolicy = RetryPolicy{
	InitialInterval: 2 * time.Second,
	MaxInterval:     5 * time.Minute,
	BackoffFactor:   2.0,
	MaxAttempts:     4,
	Jitter:          0.1,
}

func (p RetryPolicy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// NoOutput is a placeholder for workflows or steps that don't return output.
type NoOutput struct{}

// Error definitions
var (
	// ErrNotRegistered indicates no workflow is registered for an event name.
	ErrNotRegistered = errors.New("engine: no workflow registered for event")

	// ErrRunNotFound indicates the run does not exist.
	ErrRunNotFound = errors.New("engine: run not found")
)
