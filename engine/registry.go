package engine

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"
)

type workflowRunner interface {
	trigger() string
	codec() Codec
	retryPolicy() RetryPolicy
	onFailure() FailureHandler
	run(ctx context.Context, c *Context, payloadJSON []byte) (outputJSON []byte, err error)
}

type registeredWorkflow[I any, O any] struct {
	wf        Workflow[I, O]
	codecImpl Codec
	retry     RetryPolicy
	failure   FailureHandler
}

func (r registeredWorkflow[I, O]) trigger() string { return r.wf.Trigger() }

func (r registeredWorkflow[I, O]) codec() Codec { return r.codecImpl }

func (r registeredWorkflow[I, O]) retryPolicy() RetryPolicy { return r.retry }

func (r registeredWorkflow[I, O]) onFailure() FailureHandler { return r.failure }

func (r registeredWorkflow[I, O]) run(ctx context.Context, c *Context, payloadJSON []byte) ([]byte, error) {
	var in I
	if err := r.codecImpl.Unmarshal(payloadJSON, &in); err != nil {
		return nil, fmt.Errorf("unmarshal event payload: %w", err)
	}

	out, err := r.wf.Run(ctx, c, &in)
	if err != nil {
		return nil, err
	}
	return r.codecImpl.Marshal(out)
}

// WorkflowOption configures workflow registration.
type WorkflowOption func(*workflowOptions)

type workflowOptions struct {
	codec   Codec
	retry   RetryPolicy
	failure FailureHandler
}

// WithCodec sets a custom codec for the workflow. If not set, JSONCodec is used.
func WithCodec(codec Codec) WorkflowOption {
	return func(o *workflowOptions) {
		o.codec = codec
	}
}

// WithRetryPolicy sets the run-level retry policy. If not set,
// DefaultRetryPolicy is used.
func WithRetryPolicy(p RetryPolicy) WorkflowOption {
	return func(o *workflowOptions) {
		o.retry = p
	}
}

// WithOnFailure registers a hook invoked after the run's retry budget is
// exhausted, receiving the original trigger event and the terminal error.
func WithOnFailure(h FailureHandler) WorkflowOption {
	return func(o *workflowOptions) {
		o.failure = h
	}
}

// Registry maps trigger event names to registered workflows.
//
// Registration is type-safe; execution is dynamic (by event name from DB).
// Workflows are registered explicitly at process startup rather than through
// import side effects.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]workflowRunner
}

func NewRegistry() *Registry {
	return &Registry{workflows: map[string]workflowRunner{}}
}

// Register registers a workflow against its trigger event.
//
// Go does not support type parameters on methods, so this is a package-level generic.
func Register[I any, O any](r *Registry, wf Workflow[I, O], opts ...WorkflowOption) {
	if err := register(r, wf, opts...); err != nil {
		panic(err)
	}
}

func register[I any, O any](r *Registry, wf Workflow[I, O], opts ...WorkflowOption) error {
	if wf == nil {
		return fmt.Errorf("workflow is nil")
	}
	if r == nil {
		return fmt.Errorf("registry is nil")
	}

	options := workflowOptions{
		codec: JSONCodec{},
		retry: DefaultRetryPolicy,
	}
	for _, opt := range opts {
		opt(&options)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	name := wf.Trigger()
	if name == "" {
		return fmt.Errorf("workflow trigger event is empty")
	}
	if _, ok := r.workflows[name]; ok {
		return fmt.Errorf("workflow already registered for event: %s", name)
	}
	r.workflows[name] = registeredWorkflow[I, O]{
		wf:        wf,
		codecImpl: options.codec,
		retry:     options.retry,
		failure:   options.failure,
	}
	return nil
}

func (r *Registry) get(name string) (workflowRunner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.workflows[name]
	return wf, ok
}

// Triggers returns the trigger event names of all registered workflows.
func (r *Registry) Triggers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		names = append(names, name)
	}
	return names
}

// Policy returns the retry policy registered for an event.
func (r *Registry) Policy(event string) (RetryPolicy, bool) {
	runner, ok := r.get(event)
	if !ok {
		return RetryPolicy{}, false
	}
	return runner.retryPolicy(), true
}

// FailureHandlerFor returns the failure hook registered for an event, or nil.
func (r *Registry) FailureHandlerFor(event string) FailureHandler {
	runner, ok := r.get(event)
	if !ok {
		return nil
	}
	return runner.onFailure()
}

// Execute runs one attempt of the workflow registered for event against the
// given backend. It reports whether the run suspended (durable sleep) rather
// than finishing. Panics in the workflow function are converted to
// WorkflowPanicError.
//
// Execute is the single entry point for run drivers: the Postgres worker and
// the enginetest harness both go through it.
func (r *Registry) Execute(ctx context.Context, b Backend, now func() time.Time, runID RunID, event Event) (outputJSON []byte, suspended bool, err error) {
	runner, ok := r.get(event.Name)
	if !ok {
		return nil, false, fmt.Errorf("%w: %q", ErrNotRegistered, event.Name)
	}

	c := newContext(runID, b, runner.codec(), now)

	func() {
		defer func() {
			if rec := recover(); rec != nil {
				if _, ok := rec.(yieldPanic); ok {
					suspended = true
					return
				}
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				err = WorkflowPanicError{Value: rec, Stack: string(buf[:n])}
			}
		}()
		outputJSON, err = runner.run(ctx, c, event.Payload)
	}()

	if suspended {
		return nil, true, nil
	}
	return outputJSON, false, err
}
