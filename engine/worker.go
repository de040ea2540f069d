package engine

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// WorkerConfig configures worker behavior.
type WorkerConfig struct {
	Concurrency   int           // Number of concurrent run processors
	PollInterval  time.Duration // Poll frequency (fallback when notifications are missed)
	LeaseTimeout  time.Duration // Reclaim runs stuck in `running` after this long
	DBConfig      DBConfig
	NotifyChannel string
	Logger        *slog.Logger
	Now           func() time.Time
}

// Worker claims runnable runs and executes registered workflows.
//
// A claim commits on its own, so the run is visibly `running` while the
// attempt executes; a worker that dies mid-attempt leaves that row behind
// and another worker reclaims it once it sits there longer than
// LeaseTimeout. The attempt itself runs inside a second transaction that
// commits on success, suspension and failure alike, so memoized steps
// survive retries and a resumed run continues from the first unfinished
// step.
type Worker struct {
	pool   *pgxpool.Pool
	reg    *Registry
	config WorkerConfig
	t      dbTables
	stopCh chan struct{}
	doneCh chan struct{}
	wakeCh chan struct{}
	wg     sync.WaitGroup
}

// NewWorker creates a new worker instance.
func NewWorker(pool *pgxpool.Pool, reg *Registry, config WorkerConfig) *Worker {
	if config.Concurrency == 0 {
		config.Concurrency = 10
	}
	if config.PollInterval == 0 {
		config.PollInterval = 1 * time.Second
	}
	if config.LeaseTimeout == 0 {
		config.LeaseTimeout = 5 * time.Minute
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Worker{
		pool:   pool,
		reg:    reg,
		config: config,
		t:      newDBTables(config.DBConfig),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		wakeCh: make(chan struct{}, 1),
	}
}

// Run starts the worker. Blocks until Stop is called or context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.doneCh)

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.wg.Add(1)
	go w.listenLoop(workerCtx)

	for i := 0; i < w.config.Concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(workerCtx)
	}

	select {
	case <-w.stopCh:
		cancel()
	case <-ctx.Done():
		cancel()
	}

	w.wg.Wait()
	return nil
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

// listenLoop maintains a LISTEN connection and nudges workerLoops when a
// wake hint arrives. Purely an optimization: polling remains the fallback.
func (w *Worker) listenLoop(ctx context.Context) {
	defer w.wg.Done()

	channel := normalizeNotifyChannel(w.config.NotifyChannel)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := w.listenOnce(ctx, channel); err != nil && ctx.Err() == nil {
			w.config.Logger.Warn("notify listener error, falling back to polling", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.config.PollInterval):
			}
		}
	}
}

func (w *Worker) listenOnce(ctx context.Context, channel string) error {
	conn, err := w.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return err
	}

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return err
		}
		select {
		case w.wakeCh <- struct{}{}:
		default:
		}
	}
}

// workerLoop polls for runnable runs and processes them.
func (w *Worker) workerLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.wakeCh:
		}

		// Drain all runnable runs before going back to sleep.
		for {
			processed, err := w.processOne(ctx)
			if err != nil {
				if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
					w.config.Logger.Error("worker error", "error", err)
				}
				break
			}
			if !processed {
				break
			}
		}
	}
}

// claimOne picks one runnable run, bumps its attempt counter and commits it
// as running. Committing here is what makes the lease real: the claim stays
// visible if this process dies before the attempt finishes, and claimRunSQL's
// stale-running arm hands the run to another worker after LeaseTimeout.
func (w *Worker) claimOne(ctx context.Context) (runIDStr, eventName string, payloadJSON []byte, attempts int, ok bool, err error) {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return "", "", nil, 0, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := w.config.Now()
	err = tx.QueryRow(ctx, w.t.claimRunSQL(),
		runStatusQueued, runStatusSleeping, runStatusRunning,
		now, now.Add(-w.config.LeaseTimeout),
	).Scan(&runIDStr, &eventName, &payloadJSON, &attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", nil, 0, false, nil
		}
		return "", "", nil, 0, false, err
	}

	attempts++
	if _, err := tx.Exec(ctx, w.t.markRunRunningSQL(), runIDStr, runStatusRunning, attempts); err != nil {
		return "", "", nil, 0, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", "", nil, 0, false, err
	}
	return runIDStr, eventName, payloadJSON, attempts, true, nil
}

// processOne claims and executes a single runnable run.
func (w *Worker) processOne(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	runIDStr, eventName, payloadJSON, attempts, ok, err := w.claimOne(ctx)
	if err != nil || !ok {
		return false, err
	}

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	runID := RunID(runIDStr)
	event := Event{Name: eventName, Payload: payloadJSON}
	backend := &txBackend{
		runID:         runID,
		tx:            tx,
		t:             w.t,
		now:           w.config.Now,
		notifyChannel: normalizeNotifyChannel(w.config.NotifyChannel),
	}

	outputJSON, suspended, execErr := w.reg.Execute(ctx, backend, w.config.Now, runID, event)

	switch {
	case suspended:
		// Run parked itself (sleep); BeginSleep already set status and wake
		// time. Parking is not a failed attempt, so the slot goes back: the
		// retry budget counts only step failures.
		if _, err := tx.Exec(ctx, w.t.restoreAttemptsSQL(), runIDStr, attempts-1); err != nil {
			return false, err
		}
		if err := tx.Commit(ctx); err != nil {
			return false, err
		}
		return true, nil

	case execErr == nil:
		if _, err := tx.Exec(ctx, w.t.completeRunSQL(), runIDStr, runStatusCompleted, outputJSON); err != nil {
			return false, err
		}
		if err := tx.Commit(ctx); err != nil {
			return false, err
		}
		return true, nil

	default:
		policy := DefaultRetryPolicy
		if p, ok := w.reg.Policy(eventName); ok {
			policy = p
		}

		if errors.Is(execErr, ErrNotRegistered) || attempts >= policy.maxAttempts() {
			if _, err := tx.Exec(ctx, w.t.failRunSQL(), runIDStr, runStatusFailed, execErr.Error()); err != nil {
				return false, err
			}
			if err := tx.Commit(ctx); err != nil {
				return false, err
			}
			w.config.Logger.Error("run failed terminally",
				"event", eventName, "run_id", runIDStr, "attempts", attempts, "error", execErr)
			w.runFailureHook(ctx, eventName, event, execErr)
			return true, nil
		}

		wakeAt := w.config.Now().Add(calculateBackoff(policy, attempts))
		if _, err := tx.Exec(ctx, w.t.requeueRunSQL(), runIDStr, runStatusQueued, execErr.Error(), wakeAt); err != nil {
			return false, err
		}
		if err := tx.Commit(ctx); err != nil {
			return false, err
		}
		w.config.Logger.Warn("run attempt failed, retrying",
			"event", eventName, "run_id", runIDStr, "attempt", attempts, "retry_at", wakeAt, "error", execErr)
		return true, nil
	}
}

// runFailureHook invokes the registered failure hook outside the run
// transaction. Hooks must not panic; this recovers and logs if one does.
func (w *Worker) runFailureHook(ctx context.Context, eventName string, event Event, runErr error) {
	h := w.reg.FailureHandlerFor(eventName)
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.config.Logger.Error("failure hook panicked", "event", eventName, "panic", r)
		}
	}()
	h(ctx, event, runErr)
}

// calculateBackoff calculates the delay before the next run attempt.
func calculateBackoff(policy RetryPolicy, attempt int) time.Duration {
	// Exponential backoff: initialInterval * (backoffFactor ^ (attempt - 1))
	backoff := float64(policy.InitialInterval) * math.Pow(policy.BackoffFactor, float64(attempt-1))

	// Cap at max interval
	if backoff > float64(policy.MaxInterval) {
		backoff = float64(policy.MaxInterval)
	}

	// Add jitter: ±jitter%
	if policy.Jitter > 0 {
		jitterAmount := backoff * policy.Jitter
		jitter := (rand.Float64()*2 - 1) * jitterAmount
		backoff += jitter
	}

	// Ensure positive
	if backoff < 0 {
		backoff = float64(policy.InitialInterval)
	}

	return time.Duration(backoff)
}
