package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Client is used by API servers to emit trigger events and inspect runs.
//
// All methods have a `Tx` variant so you can call them inside your own
// transaction, which is how a server action creates an owning record and
// emits its trigger event atomically.
type Client struct {
	Codec    Codec
	Now      func() time.Time
	DBConfig DBConfig

	// NotifyChannel overrides the Postgres channel name used for pg_notify.
	// If empty, a safe default is used.
	NotifyChannel string
}

func (c Client) codec() Codec {
	if c.Codec == nil {
		return JSONCodec{}
	}
	return c.Codec
}

func (c Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c Client) tables() dbTables {
	return newDBTables(c.DBConfig)
}

func (c Client) notifyChannel() string {
	return normalizeNotifyChannel(c.NotifyChannel)
}

// SendOption configures event delivery.
type SendOption func(*sendConfig)

type sendConfig struct {
	deliverAt time.Time
}

// WithDeliverAt delays delivery of the event until the given instant. The
// schedule survives process restarts.
func WithDeliverAt(at time.Time) SendOption {
	return func(cfg *sendConfig) {
		cfg.deliverAt = at
	}
}

// SendTx emits a trigger event, enqueuing a run of the workflow registered
// for eventName. The payload is serialized with the client's codec.
func SendTx(ctx context.Context, c Client, tx pgx.Tx, eventName string, payload any, opts ...SendOption) (RunID, error) {
	if eventName == "" {
		return "", fmt.Errorf("eventName is empty")
	}
	var cfg sendConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	payloadJSON, err := c.codec().Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	runIDStr, err := newUUIDv7(c.now())
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	t := c.tables()

	var nextWakeAt *time.Time
	if cfg.deliverAt.After(c.now()) {
		nextWakeAt = &cfg.deliverAt
	}
	_, err = tx.Exec(ctx, t.insertRunSQL(), runIDStr, eventName, runStatusQueued, payloadJSON, nextWakeAt)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}

	// Hint workers that a runnable run exists.
	// Notification is best-effort; polling is the fallback.
	if nextWakeAt == nil {
		_, _ = tx.Exec(ctx, "SELECT pg_notify($1, $2)", c.notifyChannel(), runIDStr)
	}
	return RunID(runIDStr), nil
}

// TxBeginner is satisfied by *pgxpool.Pool and *pgx.Conn.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Send is the non-transactional form of SendTx.
func Send(ctx context.Context, c Client, db TxBeginner, eventName string, payload any, opts ...SendOption) (RunID, error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	runID, err := SendTx(ctx, c, tx, eventName, payload, opts...)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return runID, nil
}

// RunStatus represents the current state of a workflow run.
type RunStatus struct {
	Status     string // queued, running, sleeping, completed, failed, cancelled
	Error      string // error message if failed
	CreatedAt  time.Time
	UpdatedAt  time.Time
	NextWakeAt *time.Time // when the run will wake (for sleeping/delayed runs)
}

// GetRunStatusTx retrieves the current status of a workflow run.
func GetRunStatusTx(ctx context.Context, c Client, tx pgx.Tx, runID RunID) (*RunStatus, error) {
	t := c.tables()

	var status RunStatus
	var errorText *string
	err := tx.QueryRow(ctx, t.getRunStatusSQL(), string(runID)).Scan(
		&status.Status,
		&errorText,
		&status.CreatedAt,
		&status.UpdatedAt,
		&status.NextWakeAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("query run status: %w", err)
	}
	if errorText != nil {
		status.Error = *errorText
	}
	return &status, nil
}

// CancelRunTx cancels a run that is queued or sleeping. Runs that are
// currently running, completed, failed, or already cancelled cannot be
// cancelled and return an error.
func CancelRunTx(ctx context.Context, c Client, tx pgx.Tx, runID RunID) error {
	t := c.tables()

	result, err := tx.Exec(ctx, t.cancelRunSQL(),
		string(runID),
		runStatusCancelled,
		runStatusQueued,
		runStatusSleeping,
	)
	if err != nil {
		return fmt.Errorf("cancel run: %w", err)
	}

	if result.RowsAffected() == 0 {
		var currentStatus string
		err := tx.QueryRow(ctx, t.getRunStatusOnlySQL(), string(runID)).Scan(&currentStatus)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
			}
			return fmt.Errorf("query run status: %w", err)
		}
		return fmt.Errorf("cannot cancel run in status %q", currentStatus)
	}

	return nil
}

// GetRunOutputTx retrieves the output of a completed workflow run.
//
// Go does not support type parameters on methods, so this is a package-level generic.
func GetRunOutputTx[O any](ctx context.Context, c Client, tx pgx.Tx, runID RunID) (*O, error) {
	t := c.tables()

	var status string
	var outputJSON []byte
	err := tx.QueryRow(ctx, t.getRunOutputSQL(), string(runID)).Scan(&status, &outputJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("query run output: %w", err)
	}

	if status != runStatusCompleted {
		return nil, fmt.Errorf("run is not completed (status: %s)", status)
	}

	var out O
	if err := c.codec().Unmarshal(outputJSON, &out); err != nil {
		return nil, fmt.Errorf("unmarshal run output: %w", err)
	}
	return &out, nil
}
