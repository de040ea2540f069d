package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// txBackend is the Postgres Backend. All reads/writes go through the pgx
// transaction of the current worker attempt, so memoized steps become
// visible only when the attempt commits. The worker commits on success,
// suspension and failure alike; completed steps therefore survive retries.
type txBackend struct {
	runID         RunID
	tx            pgx.Tx
	t             dbTables
	now           func() time.Time
	notifyChannel string
}

var _ Backend = (*txBackend)(nil)

func (b *txBackend) StepOutput(ctx context.Context, stepKey string) ([]byte, bool, error) {
	var status string
	var outputJSON []byte
	err := b.tx.QueryRow(ctx, b.t.selectStepSQL(), string(b.runID), stepKey).Scan(&status, &outputJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if status != stepStatusCompleted {
		return nil, false, nil
	}
	return outputJSON, true, nil
}

func (b *txBackend) CompleteStep(ctx context.Context, stepKey string, outputJSON []byte) error {
	_, err := b.tx.Exec(ctx, b.t.upsertStepCompletedSQL(), string(b.runID), stepKey, stepStatusCompleted, outputJSON)
	return err
}

func (b *txBackend) FailStep(ctx context.Context, stepKey string, stepErr error) {
	_, _ = b.tx.Exec(ctx, b.t.upsertStepFailedSQL(), string(b.runID), stepKey, stepStatusFailed, stepErr.Error())
}

func (b *txBackend) SleepWait(ctx context.Context, waitKey string) (time.Time, bool, bool, error) {
	var wakeAt time.Time
	var satisfiedAt *time.Time
	err := b.tx.QueryRow(ctx, b.t.selectWaitSQL(), string(b.runID), waitKey, waitTypeSleep).Scan(&wakeAt, &satisfiedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, false, nil
		}
		return time.Time{}, false, false, err
	}
	return wakeAt, satisfiedAt != nil, true, nil
}

func (b *txBackend) SatisfySleep(ctx context.Context, waitKey string) error {
	_, err := b.tx.Exec(ctx, b.t.satisfySleepWaitSQL(), string(b.runID), waitKey)
	return err
}

func (b *txBackend) BeginSleep(ctx context.Context, waitKey string, wakeAt time.Time) error {
	if _, err := b.tx.Exec(ctx, b.t.upsertSleepWaitSQL(), string(b.runID), waitKey, waitTypeSleep, wakeAt); err != nil {
		return err
	}
	_, err := b.tx.Exec(ctx, b.t.setRunSleepingSQL(), string(b.runID), runStatusSleeping, wakeAt)
	return err
}

func (b *txBackend) ScheduleRun(ctx context.Context, eventName string, payloadJSON []byte, at time.Time) error {
	runIDStr, err := newUUIDv7(b.now())
	if err != nil {
		return fmt.Errorf("generate run id: %w", err)
	}

	var nextWakeAt *time.Time
	if at.After(b.now()) {
		nextWakeAt = &at
	}
	if _, err := b.tx.Exec(ctx, b.t.insertRunSQL(), runIDStr, eventName, runStatusQueued, payloadJSON, nextWakeAt); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	// Hint workers only when the run is immediately runnable; future runs are
	// picked up by polling. Notification is best-effort.
	if nextWakeAt == nil {
		_, _ = b.tx.Exec(ctx, "SELECT pg_notify($1, $2)", b.notifyChannel, runIDStr)
	}
	return nil
}
