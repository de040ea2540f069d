package workflows

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mortiscope/caseflow/engine"
	"github.com/mortiscope/caseflow/internal/casedata"
	"github.com/mortiscope/caseflow/internal/mailer"
)

// Account deletion runs in two phases. Phase 1 consumes the confirmation
// token, stamps the user with a deletion date, and schedules phase 2 at
// exactly that date. Phase 2 re-reads the user under a row lock inside a
// transaction and deletes only if the schedule still stands, which closes
// the race with a cancellation arriving in between.

// deletionTooEarlyTolerance absorbs scheduling drift between the stamped
// deletion date and the moment the phase-2 run is actually claimed.
const deletionTooEarlyTolerance = time.Hour

// ConfirmDeletionWorkflow is phase 1, triggered by the emailed confirmation
// link.
type ConfirmDeletionWorkflow struct {
	deps Deps
}

func (w *ConfirmDeletionWorkflow) Trigger() string { return EventDeletionConfirmed }

// scheduleOutcome is the persisted result of the schedule-deletion step.
type scheduleOutcome struct {
	Scheduled  bool      `json:"scheduled"`
	UserID     string    `json:"userId,omitempty"`
	Email      string    `json:"email,omitempty"`
	Name       string    `json:"name,omitempty"`
	DeletionAt time.Time `json:"deletionAt,omitempty"`
}

func (w *ConfirmDeletionWorkflow) Run(ctx context.Context, c *engine.Context, in *DeletionConfirmed) (*engine.NoOutput, error) {
	d := w.deps

	// Validate and burn the token before touching the user, so a retried
	// run can never consume it twice. The token row is the idempotency
	// guard; its deletion is memoized with the step.
	email, err := engine.Step(ctx, c, "consume-token", func(ctx context.Context) (string, error) {
		tok, err := d.Store.GetDeletionToken(ctx, in.Token)
		if errors.Is(err, casedata.ErrNotFound) {
			return "", fmt.Errorf("deletion token not found")
		}
		if err != nil {
			return "", err
		}
		if tok.Expires.Before(c.Now()) {
			return "", fmt.Errorf("deletion token expired at %s", tok.Expires.Format(time.RFC3339))
		}
		if err := d.Store.DeleteDeletionToken(ctx, tok.Token); err != nil {
			return "", err
		}
		return tok.Identifier, nil
	})
	if err != nil {
		return nil, err
	}

	outcome, err := engine.Step(ctx, c, "schedule-deletion", func(ctx context.Context) (*scheduleOutcome, error) {
		u, err := d.Store.GetUserByEmail(ctx, email)
		if errors.Is(err, casedata.ErrNotFound) {
			return &scheduleOutcome{}, nil
		}
		if err != nil {
			return nil, err
		}
		if u.DeletionScheduledAt != nil {
			// Double confirmation; the first one already scheduled.
			return &scheduleOutcome{}, nil
		}
		at := c.Now().Add(d.DeletionGrace)
		if err := d.Store.ScheduleUserDeletion(ctx, u.ID, at); err != nil {
			return nil, err
		}
		return &scheduleOutcome{
			Scheduled:  true,
			UserID:     u.ID,
			Email:      u.Email,
			Name:       u.Name,
			DeletionAt: at,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	if !outcome.Scheduled {
		return &engine.NoOutput{}, nil
	}

	// Notification is not correctness-critical; a relay outage must not
	// fail the workflow.
	err = engine.Do(ctx, c, "send-notice", func(ctx context.Context) error {
		msg := mailer.Message{
			To:      outcome.Email,
			Subject: "Your account is scheduled for deletion",
			Body: fmt.Sprintf(
				"Hello %s,\n\nYour account will be permanently deleted on %s. "+
					"Signing in before then cancels the deletion.\n",
				outcome.Name, outcome.DeletionAt.Format(time.RFC1123)),
		}
		if err := d.Mailer.Send(ctx, msg); err != nil {
			d.logger().WarnContext(ctx, "deletion notice email failed",
				"user_id", outcome.UserID, "error", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Phase 2 carries only the user id so it always re-reads current state.
	err = engine.SendEvent(ctx, c, "schedule-execute", EventDeletionExecute,
		&DeletionExecute{UserID: outcome.UserID}, outcome.DeletionAt)
	if err != nil {
		return nil, err
	}
	return &engine.NoOutput{}, nil
}

// ExecuteDeletionWorkflow is phase 2, self-scheduled at the exact deletion
// date.
type ExecuteDeletionWorkflow struct {
	deps Deps
}

func (w *ExecuteDeletionWorkflow) Trigger() string { return EventDeletionExecute }

// DeletionResult is the discriminated outcome of phase 2. A guard abort is
// a successful run with Deleted=false, not an error.
type DeletionResult struct {
	Deleted bool   `json:"deleted"`
	Reason  string `json:"reason,omitempty"`
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
}

func (w *ExecuteDeletionWorkflow) Run(ctx context.Context, c *engine.Context, in *DeletionExecute) (*DeletionResult, error) {
	d := w.deps

	res, err := engine.Step(ctx, c, "delete-user", func(ctx context.Context) (*DeletionResult, error) {
		out := &DeletionResult{}
		err := d.Store.Transact(ctx, func(s casedata.Store) error {
			// The locked read keeps a concurrent cancellation queued until
			// this transaction commits or aborts.
			u, err := s.GetUserForUpdate(ctx, in.UserID)
			if errors.Is(err, casedata.ErrNotFound) {
				out.Reason = "user no longer exists"
				return nil
			}
			if err != nil {
				return err
			}
			if u.DeletionScheduledAt == nil {
				out.Reason = "deletion was cancelled"
				return nil
			}
			if u.DeletionScheduledAt.After(c.Now().Add(deletionTooEarlyTolerance)) {
				out.Reason = fmt.Sprintf("triggered too early, deletion scheduled for %s",
					u.DeletionScheduledAt.Format(time.RFC3339))
				return nil
			}
			if err := s.DeleteUser(ctx, u.ID); err != nil {
				return err
			}
			out.Deleted = true
			out.Email = u.Email
			out.Name = u.Name
			return nil
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	if !res.Deleted {
		d.logger().InfoContext(ctx, "account deletion skipped",
			"user_id", in.UserID, "reason", res.Reason)
		return res, nil
	}

	// The account is already gone; neither the goodbye email nor upload
	// cleanup may roll it back or fail the run.
	err = engine.Do(ctx, c, "send-goodbye", func(ctx context.Context) error {
		msg := mailer.Message{
			To:      res.Email,
			Subject: "Your account has been deleted",
			Body: fmt.Sprintf("Goodbye %s,\n\nYour account and all associated data "+
				"have been permanently deleted.\n", res.Name),
		}
		if err := d.Mailer.Send(ctx, msg); err != nil {
			d.logger().WarnContext(ctx, "goodbye email failed",
				"user_id", in.UserID, "error", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = engine.Do(ctx, c, "purge-uploads", func(ctx context.Context) error {
		if d.Blobs == nil {
			return nil
		}
		removed, err := d.Blobs.RemoveUserUploads(ctx, in.UserID)
		if err != nil {
			d.logger().WarnContext(ctx, "upload cleanup failed",
				"user_id", in.UserID, "removed", removed, "error", err)
			return nil
		}
		d.logger().InfoContext(ctx, "uploads purged",
			"user_id", in.UserID, "removed", removed)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
