package workflows_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mortiscope/caseflow/engine"
	"github.com/mortiscope/caseflow/engine/enginetest"
	"github.com/mortiscope/caseflow/internal/casedata"
	"github.com/mortiscope/caseflow/internal/workflows"
)

func seedDeletionFixtures(t *testing.T, env *testEnv) {
	t.Helper()
	env.store.PutUser(casedata.User{ID: "u1", Email: "jo@example.org", Name: "Jo"})
	env.store.PutDeletionToken(casedata.DeletionToken{
		Token:      "tok-1",
		Identifier: "jo@example.org",
		Expires:    env.h.Now().Add(time.Hour),
	})
}

// confirmDeletion runs phase 1 to completion and returns the self-scheduled
// phase-2 run.
func confirmDeletion(t *testing.T, env *testEnv) engine.RunID {
	t.Helper()
	ctx := context.Background()
	id, err := env.h.Send(workflows.EventDeletionConfirmed, workflows.DeletionConfirmed{Token: "tok-1"})
	require.NoError(t, err)
	require.NoError(t, env.h.RunToCompletion(ctx, id))
	require.Equal(t, enginetest.StatusCompleted, env.h.Status(id))

	executes := env.h.Runs(workflows.EventDeletionExecute)
	require.Len(t, executes, 1)
	return executes[0]
}

func TestDeletionConfirmSchedulesAndExecutes(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedDeletionFixtures(t, env)
	confirmedAt := env.h.Now()

	executeID := confirmDeletion(t, env)

	// The token is burned and the user carries the deletion date.
	_, err := env.store.GetDeletionToken(ctx, "tok-1")
	assert.ErrorIs(t, err, casedata.ErrNotFound)

	u, err := env.store.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, u.DeletionScheduledAt)
	assert.Equal(t, confirmedAt.Add(testDeletionGrace), *u.DeletionScheduledAt)

	msgs := env.mail.Sent()
	require.Len(t, msgs, 1)
	assert.Equal(t, "jo@example.org", msgs[0].To)
	assert.Contains(t, msgs[0].Subject, "scheduled for deletion")

	// Phase 2 fires at the deletion date and removes the account.
	require.NoError(t, env.h.RunToCompletion(ctx, executeID))
	require.Equal(t, enginetest.StatusCompleted, env.h.Status(executeID))

	var res workflows.DeletionResult
	require.NoError(t, env.h.Output(executeID, &res))
	assert.True(t, res.Deleted)

	_, err = env.store.GetUser(ctx, "u1")
	assert.ErrorIs(t, err, casedata.ErrNotFound)

	msgs = env.mail.Sent()
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1].Subject, "has been deleted")
	assert.Equal(t, []string{"u1"}, env.blobs.purgedUsers())
}

func TestDeletionTokenSingleUse(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedDeletionFixtures(t, env)

	confirmDeletion(t, env)
	u1, err := env.store.GetUser(ctx, "u1")
	require.NoError(t, err)

	// Replaying the same token finds nothing and mutates no user.
	id2, err := env.h.Send(workflows.EventDeletionConfirmed, workflows.DeletionConfirmed{Token: "tok-1"})
	require.NoError(t, err)
	require.NoError(t, env.h.RunToCompletion(ctx, id2))
	require.Equal(t, enginetest.StatusFailed, env.h.Status(id2))
	assert.Contains(t, env.h.Err(id2).Error(), "not found")

	u2, err := env.store.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, u1, u2)
}

func TestDeletionExpiredToken(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.store.PutUser(casedata.User{ID: "u1", Email: "jo@example.org", Name: "Jo"})
	env.store.PutDeletionToken(casedata.DeletionToken{
		Token:      "tok-old",
		Identifier: "jo@example.org",
		Expires:    env.h.Now().Add(-time.Minute),
	})

	id, err := env.h.Send(workflows.EventDeletionConfirmed, workflows.DeletionConfirmed{Token: "tok-old"})
	require.NoError(t, err)
	require.NoError(t, env.h.RunToCompletion(ctx, id))
	require.Equal(t, enginetest.StatusFailed, env.h.Status(id))
	assert.Contains(t, env.h.Err(id).Error(), "expired")

	u, err := env.store.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, u.DeletionScheduledAt)
}

func TestDeletionDoubleConfirmationIsNoop(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedDeletionFixtures(t, env)
	confirmDeletion(t, env)

	// A second token for an already-scheduled user confirms to a no-op.
	env.store.PutDeletionToken(casedata.DeletionToken{
		Token:      "tok-2",
		Identifier: "jo@example.org",
		Expires:    env.h.Now().Add(time.Hour),
	})
	id, err := env.h.Send(workflows.EventDeletionConfirmed, workflows.DeletionConfirmed{Token: "tok-2"})
	require.NoError(t, err)
	require.NoError(t, env.h.RunToCompletion(ctx, id))
	require.Equal(t, enginetest.StatusCompleted, env.h.Status(id))

	// No second phase-2 run and no second notice email.
	assert.Len(t, env.h.Runs(workflows.EventDeletionExecute), 1)
	assert.Len(t, env.mail.Sent(), 1)
}

func TestDeletionCancelledBeforeExecute(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedDeletionFixtures(t, env)
	executeID := confirmDeletion(t, env)

	require.NoError(t, env.store.CancelUserDeletion(ctx, "u1"))

	require.NoError(t, env.h.RunToCompletion(ctx, executeID))
	require.Equal(t, enginetest.StatusCompleted, env.h.Status(executeID))

	var res workflows.DeletionResult
	require.NoError(t, env.h.Output(executeID, &res))
	assert.False(t, res.Deleted)
	assert.Contains(t, res.Reason, "cancelled")

	u, err := env.store.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, u.DeletionScheduledAt)

	// Only the original notice email; no goodbye, no blob cleanup.
	assert.Len(t, env.mail.Sent(), 1)
	assert.Empty(t, env.blobs.purgedUsers())
}

func TestDeletionExecuteTooEarly(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.store.PutUser(casedata.User{ID: "u1", Email: "jo@example.org", Name: "Jo"})
	require.NoError(t, env.store.ScheduleUserDeletion(ctx, "u1", env.h.Now().Add(48*time.Hour)))

	id, err := env.h.Send(workflows.EventDeletionExecute, workflows.DeletionExecute{UserID: "u1"})
	require.NoError(t, err)
	require.NoError(t, env.h.Drain(ctx))
	require.Equal(t, enginetest.StatusCompleted, env.h.Status(id))

	var res workflows.DeletionResult
	require.NoError(t, env.h.Output(id, &res))
	assert.False(t, res.Deleted)
	assert.Contains(t, res.Reason, "too early")

	_, err = env.store.GetUser(ctx, "u1")
	require.NoError(t, err)
}
