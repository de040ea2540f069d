package casedata

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the addressed record does not exist.
	ErrNotFound = errors.New("casedata: not found")

	// ErrInvalidTransition indicates a status write that the state machine
	// forbids (e.g. completed -> completed, or failed written outside the
	// compensation path).
	ErrInvalidTransition = errors.New("casedata: invalid status transition")
)

// Store is the typed query/update surface the workflows run against.
//
// Every write is scoped by primary/foreign key, so concurrent workflow runs
// touching different entities never conflict. Transact is the one place true
// atomicity is available; the account-deletion execute step is its only
// workflow consumer.
type Store interface {
	// Analysis results (one per case).
	GetAnalysisResult(ctx context.Context, caseID string) (*AnalysisResult, error)
	EnsureAnalysisResult(ctx context.Context, caseID string) error
	SetAnalysisStatus(ctx context.Context, caseID string, status Status) error
	SaveAnalysisResult(ctx context.Context, res AnalysisResult) error
	MarkAnalysisFailed(ctx context.Context, caseID, explanation string) error

	// Case flags.
	ClearRecalculationFlag(ctx context.Context, caseID string) error

	// Exports.
	CreateExport(ctx context.Context, e Export) error
	GetExport(ctx context.Context, exportID string) (*Export, error)
	SetExportStatus(ctx context.Context, exportID string, status Status) error
	MarkExportFailed(ctx context.Context, exportID, reason string) error

	// Users and deletion tokens.
	GetUser(ctx context.Context, userID string) (*User, error)
	// GetUserForUpdate reads the user holding a row lock for the rest of the
	// enclosing transaction, so a check-then-delete sequence cannot
	// interleave with a concurrent cancellation.
	GetUserForUpdate(ctx context.Context, userID string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	ScheduleUserDeletion(ctx context.Context, userID string, at time.Time) error
	CancelUserDeletion(ctx context.Context, userID string) error
	DeleteUser(ctx context.Context, userID string) error
	GetDeletionToken(ctx context.Context, token string) (*DeletionToken, error)
	DeleteDeletionToken(ctx context.Context, token string) error

	// Transact runs fn inside a single datastore transaction. The Store
	// passed to fn is bound to that transaction.
	Transact(ctx context.Context, fn func(Store) error) error
}
