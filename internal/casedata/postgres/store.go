// Package postgres implements casedata.Store on PostgreSQL via pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mortiscope/caseflow/internal/casedata"
)

// querier is the subset of pgxpool.Pool and pgx.Tx the store needs. Both
// satisfy it, which lets Transact rebind the store to a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store implements casedata.Store against PostgreSQL.
type Store struct {
	db querier
	t  tables
}

// Option configures a Store.
type Option func(*Store)

// WithSchema places the application tables in the given schema instead of
// DefaultSchema.
func WithSchema(schema string) Option {
	return func(s *Store) { s.t = tablesFor(schema) }
}

// New returns a Store backed by the pool.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{db: pool, t: tablesFor(DefaultSchema)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ casedata.Store = (*Store)(nil)

func (s *Store) GetAnalysisResult(ctx context.Context, caseID string) (*casedata.AnalysisResult, error) {
	var (
		res    casedata.AnalysisResult
		counts []byte
	)
	err := s.db.QueryRow(ctx, s.t.getAnalysisSQL(), caseID).Scan(
		&res.CaseID, &res.Status, &res.Explanation, &counts,
		&res.OldestStageDetected, &res.PMIDays, &res.PMIHours, &res.PMIMinutes,
		&res.StageUsedForCalculation, &res.TemperatureProvided, &res.CalculatedADH,
		&res.LDTUsed, &res.PMISourceImageKey, &res.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, casedata.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get analysis result: %w", err)
	}
	if len(counts) > 0 {
		if err := json.Unmarshal(counts, &res.TotalCounts); err != nil {
			return nil, fmt.Errorf("decode total counts: %w", err)
		}
	}
	return &res, nil
}

func (s *Store) EnsureAnalysisResult(ctx context.Context, caseID string) error {
	_, err := s.db.Exec(ctx, s.t.ensureAnalysisSQL(), caseID, casedata.StatusPending)
	if err != nil {
		return fmt.Errorf("ensure analysis result: %w", err)
	}
	return nil
}

func (s *Store) SetAnalysisStatus(ctx context.Context, caseID string, status casedata.Status) error {
	if status == casedata.StatusFailed {
		return fmt.Errorf("%w: use MarkAnalysisFailed", casedata.ErrInvalidTransition)
	}
	tag, err := s.db.Exec(ctx, s.t.setAnalysisStatusSQL(),
		caseID, status, statusStrings(casedata.TransitionsInto(status)))
	if err != nil {
		return fmt.Errorf("set analysis status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.analysisWriteConflict(ctx, caseID, status)
	}
	return nil
}

func (s *Store) SaveAnalysisResult(ctx context.Context, res casedata.AnalysisResult) error {
	if res.Status != casedata.StatusCompleted {
		return fmt.Errorf("%w: results are saved as completed, got %s",
			casedata.ErrInvalidTransition, res.Status)
	}
	var counts any
	if res.TotalCounts != nil {
		b, err := json.Marshal(res.TotalCounts)
		if err != nil {
			return fmt.Errorf("encode total counts: %w", err)
		}
		counts = b
	}
	tag, err := s.db.Exec(ctx, s.t.saveAnalysisResultSQL(),
		res.CaseID, res.Status, res.Explanation, counts,
		res.OldestStageDetected, res.PMIDays, res.PMIHours, res.PMIMinutes,
		res.StageUsedForCalculation, res.TemperatureProvided, res.CalculatedADH,
		res.LDTUsed, res.PMISourceImageKey,
		statusStrings(casedata.TransitionsInto(res.Status)))
	if err != nil {
		return fmt.Errorf("save analysis result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.analysisWriteConflict(ctx, res.CaseID, res.Status)
	}
	return nil
}

func (s *Store) MarkAnalysisFailed(ctx context.Context, caseID, explanation string) error {
	tag, err := s.db.Exec(ctx, s.t.markAnalysisFailedSQL(),
		caseID, casedata.StatusFailed, explanation)
	if err != nil {
		return fmt.Errorf("mark analysis failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return casedata.ErrNotFound
	}
	return nil
}

// analysisWriteConflict distinguishes a missing row from one in a status the
// requested transition is not allowed from.
func (s *Store) analysisWriteConflict(ctx context.Context, caseID string, to casedata.Status) error {
	var exists bool
	if err := s.db.QueryRow(ctx, s.t.analysisExistsSQL(), caseID).Scan(&exists); err != nil {
		return fmt.Errorf("check analysis result: %w", err)
	}
	if !exists {
		return casedata.ErrNotFound
	}
	return fmt.Errorf("%w: -> %s", casedata.ErrInvalidTransition, to)
}

func (s *Store) ClearRecalculationFlag(ctx context.Context, caseID string) error {
	tag, err := s.db.Exec(ctx, s.t.clearRecalculationFlagSQL(), caseID)
	if err != nil {
		return fmt.Errorf("clear recalculation flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return casedata.ErrNotFound
	}
	return nil
}

func (s *Store) CreateExport(ctx context.Context, e casedata.Export) error {
	if e.Status == "" {
		e.Status = casedata.StatusPending
	}
	_, err := s.db.Exec(ctx, s.t.insertExportSQL(),
		e.ID, e.Status, e.Scope, e.CaseID, e.UploadID, e.Format)
	if err != nil {
		return fmt.Errorf("create export: %w", err)
	}
	return nil
}

func (s *Store) GetExport(ctx context.Context, exportID string) (*casedata.Export, error) {
	var e casedata.Export
	err := s.db.QueryRow(ctx, s.t.getExportSQL(), exportID).Scan(
		&e.ID, &e.Status, &e.FailureReason, &e.Scope, &e.CaseID, &e.UploadID,
		&e.Format, &e.CreatedAt, &e.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, casedata.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get export: %w", err)
	}
	return &e, nil
}

func (s *Store) SetExportStatus(ctx context.Context, exportID string, status casedata.Status) error {
	if status == casedata.StatusFailed {
		return fmt.Errorf("%w: use MarkExportFailed", casedata.ErrInvalidTransition)
	}
	tag, err := s.db.Exec(ctx, s.t.setExportStatusSQL(),
		exportID, status, statusStrings(casedata.TransitionsInto(status)))
	if err != nil {
		return fmt.Errorf("set export status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.db.QueryRow(ctx, s.t.exportExistsSQL(), exportID).Scan(&exists); err != nil {
			return fmt.Errorf("check export: %w", err)
		}
		if !exists {
			return casedata.ErrNotFound
		}
		return fmt.Errorf("%w: -> %s", casedata.ErrInvalidTransition, status)
	}
	return nil
}

func (s *Store) MarkExportFailed(ctx context.Context, exportID, reason string) error {
	tag, err := s.db.Exec(ctx, s.t.markExportFailedSQL(),
		exportID, casedata.StatusFailed, reason)
	if err != nil {
		return fmt.Errorf("mark export failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return casedata.ErrNotFound
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (*casedata.User, error) {
	var u casedata.User
	err := s.db.QueryRow(ctx, s.t.getUserSQL(), userID).Scan(
		&u.ID, &u.Email, &u.Name, &u.DeletionScheduledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, casedata.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

func (s *Store) GetUserForUpdate(ctx context.Context, userID string) (*casedata.User, error) {
	var u casedata.User
	err := s.db.QueryRow(ctx, s.t.getUserForUpdateSQL(), userID).Scan(
		&u.ID, &u.Email, &u.Name, &u.DeletionScheduledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, casedata.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user for update: %w", err)
	}
	return &u, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*casedata.User, error) {
	var u casedata.User
	err := s.db.QueryRow(ctx, s.t.getUserByEmailSQL(), email).Scan(
		&u.ID, &u.Email, &u.Name, &u.DeletionScheduledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, casedata.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return &u, nil
}

func (s *Store) ScheduleUserDeletion(ctx context.Context, userID string, at time.Time) error {
	tag, err := s.db.Exec(ctx, s.t.scheduleUserDeletionSQL(), userID, at)
	if err != nil {
		return fmt.Errorf("schedule user deletion: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return casedata.ErrNotFound
	}
	return nil
}

func (s *Store) CancelUserDeletion(ctx context.Context, userID string) error {
	tag, err := s.db.Exec(ctx, s.t.cancelUserDeletionSQL(), userID)
	if err != nil {
		return fmt.Errorf("cancel user deletion: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return casedata.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	tag, err := s.db.Exec(ctx, s.t.deleteUserSQL(), userID)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return casedata.ErrNotFound
	}
	return nil
}

func (s *Store) GetDeletionToken(ctx context.Context, token string) (*casedata.DeletionToken, error) {
	var t casedata.DeletionToken
	err := s.db.QueryRow(ctx, s.t.getDeletionTokenSQL(), token).Scan(
		&t.Token, &t.Identifier, &t.Expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, casedata.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get deletion token: %w", err)
	}
	return &t, nil
}

func (s *Store) DeleteDeletionToken(ctx context.Context, token string) error {
	tag, err := s.db.Exec(ctx, s.t.deleteDeletionTokenSQL(), token)
	if err != nil {
		return fmt.Errorf("delete deletion token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return casedata.ErrNotFound
	}
	return nil
}

func (s *Store) Transact(ctx context.Context, fn func(casedata.Store) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&Store{db: tx, t: s.t}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func statusStrings(in []casedata.Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
