package casedata

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used by tests and local development.
// Transact holds the store lock for the duration of fn, which makes the
// transaction atomic with respect to other store calls; there is no
// rollback on error.
type MemoryStore struct {
	mu sync.Mutex
	d  *memData
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{d: &memData{
		analyses: map[string]*AnalysisResult{},
		cases:    map[string]bool{},
		exports:  map[string]*Export{},
		users:    map[string]*User{},
		tokens:   map[string]*DeletionToken{},
	}}
}

// Seeding helpers for tests and fixtures.

func (s *MemoryStore) PutCase(caseID string, recalculationNeeded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d.cases[caseID] = recalculationNeeded
}

func (s *MemoryStore) PutUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d.users[u.ID] = &u
}

func (s *MemoryStore) PutDeletionToken(t DeletionToken) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d.tokens[t.Token] = &t
}

func (s *MemoryStore) GetAnalysisResult(ctx context.Context, caseID string) (*AnalysisResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.getAnalysisResult(caseID)
}

func (s *MemoryStore) EnsureAnalysisResult(ctx context.Context, caseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.ensureAnalysisResult(caseID)
}

func (s *MemoryStore) SetAnalysisStatus(ctx context.Context, caseID string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.setAnalysisStatus(caseID, status)
}

func (s *MemoryStore) SaveAnalysisResult(ctx context.Context, res AnalysisResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.saveAnalysisResult(res)
}

func (s *MemoryStore) MarkAnalysisFailed(ctx context.Context, caseID, explanation string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.markAnalysisFailed(caseID, explanation)
}

func (s *MemoryStore) ClearRecalculationFlag(ctx context.Context, caseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.clearRecalculationFlag(caseID)
}

// RecalculationNeeded reports the case flag. Test helper.
func (s *MemoryStore) RecalculationNeeded(caseID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	needed, ok := s.d.cases[caseID]
	if !ok {
		return false, ErrNotFound
	}
	return needed, nil
}

func (s *MemoryStore) CreateExport(ctx context.Context, e Export) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.createExport(e)
}

func (s *MemoryStore) GetExport(ctx context.Context, exportID string) (*Export, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.getExport(exportID)
}

func (s *MemoryStore) SetExportStatus(ctx context.Context, exportID string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.setExportStatus(exportID, status)
}

func (s *MemoryStore) MarkExportFailed(ctx context.Context, exportID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.markExportFailed(exportID, reason)
}

func (s *MemoryStore) GetUser(ctx context.Context, userID string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.getUser(userID)
}

// GetUserForUpdate is GetUser here: Transact already holds the store lock,
// which serializes the whole transaction against every other call.
func (s *MemoryStore) GetUserForUpdate(ctx context.Context, userID string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.getUser(userID)
}

func (s *MemoryStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.getUserByEmail(email)
}

func (s *MemoryStore) ScheduleUserDeletion(ctx context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.scheduleUserDeletion(userID, at)
}

func (s *MemoryStore) CancelUserDeletion(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.cancelUserDeletion(userID)
}

func (s *MemoryStore) DeleteUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.deleteUser(userID)
}

func (s *MemoryStore) GetDeletionToken(ctx context.Context, token string) (*DeletionToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.getDeletionToken(token)
}

func (s *MemoryStore) DeleteDeletionToken(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.deleteDeletionToken(token)
}

func (s *MemoryStore) Transact(ctx context.Context, fn func(Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(txView{d: s.d})
}

var _ Store = (*MemoryStore)(nil)

// txView is the Store handed to Transact callbacks. It reuses the already
// held MemoryStore lock, so it must never be retained past the callback.
type txView struct {
	d *memData
}

func (v txView) GetAnalysisResult(ctx context.Context, caseID string) (*AnalysisResult, error) {
	return v.d.getAnalysisResult(caseID)
}
func (v txView) EnsureAnalysisResult(ctx context.Context, caseID string) error {
	return v.d.ensureAnalysisResult(caseID)
}
func (v txView) SetAnalysisStatus(ctx context.Context, caseID string, status Status) error {
	return v.d.setAnalysisStatus(caseID, status)
}
func (v txView) SaveAnalysisResult(ctx context.Context, res AnalysisResult) error {
	return v.d.saveAnalysisResult(res)
}
func (v txView) MarkAnalysisFailed(ctx context.Context, caseID, explanation string) error {
	return v.d.markAnalysisFailed(caseID, explanation)
}
func (v txView) ClearRecalculationFlag(ctx context.Context, caseID string) error {
	return v.d.clearRecalculationFlag(caseID)
}
func (v txView) CreateExport(ctx context.Context, e Export) error { return v.d.createExport(e) }
func (v txView) GetExport(ctx context.Context, exportID string) (*Export, error) {
	return v.d.getExport(exportID)
}
func (v txView) SetExportStatus(ctx context.Context, exportID string, status Status) error {
	return v.d.setExportStatus(exportID, status)
}
func (v txView) MarkExportFailed(ctx context.Context, exportID, reason string) error {
	return v.d.markExportFailed(exportID, reason)
}
func (v txView) GetUser(ctx context.Context, userID string) (*User, error) {
	return v.d.getUser(userID)
}
func (v txView) GetUserForUpdate(ctx context.Context, userID string) (*User, error) {
	return v.d.getUser(userID)
}
func (v txView) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return v.d.getUserByEmail(email)
}
func (v txView) ScheduleUserDeletion(ctx context.Context, userID string, at time.Time) error {
	return v.d.scheduleUserDeletion(userID, at)
}
func (v txView) CancelUserDeletion(ctx context.Context, userID string) error {
	return v.d.cancelUserDeletion(userID)
}
func (v txView) DeleteUser(ctx context.Context, userID string) error { return v.d.deleteUser(userID) }
func (v txView) GetDeletionToken(ctx context.Context, token string) (*DeletionToken, error) {
	return v.d.getDeletionToken(token)
}
func (v txView) DeleteDeletionToken(ctx context.Context, token string) error {
	return v.d.deleteDeletionToken(token)
}
func (v txView) Transact(ctx context.Context, fn func(Store) error) error { return fn(v) }

// memData holds the actual state. All methods assume the caller holds the
// MemoryStore lock.
type memData struct {
	analyses map[string]*AnalysisResult
	cases    map[string]bool // caseID -> recalculationNeeded
	exports  map[string]*Export
	users    map[string]*User
	tokens   map[string]*DeletionToken
}

func (d *memData) getAnalysisResult(caseID string) (*AnalysisResult, error) {
	res, ok := d.analyses[caseID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *res
	return &cp, nil
}

func (d *memData) ensureAnalysisResult(caseID string) error {
	if _, ok := d.analyses[caseID]; ok {
		return nil
	}
	d.analyses[caseID] = &AnalysisResult{CaseID: caseID, Status: StatusPending, UpdatedAt: time.Now()}
	return nil
}

func (d *memData) setAnalysisStatus(caseID string, status Status) error {
	if status == StatusFailed {
		// Failed is written only through MarkAnalysisFailed.
		return fmt.Errorf("%w: use MarkAnalysisFailed", ErrInvalidTransition)
	}
	res, ok := d.analyses[caseID]
	if !ok {
		return ErrNotFound
	}
	if !ValidTransition(res.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, res.Status, status)
	}
	res.Status = status
	res.UpdatedAt = time.Now()
	return nil
}

func (d *memData) saveAnalysisResult(res AnalysisResult) error {
	cur, ok := d.analyses[res.CaseID]
	if !ok {
		return ErrNotFound
	}
	if res.Status != StatusCompleted {
		return fmt.Errorf("%w: results are saved as completed, got %s", ErrInvalidTransition, res.Status)
	}
	if !ValidTransition(cur.Status, res.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, res.Status)
	}
	res.UpdatedAt = time.Now()
	d.analyses[res.CaseID] = &res
	return nil
}

func (d *memData) markAnalysisFailed(caseID, explanation string) error {
	res, ok := d.analyses[caseID]
	if !ok {
		return ErrNotFound
	}
	res.Status = StatusFailed
	res.Explanation = &explanation
	res.UpdatedAt = time.Now()
	return nil
}

func (d *memData) clearRecalculationFlag(caseID string) error {
	if _, ok := d.cases[caseID]; !ok {
		return ErrNotFound
	}
	d.cases[caseID] = false
	return nil
}

func (d *memData) createExport(e Export) error {
	if _, ok := d.exports[e.ID]; ok {
		return fmt.Errorf("casedata: export %s already exists", e.ID)
	}
	now := time.Now()
	e.CreatedAt = now
	e.UpdatedAt = now
	if e.Status == "" {
		e.Status = StatusPending
	}
	d.exports[e.ID] = &e
	return nil
}

func (d *memData) getExport(exportID string) (*Export, error) {
	e, ok := d.exports[exportID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (d *memData) setExportStatus(exportID string, status Status) error {
	if status == StatusFailed {
		return fmt.Errorf("%w: use MarkExportFailed", ErrInvalidTransition)
	}
	e, ok := d.exports[exportID]
	if !ok {
		return ErrNotFound
	}
	if !ValidTransition(e.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, status)
	}
	e.Status = status
	e.UpdatedAt = time.Now()
	return nil
}

func (d *memData) markExportFailed(exportID, reason string) error {
	e, ok := d.exports[exportID]
	if !ok {
		return ErrNotFound
	}
	e.Status = StatusFailed
	e.FailureReason = &reason
	e.UpdatedAt = time.Now()
	return nil
}

func (d *memData) getUser(userID string) (*User, error) {
	u, ok := d.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (d *memData) getUserByEmail(email string) (*User, error) {
	for _, u := range d.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (d *memData) scheduleUserDeletion(userID string, at time.Time) error {
	u, ok := d.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.DeletionScheduledAt = &at
	return nil
}

func (d *memData) cancelUserDeletion(userID string) error {
	u, ok := d.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.DeletionScheduledAt = nil
	return nil
}

func (d *memData) deleteUser(userID string) error {
	if _, ok := d.users[userID]; !ok {
		return ErrNotFound
	}
	delete(d.users, userID)
	return nil
}

func (d *memData) getDeletionToken(token string) (*DeletionToken, error) {
	t, ok := d.tokens[token]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (d *memData) deleteDeletionToken(token string) error {
	if _, ok := d.tokens[token]; !ok {
		return ErrNotFound
	}
	delete(d.tokens, token)
	return nil
}
