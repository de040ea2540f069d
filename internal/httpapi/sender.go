package httpapi

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mortiscope/caseflow/engine"
)

// PoolSender implements EventSender over a pgx pool using the engine client.
type PoolSender struct {
	Pool   *pgxpool.Pool
	Client engine.Client
}

var _ EventSender = (*PoolSender)(nil)

func (s *PoolSender) Send(ctx context.Context, eventName string, payload any) (engine.RunID, error) {
	return engine.Send(ctx, s.Client, s.Pool, eventName, payload)
}

func (s *PoolSender) RunStatus(ctx context.Context, id engine.RunID) (*engine.RunStatus, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	status, err := engine.GetRunStatusTx(ctx, s.Client, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return status, nil
}
