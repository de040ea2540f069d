package enginetest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/mortiscope/caseflow/engine"
)

// SetupDB connects to the database named by DATABASE_URL and applies the
// engine schema. Tests that need real Postgres call it and are skipped when
// DATABASE_URL is unset.
func SetupDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	connString := os.Getenv("DATABASE_URL")
	if connString == "" {
		t.Skip("DATABASE_URL not set, skipping database test")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, connString)
	require.NoError(t, err, "connect to database")

	// Retry the ping; CI databases can lag behind the test binary.
	for i := 0; i < 10; i++ {
		if err = pool.Ping(ctx); err == nil {
			break
		}
		time.Sleep(time.Second)
	}
	require.NoError(t, err, "ping database")

	_, err = pool.Exec(ctx, engine.SchemaSQL)
	require.NoError(t, err, "apply engine schema")

	t.Cleanup(pool.Close)
	return pool
}
