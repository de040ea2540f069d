package engine

import (
	"fmt"

	"github.com/jackc/pgx/v5"
)

// SchemaSQL is the default schema (DefaultSchema) required by this package.
//
// Notes:
// - `run_id` is stored as Postgres `uuid`. UUIDv7 generation is done in Go.
// - payloads are stored as jsonb (default codec is JSON).
var SchemaSQL = SchemaSQLFor(DefaultSchema)

// SchemaSQLFor returns the schema required by this package for a given
// Postgres schema name.
//
// The schema name is validated conservatively and will fall back to
// DefaultSchema if invalid.
func SchemaSQLFor(schema string) string {
	cfg := DBConfig{Schema: schema}
	schema = cfg.schema()
	schemaIdent := pgx.Identifier{schema}.Sanitize()
	t := newDBTables(cfg)

	return fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
	run_id       uuid PRIMARY KEY,
	event_name   text NOT NULL,
	status       text NOT NULL,
	payload_json jsonb NOT NULL,
	output_json  jsonb,
	error_text   text,
	attempts     int NOT NULL DEFAULT 0,
	next_wake_at timestamptz,
	created_at   timestamptz NOT NULL DEFAULT now(),
	updated_at   timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS runs_runnable_idx
	ON %s (status, next_wake_at, created_at);

CREATE TABLE IF NOT EXISTS %s (
	run_id      uuid NOT NULL REFERENCES %s(run_id) ON DELETE CASCADE,
	step_key    text NOT NULL,
	status      text NOT NULL,
	output_json jsonb,
	error_text  text,
	attempts    int NOT NULL DEFAULT 0,
	created_at  timestamptz NOT NULL DEFAULT now(),
	updated_at  timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, step_key)
);

CREATE TABLE IF NOT EXISTS %s (
	run_id       uuid NOT NULL REFERENCES %s(run_id) ON DELETE CASCADE,
	wait_key     text NOT NULL,
	wait_type    text NOT NULL,
	wake_at      timestamptz,
	satisfied_at timestamptz,
	created_at   timestamptz NOT NULL DEFAULT now(),
	updated_at   timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, wait_key)
);
`,
		schemaIdent,
		t.runs,
		t.runs,
		t.steps,
		t.runs,
		t.waits,
		t.runs,
	)
}
