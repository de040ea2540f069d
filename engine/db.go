package engine

import (
	"unicode"

	"github.com/jackc/pgx/v5"
)

// DefaultSchema is the schema used by this package when none is configured.
//
// With unprefixed table names (runs, steps, waits), using a dedicated schema
// avoids collisions with application tables.
const DefaultSchema = "engine"

// DBConfig configures where the engine stores its tables.
type DBConfig struct {
	// Schema is the Postgres schema containing the engine tables.
	// If empty, DefaultSchema is used.
	Schema string
}

func (c DBConfig) schema() string {
	if c.Schema == "" {
		return DefaultSchema
	}
	// Keep identifiers conservative to avoid SQL injection. If invalid, fall back.
	for i, r := range c.Schema {
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_') {
			return DefaultSchema
		}
		if i == 0 && unicode.IsDigit(r) {
			return DefaultSchema
		}
	}
	return c.Schema
}

type dbTables struct {
	runs  string
	steps string
	waits string
}

func newDBTables(cfg DBConfig) dbTables {
	schema := cfg.schema()
	return dbTables{
		runs:  pgx.Identifier{schema, "runs"}.Sanitize(),
		steps: pgx.Identifier{schema, "steps"}.Sanitize(),
		waits: pgx.Identifier{schema, "waits"}.Sanitize(),
	}
}
