package postgres

import "fmt"

// SchemaSQL returns the DDL for the application tables in the default
// schema. Statements are idempotent so they can run at every startup.
func SchemaSQL() string {
	return SchemaSQLFor(DefaultSchema)
}

// SchemaSQLFor returns the DDL for the application tables in the given
// schema.
func SchemaSQLFor(schema string) string {
	if schema == "" {
		schema = DefaultSchema
	}
	t := tablesFor(schema)
	return fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %[1]s;

CREATE TABLE IF NOT EXISTS %[2]s (
    id                   text PRIMARY KEY,
    recalculation_needed boolean NOT NULL DEFAULT false
);

CREATE TABLE IF NOT EXISTS %[3]s (
    case_id                    text PRIMARY KEY,
    status                     text NOT NULL,
    explanation                text,
    total_counts               jsonb,
    oldest_stage_detected      text,
    pmi_days                   double precision,
    pmi_hours                  double precision,
    pmi_minutes                double precision,
    stage_used_for_calculation text,
    temperature_provided       double precision,
    calculated_adh             double precision,
    ldt_used                   double precision,
    pmi_source_image_key       text,
    updated_at                 timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %[4]s (
    id             text PRIMARY KEY,
    status         text NOT NULL,
    failure_reason text,
    scope          text NOT NULL,
    case_id        text,
    upload_id      text,
    format         text NOT NULL,
    created_at     timestamptz NOT NULL DEFAULT now(),
    updated_at     timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %[5]s (
    id                    text PRIMARY KEY,
    email                 text NOT NULL UNIQUE,
    name                  text NOT NULL,
    deletion_scheduled_at timestamptz
);

CREATE TABLE IF NOT EXISTS %[6]s (
    token      text PRIMARY KEY,
    identifier text NOT NULL,
    expires    timestamptz NOT NULL
);
`, sanitizeIdent(schema), t.cases, t.analyses, t.exports, t.users, t.tokens)
}
