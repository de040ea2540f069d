package postgres

import "github.com/jackc/pgx/v5"

// DefaultSchema is where the application tables live unless overridden.
const DefaultSchema = "app"

// tables carries the fully qualified, sanitized table names so every query
// builder below can interpolate them safely.
type tables struct {
	cases    string
	analyses string
	exports  string
	users    string
	tokens   string
}

func tablesFor(schema string) tables {
	if schema == "" {
		schema = DefaultSchema
	}
	q := func(name string) string {
		return pgx.Identifier{schema, name}.Sanitize()
	}
	return tables{
		cases:    q("cases"),
		analyses: q("analysis_results"),
		exports:  q("exports"),
		users:    q("users"),
		tokens:   q("deletion_tokens"),
	}
}

func sanitizeIdent(s string) string {
	return pgx.Identifier{s}.Sanitize()
}

const analysisColumns = `case_id, status, explanation, total_counts,
	oldest_stage_detected, pmi_days, pmi_hours, pmi_minutes,
	stage_used_for_calculation, temperature_provided, calculated_adh,
	ldt_used, pmi_source_image_key, updated_at`

func (t tables) getAnalysisSQL() string {
	return `SELECT ` + analysisColumns + ` FROM ` + t.analyses + ` WHERE case_id = $1`
}

func (t tables) ensureAnalysisSQL() string {
	return `INSERT INTO ` + t.analyses + ` (case_id, status)
		VALUES ($1, $2)
		ON CONFLICT (case_id) DO NOTHING`
}

// setAnalysisStatusSQL guards the write with the set of statuses the target
// may legally be entered from, so racing writers cannot skip a state.
func (t tables) setAnalysisStatusSQL() string {
	return `UPDATE ` + t.analyses + `
		SET status = $2, updated_at = now()
		WHERE case_id = $1 AND status = ANY($3)`
}

func (t tables) saveAnalysisResultSQL() string {
	return `UPDATE ` + t.analyses + `
		SET status = $2,
		    explanation = $3,
		    total_counts = $4,
		    oldest_stage_detected = $5,
		    pmi_days = $6,
		    pmi_hours = $7,
		    pmi_minutes = $8,
		    stage_used_for_calculation = $9,
		    temperature_provided = $10,
		    calculated_adh = $11,
		    ldt_used = $12,
		    pmi_source_image_key = $13,
		    updated_at = now()
		WHERE case_id = $1 AND status = ANY($14)`
}

func (t tables) markAnalysisFailedSQL() string {
	return `UPDATE ` + t.analyses + `
		SET status = $2, explanation = $3, updated_at = now()
		WHERE case_id = $1`
}

func (t tables) analysisExistsSQL() string {
	return `SELECT EXISTS (SELECT 1 FROM ` + t.analyses + ` WHERE case_id = $1)`
}

func (t tables) clearRecalculationFlagSQL() string {
	return `UPDATE ` + t.cases + ` SET recalculation_needed = false WHERE id = $1`
}

func (t tables) insertExportSQL() string {
	return `INSERT INTO ` + t.exports + ` (id, status, scope, case_id, upload_id, format)
		VALUES ($1, $2, $3, $4, $5, $6)`
}

func (t tables) getExportSQL() string {
	return `SELECT id, status, failure_reason, scope, case_id, upload_id, format, created_at, updated_at
		FROM ` + t.exports + ` WHERE id = $1`
}

func (t tables) setExportStatusSQL() string {
	return `UPDATE ` + t.exports + `
		SET status = $2, updated_at = now()
		WHERE id = $1 AND status = ANY($3)`
}

func (t tables) markExportFailedSQL() string {
	return `UPDATE ` + t.exports + `
		SET status = $2, failure_reason = $3, updated_at = now()
		WHERE id = $1`
}

func (t tables) exportExistsSQL() string {
	return `SELECT EXISTS (SELECT 1 FROM ` + t.exports + ` WHERE id = $1)`
}

func (t tables) getUserSQL() string {
	return `SELECT id, email, name, deletion_scheduled_at FROM ` + t.users + ` WHERE id = $1`
}

// getUserForUpdateSQL locks the row until the enclosing transaction ends, so
// a concurrent cancellation queues behind the deletion decision instead of
// slipping between its read and its delete.
func (t tables) getUserForUpdateSQL() string {
	return `SELECT id, email, name, deletion_scheduled_at FROM ` + t.users + ` WHERE id = $1 FOR UPDATE`
}

func (t tables) getUserByEmailSQL() string {
	return `SELECT id, email, name, deletion_scheduled_at FROM ` + t.users + ` WHERE email = $1`
}

func (t tables) scheduleUserDeletionSQL() string {
	return `UPDATE ` + t.users + ` SET deletion_scheduled_at = $2 WHERE id = $1`
}

func (t tables) cancelUserDeletionSQL() string {
	return `UPDATE ` + t.users + ` SET deletion_scheduled_at = NULL WHERE id = $1`
}

func (t tables) deleteUserSQL() string {
	return `DELETE FROM ` + t.users + ` WHERE id = $1`
}

func (t tables) getDeletionTokenSQL() string {
	return `SELECT token, identifier, expires FROM ` + t.tokens + ` WHERE token = $1`
}

func (t tables) deleteDeletionTokenSQL() string {
	return `DELETE FROM ` + t.tokens + ` WHERE token = $1`
}
