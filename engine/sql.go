package engine

// This file centralizes SQL statement strings so call sites don't need to
// format table names inline. The only dynamic part is the schema-qualified
// table name embedded in dbTables.

func (t dbTables) insertRunSQL() string {
	return `INSERT INTO ` + t.runs + ` (run_id, event_name, status, payload_json, next_wake_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())`
}

func (t dbTables) claimRunSQL() string {
	return `
		SELECT run_id, event_name, payload_json, attempts
		FROM ` + t.runs + `
		WHERE (status = $1 AND (next_wake_at IS NULL OR next_wake_at <= $4))
			OR (status = $2 AND next_wake_at <= $4)
			OR (status = $3 AND updated_at < $5)
		ORDER BY next_wake_at NULLS FIRST, created_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`
}

func (t dbTables) restoreAttemptsSQL() string {
	return `UPDATE ` + t.runs + ` SET attempts = $2 WHERE run_id = $1`
}

func (t dbTables) markRunRunningSQL() string {
	return `UPDATE ` + t.runs + `
		SET status = $2, attempts = $3, next_wake_at = NULL, updated_at = now()
		WHERE run_id = $1`
}

func (t dbTables) completeRunSQL() string {
	return `UPDATE ` + t.runs + `
		SET status = $2, output_json = $3, error_text = NULL, updated_at = now()
		WHERE run_id = $1`
}

func (t dbTables) requeueRunSQL() string {
	return `UPDATE ` + t.runs + `
		SET status = $2, error_text = $3, next_wake_at = $4, updated_at = now()
		WHERE run_id = $1`
}

func (t dbTables) failRunSQL() string {
	return `UPDATE ` + t.runs + `
		SET status = $2, error_text = $3, updated_at = now()
		WHERE run_id = $1`
}

func (t dbTables) getRunStatusSQL() string {
	return `
		SELECT status, error_text, created_at, updated_at, next_wake_at
		FROM ` + t.runs + `
		WHERE run_id = $1
	`
}

func (t dbTables) getRunStatusOnlySQL() string {
	return `SELECT status FROM ` + t.runs + ` WHERE run_id = $1`
}

func (t dbTables) getRunOutputSQL() string {
	return `
		SELECT status, output_json
		FROM ` + t.runs + `
		WHERE run_id = $1
	`
}

func (t dbTables) cancelRunSQL() string {
	return `
		UPDATE ` + t.runs + `
		SET status = $2, error_text = 'cancelled by user', updated_at = now()
		WHERE run_id = $1
		AND status IN ($3, $4)
	`
}

func (t dbTables) selectStepSQL() string {
	return `SELECT status, output_json
		FROM ` + t.steps + `
		WHERE run_id = $1 AND step_key = $2`
}

func (t dbTables) upsertStepCompletedSQL() string {
	return `
		INSERT INTO ` + t.steps + ` (run_id, step_key, status, output_json, attempts, updated_at)
		VALUES ($1, $2, $3, $4, 1, now())
		ON CONFLICT (run_id, step_key) DO UPDATE
		SET status = EXCLUDED.status,
			output_json = EXCLUDED.output_json,
			error_text = NULL,
			attempts = ` + t.steps + `.attempts + 1,
			updated_at = EXCLUDED.updated_at
	`
}

func (t dbTables) upsertStepFailedSQL() string {
	return `
		INSERT INTO ` + t.steps + ` (run_id, step_key, status, error_text, attempts, updated_at)
		VALUES ($1, $2, $3, $4, 1, now())
		ON CONFLICT (run_id, step_key) DO UPDATE
		SET status = EXCLUDED.status,
			error_text = EXCLUDED.error_text,
			attempts = ` + t.steps + `.attempts + 1,
			updated_at = EXCLUDED.updated_at
	`
}

func (t dbTables) selectWaitSQL() string {
	return `SELECT wake_at, satisfied_at
		FROM ` + t.waits + `
		WHERE run_id = $1 AND wait_key = $2 AND wait_type = $3`
}

func (t dbTables) satisfySleepWaitSQL() string {
	return `UPDATE ` + t.waits + `
		SET satisfied_at = now(), updated_at = now()
		WHERE run_id = $1 AND wait_key = $2`
}

func (t dbTables) upsertSleepWaitSQL() string {
	return `
		INSERT INTO ` + t.waits + ` (run_id, wait_key, wait_type, wake_at, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (run_id, wait_key) DO UPDATE
		SET wake_at = EXCLUDED.wake_at,
			updated_at = EXCLUDED.updated_at
	`
}

func (t dbTables) setRunSleepingSQL() string {
	return `UPDATE ` + t.runs + `
		SET status = $2, next_wake_at = $3, updated_at = now()
		WHERE run_id = $1`
}
