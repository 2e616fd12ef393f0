package store

import "strings"

// schemaStatements are written for sqlite and rewritten for postgres by
// dialectSchema. Times are unix nanoseconds.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		reward TEXT NOT NULL,
		currency TEXT NOT NULL,
		criteria TEXT NOT NULL DEFAULT '{}',
		deadline BIGINT,
		status TEXT NOT NULL CHECK (status IN ('open','funded','in_progress','under_review','completed','failed','cancelled')),
		payment_status TEXT NOT NULL CHECK (payment_status IN ('pending','funded','released','refunded')),
		escrow TEXT NOT NULL DEFAULT '{}',
		max_submissions INTEGER NOT NULL DEFAULT 0,
		needs_manual_resolution INTEGER NOT NULL DEFAULT 0,
		under_review_since BIGINT,
		version BIGINT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
	`CREATE TABLE IF NOT EXISTS submissions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		worker_id TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('pending','in_progress','submitted','approved','rejected')),
		progress INTEGER NOT NULL DEFAULT 0,
		output TEXT NOT NULL DEFAULT '',
		worker TEXT NOT NULL DEFAULT '{}',
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_submissions_task ON submissions(task_id, seq)`,
	`CREATE TABLE IF NOT EXISTS executions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		submission_id TEXT NOT NULL REFERENCES submissions(id) ON DELETE CASCADE,
		task_id TEXT NOT NULL,
		worker_id TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('queued','initializing','running','completed','failed','cancelled','timeout')),
		priority INTEGER NOT NULL DEFAULT 0,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 0,
		previous_execution_id TEXT NOT NULL DEFAULT '',
		timeout_ns BIGINT NOT NULL,
		memory_limit_bytes BIGINT NOT NULL,
		usage TEXT NOT NULL DEFAULT '{}',
		outcome TEXT NOT NULL DEFAULT '',
		output TEXT NOT NULL DEFAULT '',
		logs TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		next_retry_at BIGINT,
		queued_at BIGINT NOT NULL,
		started_at BIGINT,
		completed_at BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_submission ON executions(submission_id)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status)`,
	`CREATE TABLE IF NOT EXISTS audits (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		execution_id TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
		submission_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('pending','in_progress','passed','failed','needs_review')),
		score DOUBLE PRECISION NOT NULL DEFAULT 0,
		checks TEXT NOT NULL DEFAULT '[]',
		reviewer_id TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '[]',
		manual_decision TEXT NOT NULL DEFAULT '',
		finalized INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		completed_at BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audits_task ON audits(task_id)`,
	`CREATE TABLE IF NOT EXISTS timeline (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		kind TEXT NOT NULL CHECK (kind IN ('task','payment','execution','verification')),
		status TEXT NOT NULL,
		description TEXT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_timeline_task ON timeline(task_id, seq)`,
	`CREATE TABLE IF NOT EXISTS processed_events (
		event_id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		created_at BIGINT NOT NULL
	)`,
}

// dialectSchema adapts the sqlite DDL to postgres.
func dialectSchema(driver string) []string {
	if driver != DriverPostgres {
		return schemaStatements
	}
	out := make([]string, len(schemaStatements))
	for i, stmt := range schemaStatements {
		out[i] = strings.ReplaceAll(stmt, "seq INTEGER PRIMARY KEY AUTOINCREMENT", "seq BIGSERIAL PRIMARY KEY")
	}
	return out
}
