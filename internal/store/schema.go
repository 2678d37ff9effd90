package store

// Provisioning is idempotent: every statement is IF NOT EXISTS, so
// re-running against an already-provisioned (or newer) schema is a
// no-op and the deployed schema wins.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS agent_schedules (
	id              TEXT PRIMARY KEY,
	agent_name      TEXT NOT NULL,
	name            TEXT NOT NULL,
	cron_expression TEXT NOT NULL,
	message         TEXT NOT NULL,
	enabled         INTEGER NOT NULL DEFAULT 1,
	timezone        TEXT NOT NULL DEFAULT 'UTC',
	description     TEXT,
	owner_id        TEXT,
	timeout_seconds INTEGER,
	created_at      TEXT,
	updated_at      TEXT,
	last_run_at     TEXT,
	next_run_at     TEXT
);
CREATE INDEX IF NOT EXISTS idx_agent_schedules_enabled ON agent_schedules(enabled);
CREATE INDEX IF NOT EXISTS idx_agent_schedules_agent ON agent_schedules(agent_name);

CREATE TABLE IF NOT EXISTS schedule_executions (
	id            TEXT PRIMARY KEY,
	schedule_id   TEXT NOT NULL,
	agent_name    TEXT NOT NULL,
	status        TEXT NOT NULL,
	started_at    TEXT NOT NULL,
	completed_at  TEXT,
	duration_ms   INTEGER,
	message       TEXT,
	response      TEXT,
	error         TEXT,
	triggered_by  TEXT NOT NULL DEFAULT 'schedule',
	context_used  INTEGER,
	context_max   INTEGER,
	cost          REAL,
	tool_calls    INTEGER,
	execution_log TEXT
);
CREATE INDEX IF NOT EXISTS idx_schedule_executions_schedule ON schedule_executions(schedule_id);
CREATE INDEX IF NOT EXISTS idx_schedule_executions_status ON schedule_executions(status);

CREATE TABLE IF NOT EXISTS process_schedules (
	id              TEXT PRIMARY KEY,
	process_id      TEXT NOT NULL,
	trigger_id      TEXT NOT NULL,
	name            TEXT NOT NULL,
	cron_expression TEXT NOT NULL,
	enabled         INTEGER NOT NULL DEFAULT 1,
	timezone        TEXT NOT NULL DEFAULT 'UTC',
	description     TEXT,
	created_at      TEXT,
	updated_at      TEXT,
	last_run_at     TEXT,
	next_run_at     TEXT,
	UNIQUE (process_id, trigger_id)
);
CREATE INDEX IF NOT EXISTS idx_process_schedules_process ON process_schedules(process_id);
CREATE INDEX IF NOT EXISTS idx_process_schedules_enabled ON process_schedules(enabled);

CREATE TABLE IF NOT EXISTS process_schedule_executions (
	id                    TEXT PRIMARY KEY,
	schedule_id           TEXT NOT NULL,
	process_id            TEXT,
	trigger_id            TEXT,
	status                TEXT NOT NULL,
	started_at            TEXT NOT NULL,
	completed_at          TEXT,
	duration_ms           INTEGER,
	workflow_execution_id TEXT,
	error                 TEXT,
	triggered_by          TEXT NOT NULL DEFAULT 'schedule'
);
CREATE INDEX IF NOT EXISTS idx_process_schedule_executions_schedule ON process_schedule_executions(schedule_id);
CREATE INDEX IF NOT EXISTS idx_process_schedule_executions_status ON process_schedule_executions(status);
`
