package store

// BuiltinMigrations declares the schema the platform owns. Versions are
// zero-padded so string ordering matches numeric ordering.
func BuiltinMigrations() []Migration {
	return []Migration{
		{
			Version: "001",
			Name:    "workflow_tables",
			UpSQL: `
CREATE TABLE IF NOT EXISTS workflow_executions (
	execution_id TEXT PRIMARY KEY,
	workflow_id  TEXT NOT NULL,
	status       TEXT NOT NULL,
	triggered_by TEXT,
	environment  TEXT,
	input_data   JSONB,
	output_data  JSONB,
	error_data   JSONB,
	started_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	duration_ms  BIGINT
);
CREATE INDEX IF NOT EXISTS idx_workflow_executions_started ON workflow_executions (started_at);
CREATE TABLE IF NOT EXISTS workflow_stage_results (
	execution_id TEXT NOT NULL REFERENCES workflow_executions (execution_id) ON DELETE CASCADE,
	stage_id     TEXT NOT NULL,
	stage_name   TEXT,
	stage_type   TEXT,
	status       TEXT NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	output       JSONB,
	error        TEXT,
	retry_count  INT NOT NULL DEFAULT 0,
	PRIMARY KEY (execution_id, stage_id)
);`,
			DownSQL: `
DROP TABLE IF EXISTS workflow_stage_results;
DROP TABLE IF EXISTS workflow_executions;`,
		},
		{
			Version: "002",
			Name:    "metrics_and_gates",
			UpSQL: `
CREATE TABLE IF NOT EXISTS devops_metrics (
	id           BIGSERIAL PRIMARY KEY,
	metric_type  TEXT NOT NULL,
	metric_name  TEXT NOT NULL,
	source_type  TEXT,
	source_name  TEXT,
	timestamp    TIMESTAMPTZ NOT NULL,
	value        DOUBLE PRECISION,
	string_value TEXT,
	dimensions   JSONB,
	tags         JSONB,
	CHECK ((value IS NULL) <> (string_value IS NULL))
);
CREATE INDEX IF NOT EXISTS idx_devops_metrics_ts ON devops_metrics (timestamp);
CREATE TABLE IF NOT EXISTS quality_gate_executions (
	id            BIGSERIAL PRIMARY KEY,
	gate_name     TEXT NOT NULL,
	status        TEXT NOT NULL,
	score         DOUBLE PRECISION NOT NULL,
	passed        BOOLEAN NOT NULL,
	bypass_reason TEXT,
	duration_ms   BIGINT,
	evaluated_at  TIMESTAMPTZ NOT NULL
);`,
			DownSQL: `
DROP TABLE IF EXISTS quality_gate_executions;
DROP TABLE IF EXISTS devops_metrics;`,
		},
		{
			Version: "003",
			Name:    "pipeline_and_delivery",
			UpSQL: `
CREATE TABLE IF NOT EXISTS pipeline_executions (
	id          BIGSERIAL PRIMARY KEY,
	pipeline_id TEXT NOT NULL,
	platform    TEXT NOT NULL,
	repository  TEXT NOT NULL,
	run_id      TEXT,
	status      TEXT NOT NULL,
	branch      TEXT,
	commit_sha  TEXT,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	duration_ms BIGINT
);
CREATE INDEX IF NOT EXISTS idx_pipeline_executions_started ON pipeline_executions (started_at);
CREATE TABLE IF NOT EXISTS deployments (
	id          BIGSERIAL PRIMARY KEY,
	service     TEXT NOT NULL,
	environment TEXT NOT NULL,
	version     TEXT,
	status      TEXT NOT NULL,
	deployed_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS risk_assessments (
	id           BIGSERIAL PRIMARY KEY,
	subject      TEXT NOT NULL,
	risk_level   TEXT NOT NULL,
	probability  DOUBLE PRECISION,
	confidence   DOUBLE PRECISION,
	factors      JSONB,
	assessed_at  TIMESTAMPTZ NOT NULL
);`,
			DownSQL: `
DROP TABLE IF EXISTS risk_assessments;
DROP TABLE IF EXISTS deployments;
DROP TABLE IF EXISTS pipeline_executions;`,
		},
		{
			Version: "004",
			Name:    "operational_tables",
			UpSQL: `
CREATE TABLE IF NOT EXISTS notifications (
	id         BIGSERIAL PRIMARY KEY,
	platform   TEXT NOT NULL,
	severity   TEXT,
	title      TEXT,
	success    BOOLEAN NOT NULL,
	error      TEXT,
	sent_at    TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS audit_logs (
	id         BIGSERIAL PRIMARY KEY,
	actor      TEXT,
	action     TEXT NOT NULL,
	subject    TEXT,
	detail     JSONB,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS analytics_aggregations (
	id           BIGSERIAL PRIMARY KEY,
	scope        TEXT NOT NULL,
	window_start TIMESTAMPTZ NOT NULL,
	window_end   TIMESTAMPTZ NOT NULL,
	payload      JSONB NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS system_configuration (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);`,
			DownSQL: `
DROP TABLE IF EXISTS system_configuration;
DROP TABLE IF EXISTS analytics_aggregations;
DROP TABLE IF EXISTS audit_logs;
DROP TABLE IF EXISTS notifications;`,
		},
	}
}
