package postgres

import "context"

// schema is applied idempotently at startup. It is intentionally a single
// flat script rather than a directory of versioned migrations: the worker
// owns no schema evolution story beyond "ensure these tables exist" (schema
// changes are an operator concern, applied out of band).
const schema = `
CREATE TABLE IF NOT EXISTS users (
	id UUID PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS jobs (
	id UUID PRIMARY KEY,
	task_name TEXT NOT NULL,
	status TEXT NOT NULL,
	runs_requested INT NOT NULL,
	runs_completed INT NOT NULL DEFAULT 0,
	zip_location TEXT NOT NULL,
	owner_id UUID NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	agent_choice TEXT NOT NULL DEFAULT 'terminus-2',
	model TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_jobs_status_created_at ON jobs (status, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_owner_id ON jobs (owner_id);

CREATE TABLE IF NOT EXISTS attempts (
	id UUID PRIMARY KEY,
	job_id UUID NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	index INT NOT NULL,
	status TEXT NOT NULL,
	tests_passed INT NOT NULL DEFAULT 0,
	tests_total INT NOT NULL DEFAULT 0,
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	reward_summary JSONB NOT NULL DEFAULT '{}',
	log_path TEXT NOT NULL DEFAULT '',
	metadata JSONB NOT NULL DEFAULT '{}',
	UNIQUE (job_id, index)
);

CREATE TABLE IF NOT EXISTS episodes (
	id UUID PRIMARY KEY,
	attempt_id UUID NOT NULL REFERENCES attempts(id) ON DELETE CASCADE,
	index INT NOT NULL,
	state_analysis TEXT NOT NULL DEFAULT '',
	explanation TEXT NOT NULL DEFAULT '',
	commands JSONB NOT NULL DEFAULT '[]',
	duration_ms BIGINT,
	metadata JSONB NOT NULL DEFAULT '{}',
	UNIQUE (attempt_id, index)
);
`

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}
