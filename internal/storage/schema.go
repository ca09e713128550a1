package storage

// The two DDL scripts define the same logical schema; they differ only in
// type names. Rows are shared across datasets and never cascade; everything
// a dataset owns cascades from the datasets table.

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS datasets (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	description    TEXT NOT NULL DEFAULT '',
	created_by     TEXT NOT NULL,
	default_branch TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL,
	UNIQUE (name, created_by)
);

CREATE TABLE IF NOT EXISTS dataset_tags (
	dataset_id TEXT NOT NULL REFERENCES datasets(id) ON DELETE CASCADE,
	tag        TEXT NOT NULL,
	PRIMARY KEY (dataset_id, tag)
);

CREATE TABLE IF NOT EXISTS dataset_permissions (
	dataset_id TEXT NOT NULL REFERENCES datasets(id) ON DELETE CASCADE,
	user_id    TEXT NOT NULL,
	level      TEXT NOT NULL CHECK (level IN ('read', 'write', 'admin')),
	PRIMARY KEY (dataset_id, user_id)
);

CREATE TABLE IF NOT EXISTS rows (
	row_hash       TEXT PRIMARY KEY,
	canonical_json TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS commits (
	commit_id        TEXT PRIMARY KEY,
	dataset_id       TEXT NOT NULL REFERENCES datasets(id) ON DELETE CASCADE,
	parent_commit_id TEXT,
	message          TEXT NOT NULL,
	author_id        TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_commits_dataset ON commits(dataset_id);

CREATE TABLE IF NOT EXISTS commit_manifests (
	commit_id      TEXT NOT NULL REFERENCES commits(commit_id) ON DELETE CASCADE,
	table_key      TEXT NOT NULL,
	logical_row_id TEXT NOT NULL,
	row_hash       TEXT NOT NULL REFERENCES rows(row_hash),
	position       INTEGER NOT NULL,
	PRIMARY KEY (commit_id, table_key, logical_row_id)
);
CREATE INDEX IF NOT EXISTS idx_manifests_read ON commit_manifests(commit_id, table_key, position);

CREATE TABLE IF NOT EXISTS commit_schemas (
	commit_id   TEXT PRIMARY KEY REFERENCES commits(commit_id) ON DELETE CASCADE,
	schema_json TEXT NOT NULL,
	stats_json  TEXT
);

CREATE TABLE IF NOT EXISTS refs (
	dataset_id TEXT NOT NULL REFERENCES datasets(id) ON DELETE CASCADE,
	name       TEXT NOT NULL,
	commit_id  TEXT,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (dataset_id, name)
);

CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	run_type         TEXT NOT NULL CHECK (run_type IN ('import', 'sampling', 'sql_transform', 'exploration')),
	status           TEXT NOT NULL CHECK (status IN ('pending', 'running', 'completed', 'failed', 'cancelled')),
	dataset_id       TEXT NOT NULL REFERENCES datasets(id) ON DELETE CASCADE,
	user_id          TEXT NOT NULL,
	source_commit_id TEXT,
	run_parameters   TEXT NOT NULL,
	output_summary   TEXT,
	error_message    TEXT,
	cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
	created_at       TIMESTAMPTZ NOT NULL,
	completed_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_jobs_pending ON jobs(status, run_type, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_dataset ON jobs(dataset_id, created_at);
`

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS datasets (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	description    TEXT NOT NULL DEFAULT '',
	created_by     TEXT NOT NULL,
	default_branch TEXT NOT NULL,
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL,
	UNIQUE (name, created_by)
);

CREATE TABLE IF NOT EXISTS dataset_tags (
	dataset_id TEXT NOT NULL REFERENCES datasets(id) ON DELETE CASCADE,
	tag        TEXT NOT NULL,
	PRIMARY KEY (dataset_id, tag)
);

CREATE TABLE IF NOT EXISTS dataset_permissions (
	dataset_id TEXT NOT NULL REFERENCES datasets(id) ON DELETE CASCADE,
	user_id    TEXT NOT NULL,
	level      TEXT NOT NULL CHECK (level IN ('read', 'write', 'admin')),
	PRIMARY KEY (dataset_id, user_id)
);

CREATE TABLE IF NOT EXISTS rows (
	row_hash       TEXT PRIMARY KEY,
	canonical_json TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS commits (
	commit_id        TEXT PRIMARY KEY,
	dataset_id       TEXT NOT NULL REFERENCES datasets(id) ON DELETE CASCADE,
	parent_commit_id TEXT,
	message          TEXT NOT NULL,
	author_id        TEXT NOT NULL,
	created_at       DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_commits_dataset ON commits(dataset_id);

CREATE TABLE IF NOT EXISTS commit_manifests (
	commit_id      TEXT NOT NULL REFERENCES commits(commit_id) ON DELETE CASCADE,
	table_key      TEXT NOT NULL,
	logical_row_id TEXT NOT NULL,
	row_hash       TEXT NOT NULL REFERENCES rows(row_hash),
	position       INTEGER NOT NULL,
	PRIMARY KEY (commit_id, table_key, logical_row_id)
);
CREATE INDEX IF NOT EXISTS idx_manifests_read ON commit_manifests(commit_id, table_key, position);

CREATE TABLE IF NOT EXISTS commit_schemas (
	commit_id   TEXT PRIMARY KEY REFERENCES commits(commit_id) ON DELETE CASCADE,
	schema_json TEXT NOT NULL,
	stats_json  TEXT
);

CREATE TABLE IF NOT EXISTS refs (
	dataset_id TEXT NOT NULL REFERENCES datasets(id) ON DELETE CASCADE,
	name       TEXT NOT NULL,
	commit_id  TEXT,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (dataset_id, name)
);

CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	run_type         TEXT NOT NULL CHECK (run_type IN ('import', 'sampling', 'sql_transform', 'exploration')),
	status           TEXT NOT NULL CHECK (status IN ('pending', 'running', 'completed', 'failed', 'cancelled')),
	dataset_id       TEXT NOT NULL REFERENCES datasets(id) ON DELETE CASCADE,
	user_id          TEXT NOT NULL,
	source_commit_id TEXT,
	run_parameters   TEXT NOT NULL,
	output_summary   TEXT,
	error_message    TEXT,
	cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
	created_at       DATETIME NOT NULL,
	completed_at     DATETIME
);
CREATE INDEX IF NOT EXISTS idx_jobs_pending ON jobs(status, run_type, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_dataset ON jobs(dataset_id, created_at);
`
