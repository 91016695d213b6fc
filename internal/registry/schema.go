package registry

// schema defines the SQLite database schema. Applied idempotently on open.
const schema = `
CREATE TABLE IF NOT EXISTS capabilities (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	version TEXT NOT NULL,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	source TEXT NOT NULL,
	author TEXT NOT NULL,
	dependencies_json TEXT NOT NULL DEFAULT '[]',
	routes_json TEXT NOT NULL DEFAULT '[]',
	failure_reason TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	UNIQUE(name, version)
);

CREATE INDEX IF NOT EXISTS idx_capabilities_status ON capabilities(status);
CREATE INDEX IF NOT EXISTS idx_capabilities_name ON capabilities(name);

CREATE TABLE IF NOT EXISTS validation_results (
	id TEXT PRIMARY KEY,
	capability_id TEXT NOT NULL,
	scan_json TEXT NOT NULL,
	sandbox_json TEXT NOT NULL,
	tests_json TEXT NOT NULL,
	passed BOOLEAN NOT NULL,
	confidence REAL NOT NULL,
	created_at DATETIME NOT NULL,
	FOREIGN KEY (capability_id) REFERENCES capabilities(id)
);

CREATE INDEX IF NOT EXISTS idx_validation_capability ON validation_results(capability_id, created_at DESC);

CREATE TABLE IF NOT EXISTS review_records (
	id TEXT PRIMARY KEY,
	capability_id TEXT NOT NULL,
	validation_result_id TEXT NOT NULL,
	reviewers_json TEXT NOT NULL DEFAULT '[]',
	checklist_json TEXT NOT NULL,
	comments_json TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL,
	decision TEXT NOT NULL DEFAULT '',
	decided_by TEXT NOT NULL DEFAULT '',
	decided_at DATETIME,
	created_at DATETIME NOT NULL,
	FOREIGN KEY (capability_id) REFERENCES capabilities(id)
);

CREATE INDEX IF NOT EXISTS idx_review_capability ON review_records(capability_id, created_at DESC);

CREATE TABLE IF NOT EXISTS snapshots (
	id TEXT PRIMARY KEY,
	capability_id TEXT NOT NULL,
	version TEXT NOT NULL,
	source TEXT NOT NULL,
	config_json TEXT NOT NULL DEFAULT '{}',
	routes_json TEXT NOT NULL DEFAULT '[]',
	dependencies_json TEXT NOT NULL DEFAULT '[]',
	schema_revision INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	FOREIGN KEY (capability_id) REFERENCES capabilities(id)
);

CREATE INDEX IF NOT EXISTS idx_snapshots_capability ON snapshots(capability_id, created_at DESC);

CREATE TABLE IF NOT EXISTS incidents (
	id TEXT PRIMARY KEY,
	severity TEXT NOT NULL,
	source TEXT NOT NULL,
	signature TEXT NOT NULL,
	occurrence_count INTEGER NOT NULL DEFAULT 1,
	first_seen DATETIME NOT NULL,
	last_seen DATETIME NOT NULL,
	status TEXT NOT NULL,
	capability_id TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_incidents_signature ON incidents(signature, status);

CREATE TABLE IF NOT EXISTS rollback_history (
	id TEXT PRIMARY KEY,
	capability_id TEXT NOT NULL,
	snapshot_id TEXT NOT NULL,
	reason TEXT NOT NULL,
	triggered_by TEXT NOT NULL,
	code_attempted BOOLEAN NOT NULL,
	code_ok BOOLEAN NOT NULL,
	code_err TEXT NOT NULL DEFAULT '',
	db_attempted BOOLEAN NOT NULL,
	db_ok BOOLEAN NOT NULL,
	db_err TEXT NOT NULL DEFAULT '',
	notify_attempted BOOLEAN NOT NULL,
	notify_ok BOOLEAN NOT NULL,
	notify_err TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	FOREIGN KEY (capability_id) REFERENCES capabilities(id)
);

CREATE INDEX IF NOT EXISTS idx_rollback_capability ON rollback_history(capability_id, created_at DESC);

CREATE TABLE IF NOT EXISTS schema_revisions (
	revision INTEGER PRIMARY KEY,
	capability_id TEXT NOT NULL,
	up_sql TEXT NOT NULL,
	down_sql TEXT NOT NULL,
	applied_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS advisory_locks (
	lock_id INTEGER PRIMARY KEY,
	holder TEXT NOT NULL,
	acquired_at DATETIME NOT NULL
);
`
