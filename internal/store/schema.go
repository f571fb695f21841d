package store

// Both schemas define the same six tables from spec.md §3: agents, sessions,
// sandboxes, runners, messages, session_events. Statements are split on
// ";\n\n" by migrate() and executed one at a time — grounded on the
// teacher's internal/db/db.go per-statement migration loop, simplified
// since this module ships one fixed schema per driver rather than a
// versioned migration chain (the teacher tracks a schema_migrations table
// because its schema evolved over many deploys; a new module has no such
// history yet).

const postgresSchema = `
CREATE TABLE IF NOT EXISTS agents (
	tenant TEXT NOT NULL,
	name TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 1,
	path TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tenant, name)
);

CREATE TABLE IF NOT EXISTS runners (
	id TEXT PRIMARY KEY,
	host TEXT NOT NULL,
	port INTEGER NOT NULL,
	max_sandboxes INTEGER NOT NULL,
	active_count INTEGER NOT NULL DEFAULT 0,
	warming_count INTEGER NOT NULL DEFAULT 0,
	last_heartbeat_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	registered_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	tenant TEXT NOT NULL,
	agent_name TEXT NOT NULL,
	sandbox_id TEXT,
	status TEXT NOT NULL,
	runner_id TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_active_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sandboxes (
	id TEXT PRIMARY KEY,
	tenant TEXT NOT NULL,
	session_id TEXT,
	agent_name TEXT NOT NULL,
	state TEXT NOT NULL,
	workspace_dir TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_used_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS sandboxes_eviction_idx ON sandboxes (state, last_used_at, id);

CREATE TABLE IF NOT EXISTS messages (
	id BIGSERIAL PRIMARY KEY,
	tenant TEXT NOT NULL,
	session_id TEXT NOT NULL,
	sequence BIGINT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (tenant, session_id, sequence)
);

CREATE TABLE IF NOT EXISTS session_events (
	id BIGSERIAL PRIMARY KEY,
	tenant TEXT NOT NULL,
	session_id TEXT NOT NULL,
	sequence BIGINT NOT NULL,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (tenant, session_id, sequence)
);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS agents (
	tenant TEXT NOT NULL,
	name TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 1,
	path TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (tenant, name)
);

CREATE TABLE IF NOT EXISTS runners (
	id TEXT PRIMARY KEY,
	host TEXT NOT NULL,
	port INTEGER NOT NULL,
	max_sandboxes INTEGER NOT NULL,
	active_count INTEGER NOT NULL DEFAULT 0,
	warming_count INTEGER NOT NULL DEFAULT 0,
	last_heartbeat_at TEXT NOT NULL,
	registered_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	tenant TEXT NOT NULL,
	agent_name TEXT NOT NULL,
	sandbox_id TEXT,
	status TEXT NOT NULL,
	runner_id TEXT,
	created_at TEXT NOT NULL,
	last_active_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sandboxes (
	id TEXT PRIMARY KEY,
	tenant TEXT NOT NULL,
	session_id TEXT,
	agent_name TEXT NOT NULL,
	state TEXT NOT NULL,
	workspace_dir TEXT NOT NULL,
	created_at TEXT NOT NULL,
	last_used_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS sandboxes_eviction_idx ON sandboxes (state, last_used_at, id);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant TEXT NOT NULL,
	session_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at TEXT NOT NULL,
	UNIQUE (tenant, session_id, sequence)
);

CREATE TABLE IF NOT EXISTS session_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant TEXT NOT NULL,
	session_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL,
	UNIQUE (tenant, session_id, sequence)
);
`
