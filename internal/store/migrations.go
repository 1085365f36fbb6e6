package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS history (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	object_uid TEXT NOT NULL,
	action     TEXT NOT NULL CHECK(action IN ('add', 'modify', 'delete')),
	backend_id INTEGER NOT NULL DEFAULT 0,
	stamp      TEXT NOT NULL DEFAULT '',
	ts         INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_history_object_uid ON history(object_uid, id);

CREATE TABLE IF NOT EXISTS mapping_cache (
	folder     TEXT PRIMARY KEY,
	stamp      TEXT NOT NULL,
	pairs      TEXT NOT NULL DEFAULT '{}',
	updated_at INTEGER NOT NULL
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS sync_runs (
	folder   TEXT PRIMARY KEY,
	ran_at   INTEGER NOT NULL,
	appended INTEGER NOT NULL DEFAULT 0,
	error    TEXT NOT NULL DEFAULT ''
);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
	{
		version: 3,
		sql: `
DROP TABLE IF EXISTS mapping_cache;

CREATE TABLE mapping_cache (
	folder      TEXT NOT NULL,
	object_type TEXT NOT NULL,
	stamp       TEXT NOT NULL,
	pairs       TEXT NOT NULL DEFAULT '{}',
	updated_at  INTEGER NOT NULL,
	PRIMARY KEY (folder, object_type)
);

INSERT INTO schema_version (version) VALUES (3);
`,
	},
}
