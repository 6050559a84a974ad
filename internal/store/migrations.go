package store

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

CREATE TABLE IF NOT EXISTS items (
	calendar_id TEXT NOT NULL,
	id          TEXT NOT NULL,
	kind        TEXT NOT NULL,
	summary     TEXT NOT NULL DEFAULT '',
	data        TEXT NOT NULL,
	position    INTEGER NOT NULL DEFAULT 0,
	updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (calendar_id, id)
);

CREATE INDEX IF NOT EXISTS idx_items_calendar ON items(calendar_id, position);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS calendar_properties (
	calendar_id TEXT NOT NULL,
	name        TEXT NOT NULL,
	value       TEXT NOT NULL,
	PRIMARY KEY (calendar_id, name)
);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
