package store

// migration represents a single schema migration.
type migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations is the ordered list of all schema migrations.
var migrations = []migration{
	{
		Version: 1,
		Name:    "create sessions and messages",
		SQL: `
			CREATE TABLE sessions (
				id              TEXT PRIMARY KEY,
				participant_id  TEXT NOT NULL,
				display_name    TEXT NOT NULL DEFAULT '',
				status          TEXT NOT NULL DEFAULT 'ACTIVE',
				started_at      TEXT NOT NULL DEFAULT (datetime('now')),
				ended_at        TEXT,
				last_preview    TEXT NOT NULL DEFAULT '',
				unread_count    INTEGER NOT NULL DEFAULT 0 CHECK (unread_count >= 0)
			);

			CREATE INDEX idx_sessions_participant ON sessions (participant_id, status);

			CREATE TABLE messages (
				id           TEXT PRIMARY KEY,
				session_id   TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
				sender_id    TEXT NOT NULL,
				sender_name  TEXT NOT NULL DEFAULT '',
				sender_role  TEXT NOT NULL,
				content      TEXT NOT NULL,
				created_at   TEXT NOT NULL DEFAULT (datetime('now'))
			);

			CREATE INDEX idx_messages_session ON messages (session_id, created_at);
		`,
	},
	{
		Version: 2,
		Name:    "index active sessions by start time",
		SQL: `
			CREATE INDEX idx_sessions_status_started ON sessions (status, started_at DESC);
		`,
	},
}
