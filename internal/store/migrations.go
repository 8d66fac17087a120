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

CREATE TABLE IF NOT EXISTS messages (
	id            TEXT PRIMARY KEY,
	thread_id     TEXT NOT NULL DEFAULT '',
	account_id    TEXT NOT NULL,
	from_addr     TEXT NOT NULL DEFAULT '',
	to_addrs      TEXT NOT NULL DEFAULT '[]',
	cc_addrs      TEXT NOT NULL DEFAULT '[]',
	bcc_addrs     TEXT NOT NULL DEFAULT '[]',
	subject       TEXT NOT NULL DEFAULT '',
	body_text     TEXT NOT NULL DEFAULT '',
	body_html     TEXT NOT NULL DEFAULT '',
	body_markdown TEXT NOT NULL DEFAULT '',
	timestamp     INTEGER NOT NULL,
	is_read       INTEGER NOT NULL DEFAULT 0 CHECK(is_read IN (0, 1)),
	is_starred    INTEGER NOT NULL DEFAULT 0 CHECK(is_starred IN (0, 1)),
	labels        TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_messages_account_ts ON messages(account_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp);
CREATE INDEX IF NOT EXISTS idx_messages_thread_id ON messages(thread_id);

CREATE TABLE IF NOT EXISTS attachments (
	id         TEXT PRIMARY KEY,
	email_id   TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	file_name  TEXT NOT NULL DEFAULT '',
	mime_type  TEXT NOT NULL DEFAULT '',
	size       INTEGER NOT NULL DEFAULT 0,
	url        TEXT NOT NULL DEFAULT '',
	local_path TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_attachments_email_id ON attachments(email_id);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS sync_queue (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	operation_type TEXT NOT NULL CHECK(operation_type IN (
		'DELETE', 'ARCHIVE', 'STAR', 'UNSTAR',
		'MARK_READ', 'MARK_UNREAD', 'MOVE_TO_FOLDER'
	)),
	email_id       TEXT NOT NULL,
	account_id     TEXT NOT NULL,
	timestamp      INTEGER NOT NULL,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	last_error     TEXT,
	extra_data     TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_sync_queue_account_order
	ON sync_queue(account_id, timestamp, id);
CREATE INDEX IF NOT EXISTS idx_sync_queue_email_id ON sync_queue(email_id);

CREATE TABLE IF NOT EXISTS sync_state (
	account_id            TEXT PRIMARY KEY,
	last_remote_timestamp INTEGER NOT NULL DEFAULT 0,
	last_sync_at          INTEGER NOT NULL DEFAULT 0
);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
