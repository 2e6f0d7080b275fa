package local

// Migration is a single schema migration
type Migration struct {
	Version int
	SQL     string
}

var migrations = []Migration{
	{
		Version: 1,
		SQL: `
			CREATE TABLE mailboxes (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT NOT NULL UNIQUE,
				uidvalidity INTEGER NOT NULL,
				uidnext INTEGER NOT NULL DEFAULT 1
			);

			CREATE TABLE messages (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				mailbox_id INTEGER NOT NULL REFERENCES mailboxes(id) ON DELETE CASCADE,
				uid INTEGER NOT NULL,
				flags INTEGER NOT NULL DEFAULT 0,
				internal_date INTEGER NOT NULL DEFAULT 0,
				size INTEGER NOT NULL DEFAULT 0,
				tuid TEXT NOT NULL DEFAULT '',
				message_id TEXT NOT NULL DEFAULT '',
				raw BLOB NOT NULL,
				UNIQUE(mailbox_id, uid)
			);

			CREATE INDEX idx_messages_mailbox_uid ON messages(mailbox_id, uid);
			CREATE INDEX idx_messages_tuid ON messages(mailbox_id, tuid) WHERE tuid != '';
		`,
	},
}
