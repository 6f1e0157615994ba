package store

import "fmt"

// migrate runs every schema version in sequence, gated by a sentinel row in
// meta, in the teacher's migration style (version-gated, additive-only).
func (s *Store) migrate() error {
	if err := s.migrateV1(); err != nil {
		return err
	}
	if err := s.migrateV2(); err != nil {
		return err
	}
	return s.migrateV3()
}

func (s *Store) schemaVersion() string {
	var version string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version)
	if err != nil {
		return "0"
	}
	return version
}

func (s *Store) migrateV1() error {
	if s.schemaVersion() >= "1" {
		return nil
	}

	schema := `
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		name                 TEXT PRIMARY KEY,
		host                 TEXT NOT NULL DEFAULT 'unknown',
		agent_type           TEXT NOT NULL DEFAULT 'unknown',
		status               TEXT NOT NULL DEFAULT 'active',
		created_at           INTEGER NOT NULL,
		last_activity_at     INTEGER NOT NULL,
		last_message_preview TEXT NOT NULL DEFAULT '',
		last_error           TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	CREATE INDEX IF NOT EXISTS idx_sessions_host ON sessions(host);

	CREATE TABLE IF NOT EXISTS thread_bindings (
		platform     TEXT NOT NULL,
		session_name TEXT NOT NULL,
		thread_ref   TEXT NOT NULL,
		created_at   INTEGER NOT NULL,
		PRIMARY KEY (platform, session_name)
	);

	CREATE INDEX IF NOT EXISTS idx_thread_bindings_ref ON thread_bindings(platform, thread_ref);

	CREATE TABLE IF NOT EXISTS messages (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id  TEXT NOT NULL,
		role        TEXT NOT NULL,
		source      TEXT NOT NULL,
		content     TEXT NOT NULL,
		timestamp   INTEGER NOT NULL,
		external_id TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_dedup
		ON messages(session_id, external_id) WHERE external_id IS NOT NULL;

	CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
		content,
		content='messages',
		content_rowid='id'
	);

	CREATE TRIGGER IF NOT EXISTS messages_ai AFTER INSERT ON messages BEGIN
		INSERT INTO messages_fts(rowid, content) VALUES (new.id, new.content);
	END;

	CREATE TABLE IF NOT EXISTS preferences (
		user_id    TEXT PRIMARY KEY,
		prefs_json TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS notify_retries (
		id            TEXT PRIMARY KEY,
		session_name  TEXT NOT NULL,
		platform      TEXT NOT NULL,
		text          TEXT NOT NULL,
		external_id   TEXT,
		attempt       INTEGER NOT NULL DEFAULT 0,
		next_retry_at INTEGER NOT NULL,
		last_error    TEXT,
		created_at    INTEGER NOT NULL,
		resolved_at   INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_notify_retries_due
		ON notify_retries(next_retry_at) WHERE resolved_at IS NULL;

	INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '1');
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing migration v1: %w", err)
	}
	return nil
}

func (s *Store) migrateV2() error {
	if s.schemaVersion() >= "2" {
		return nil
	}

	schema := `
	CREATE TABLE IF NOT EXISTS audit_log (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id    TEXT NOT NULL,
		action     TEXT NOT NULL,
		resource   TEXT,
		result     TEXT NOT NULL,
		details    TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing migration v2: %w", err)
	}
	if _, err := s.db.Exec(`INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '2')`); err != nil {
		return fmt.Errorf("updating schema version: %w", err)
	}
	return nil
}

func (s *Store) migrateV3() error {
	if s.schemaVersion() >= "3" {
		return nil
	}

	schema := `
	CREATE TABLE IF NOT EXISTS session_cleanup (
		session_name TEXT PRIMARY KEY,
		status       TEXT NOT NULL DEFAULT 'warned',
		warned_at    INTEGER NOT NULL,
		responded_at INTEGER,
		expires_at   INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_cleanup_expires ON session_cleanup(expires_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing migration v3: %w", err)
	}
	if _, err := s.db.Exec(`INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '3')`); err != nil {
		return fmt.Errorf("updating schema version: %w", err)
	}
	return nil
}
