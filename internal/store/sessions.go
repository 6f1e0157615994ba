package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jiunbae/aily/internal/relayerr"
)

// SessionRow is the persisted form of a Session Registry entry (spec §3).
// The Registry is the authoritative in-memory owner; this is its durability
// backing, reloaded at startup and written through on every transition.
type SessionRow struct {
	Name               string
	Host               string
	AgentType          string
	Status             string
	CreatedAt          time.Time
	LastActivityAt     time.Time
	LastMessagePreview string
	LastError          *relayerr.Error
}

// SaveSession upserts a session row (last-writer-wins per field, per §4.2).
func (s *Store) SaveSession(row SessionRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastErr sql.NullString
	if row.LastError != nil {
		b, err := json.Marshal(row.LastError)
		if err == nil {
			lastErr = sql.NullString{String: string(b), Valid: true}
		}
	}

	_, err := s.db.Exec(
		`INSERT INTO sessions (name, host, agent_type, status, created_at, last_activity_at, last_message_preview, last_error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		   host=excluded.host, agent_type=excluded.agent_type, status=excluded.status,
		   last_activity_at=excluded.last_activity_at, last_message_preview=excluded.last_message_preview,
		   last_error=excluded.last_error`,
		row.Name, row.Host, row.AgentType, row.Status,
		row.CreatedAt.UnixMilli(), row.LastActivityAt.UnixMilli(), row.LastMessagePreview, lastErr,
	)
	if err != nil {
		return relayerr.Wrap(relayerr.StorageError, "saving session", err)
	}
	return nil
}

// LoadSessions reads every persisted session row, for Registry warm start.
func (s *Store) LoadSessions() ([]SessionRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT name, host, agent_type, status, created_at, last_activity_at, last_message_preview, last_error FROM sessions`,
	)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.StorageError, "loading sessions", err)
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var r SessionRow
		var createdAt, lastActivity int64
		var lastErr sql.NullString
		if err := rows.Scan(&r.Name, &r.Host, &r.AgentType, &r.Status, &createdAt, &lastActivity, &r.LastMessagePreview, &lastErr); err != nil {
			return nil, relayerr.Wrap(relayerr.StorageError, "scanning session", err)
		}
		r.CreatedAt = time.UnixMilli(createdAt)
		r.LastActivityAt = time.UnixMilli(lastActivity)
		if lastErr.Valid {
			var e relayerr.Error
			if json.Unmarshal([]byte(lastErr.String), &e) == nil {
				r.LastError = &e
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteSession removes a session row (terminal only for archived cleanup;
// archived sessions themselves are retained per §3, so this is used by
// explicit operator deletion, not by the archive transition).
func (s *Store) DeleteSession(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM sessions WHERE name = ?`, name)
	if err != nil {
		return relayerr.Wrap(relayerr.StorageError, "deleting session", err)
	}
	return nil
}

// --- Thread bindings ---

// ThreadBinding is the (platform, session_name) <-> thread_ref map (spec §3).
type ThreadBinding struct {
	Platform    string
	SessionName string
	ThreadRef   string
	CreatedAt   time.Time
}

func (s *Store) SaveThreadBinding(b ThreadBinding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO thread_bindings (platform, session_name, thread_ref, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(platform, session_name) DO UPDATE SET thread_ref=excluded.thread_ref`,
		b.Platform, b.SessionName, b.ThreadRef, b.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return relayerr.Wrap(relayerr.StorageError, "saving thread binding", err)
	}
	return nil
}

func (s *Store) GetThreadBinding(platform, sessionName string) (*ThreadBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var b ThreadBinding
	var createdAt int64
	err := s.db.QueryRow(
		`SELECT platform, session_name, thread_ref, created_at FROM thread_bindings WHERE platform = ? AND session_name = ?`,
		platform, sessionName,
	).Scan(&b.Platform, &b.SessionName, &b.ThreadRef, &createdAt)
	if err == sql.ErrNoRows {
		return nil, relayerr.New(relayerr.NotFound, "no thread binding")
	}
	if err != nil {
		return nil, relayerr.Wrap(relayerr.StorageError, "getting thread binding", err)
	}
	b.CreatedAt = time.UnixMilli(createdAt)
	return &b, nil
}

// ResolveThreadRef finds the session name bound to a thread_ref — used by
// the Router to resolve inbound platform events (spec §4.5 step 1).
func (s *Store) ResolveThreadRef(platform, threadRef string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var name string
	err := s.db.QueryRow(
		`SELECT session_name FROM thread_bindings WHERE platform = ? AND thread_ref = ?`,
		platform, threadRef,
	).Scan(&name)
	if err == sql.ErrNoRows {
		return "", relayerr.New(relayerr.NotFound, "no binding for thread")
	}
	if err != nil {
		return "", relayerr.Wrap(relayerr.StorageError, "resolving thread ref", err)
	}
	return name, nil
}

// ListThreadBindings returns every thread binding for platform, for an
// adapter to warm-start its in-memory thread<->session maps on Connect so a
// process restart doesn't re-create threads for sessions that already have
// one (spec §3, §4.4 find-before-create).
func (s *Store) ListThreadBindings(platform string) ([]ThreadBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(
		`SELECT platform, session_name, thread_ref, created_at FROM thread_bindings WHERE platform = ?`,
		platform,
	)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.StorageError, "listing thread bindings", err)
	}
	defer rows.Close()

	var out []ThreadBinding
	for rows.Next() {
		var b ThreadBinding
		var createdAt int64
		if err := rows.Scan(&b.Platform, &b.SessionName, &b.ThreadRef, &createdAt); err != nil {
			return nil, relayerr.Wrap(relayerr.StorageError, "scanning thread binding", err)
		}
		b.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) DeleteThreadBinding(platform, sessionName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM thread_bindings WHERE platform = ? AND session_name = ?`, platform, sessionName)
	if err != nil {
		return relayerr.Wrap(relayerr.StorageError, "deleting thread binding", err)
	}
	return nil
}

// --- Preferences ---

func (s *Store) SavePreferences(userID, prefsJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO preferences (user_id, prefs_json, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET prefs_json=excluded.prefs_json, updated_at=excluded.updated_at`,
		userID, prefsJSON, time.Now().UnixMilli(),
	)
	if err != nil {
		return relayerr.Wrap(relayerr.StorageError, "saving preferences", err)
	}
	return nil
}

func (s *Store) GetPreferences(userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var prefs string
	err := s.db.QueryRow(`SELECT prefs_json FROM preferences WHERE user_id = ?`, userID).Scan(&prefs)
	if err == sql.ErrNoRows {
		return "{}", nil
	}
	if err != nil {
		return "", relayerr.Wrap(relayerr.StorageError, "getting preferences", err)
	}
	return prefs, nil
}
