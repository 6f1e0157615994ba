package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/jiunbae/aily/internal/relayerr"
)

// Message is an append-only record in a session's log (spec §3).
type Message struct {
	ID         int64
	SessionID  string
	Role       string // user, assistant, system, tool
	Source     string // jsonl, discord, slack, tmux, hook
	Content    string
	Timestamp  time.Time
	ExternalID string // empty means none
}

// Append inserts a message, enforcing the dedup rule: when ExternalID is
// non-empty, uniqueness is on (session_id, external_id); otherwise a
// fallback key of (session_id, role, source, content_hash, 1s timestamp
// bucket) suppresses near-duplicate optimistic echoes. Returns
// relayerr.Duplicate (not an error surfaced to the caller per §7) when
// suppressed.
func (s *Store) Append(msg Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ExternalID != "" && s.dedup.probablyDuplicate(msg.SessionID, msg.ExternalID) {
		return 0, relayerr.New(relayerr.Duplicate, "external_id already stored")
	}

	if msg.ExternalID == "" {
		dup, err := s.fallbackDuplicateLocked(msg)
		if err != nil {
			return 0, relayerr.Wrap(relayerr.StorageError, "checking fallback dedup", err)
		}
		if dup {
			return 0, relayerr.New(relayerr.Duplicate, "fallback content hash matched within bucket")
		}
	}

	var externalID sql.NullString
	if msg.ExternalID != "" {
		externalID = sql.NullString{String: msg.ExternalID, Valid: true}
	}

	res, err := s.db.Exec(
		`INSERT INTO messages (session_id, role, source, content, timestamp, external_id)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.SessionID, msg.Role, msg.Source, msg.Content, msg.Timestamp.UnixMilli(), externalID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, relayerr.New(relayerr.Duplicate, "external_id already stored")
		}
		return 0, relayerr.Wrap(relayerr.StorageError, "inserting message", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, relayerr.Wrap(relayerr.StorageError, "reading inserted id", err)
	}

	s.dedup.remember(msg.SessionID, msg.ExternalID)
	return id, nil
}

// fallbackDuplicateLocked implements the §4.3 fallback dedup key:
// (session_id, role, source, content_hash, timestamp_bucket=1s). The bucket
// and role/source narrow the candidate set in SQL; content equality (hash
// comparison) happens in Go since SQLite has no portable sha256 function.
func (s *Store) fallbackDuplicateLocked(msg Message) (bool, error) {
	bucketStart := msg.Timestamp.Truncate(time.Second).UnixMilli()
	bucketEnd := bucketStart + 1000
	hash := contentHash(msg.Content)

	rows, err := s.db.Query(
		`SELECT content FROM messages
		 WHERE session_id = ? AND role = ? AND source = ?
		   AND timestamp >= ? AND timestamp < ?`,
		msg.SessionID, msg.Role, msg.Source, bucketStart, bucketEnd,
	)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return false, err
		}
		if contentHash(content) == hash {
			return true, nil
		}
	}
	return false, rows.Err()
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Page returns messages for a session, newest-first by default, supporting
// classical offset pagination. total is the full count for the session.
func (s *Store) Page(sessionID string, limit, offset int) ([]Message, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&total); err != nil {
		return nil, 0, relayerr.Wrap(relayerr.StorageError, "counting messages", err)
	}

	rows, err := s.db.Query(
		`SELECT id, session_id, role, source, content, timestamp, external_id
		 FROM messages WHERE session_id = ?
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ? OFFSET ?`,
		sessionID, limit, offset,
	)
	if err != nil {
		return nil, 0, relayerr.Wrap(relayerr.StorageError, "paging messages", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, 0, relayerr.Wrap(relayerr.StorageError, "scanning messages", err)
	}
	return msgs, total, nil
}

// Search performs full-text search over content, optionally scoped to a
// single session ("" / sessionID == "all" searches everything).
func (s *Store) Search(sessionID, query string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows *sql.Rows
	var err error
	if sessionID == "" || sessionID == "all" {
		rows, err = s.db.Query(
			`SELECT m.id, m.session_id, m.role, m.source, m.content, m.timestamp, m.external_id
			 FROM messages_fts f JOIN messages m ON m.id = f.rowid
			 WHERE messages_fts MATCH ?
			 ORDER BY m.timestamp DESC LIMIT 200`,
			query,
		)
	} else {
		rows, err = s.db.Query(
			`SELECT m.id, m.session_id, m.role, m.source, m.content, m.timestamp, m.external_id
			 FROM messages_fts f JOIN messages m ON m.id = f.rowid
			 WHERE messages_fts MATCH ? AND m.session_id = ?
			 ORDER BY m.timestamp DESC LIMIT 200`,
			query, sessionID,
		)
	}
	if err != nil {
		return nil, relayerr.Wrap(relayerr.StorageError, "searching messages", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		var m Message
		var ts int64
		var externalID sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Source, &m.Content, &ts, &externalID); err != nil {
			return nil, err
		}
		m.Timestamp = time.UnixMilli(ts)
		if externalID.Valid {
			m.ExternalID = externalID.String
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// HasExternalID reports whether a message with the given external_id exists
// for the session.
func (s *Store) HasExternalID(sessionID, externalID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM messages WHERE session_id = ? AND external_id = ?`,
		sessionID, externalID,
	).Scan(&count)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}
	return count > 0, nil
}
