package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jiunbae/aily/internal/relayerr"
)

// NotifyRetry is a queued outbound platform post that failed and is
// scheduled for another attempt, backing the §4.5/§7 "retried with
// exponential backoff up to NOTIFY_MAX_RETRIES" requirement across process
// restarts.
type NotifyRetry struct {
	ID          string
	SessionName string
	Platform    string
	Text        string
	ExternalID  string
	Attempt     int
	NextRetryAt time.Time
	LastError   string
	CreatedAt   time.Time
	ResolvedAt  time.Time // zero means unresolved
}

// EnqueueNotifyRetry records a failed post for later retry.
func (s *Store) EnqueueNotifyRetry(n NotifyRetry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}

	externalID := sql.NullString{String: n.ExternalID, Valid: n.ExternalID != ""}

	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO notify_retries
		 (id, session_name, platform, text, external_id, attempt, next_retry_at, last_error, created_at, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		n.ID, n.SessionName, n.Platform, n.Text, externalID, n.Attempt,
		n.NextRetryAt.UnixMilli(), n.LastError, n.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return relayerr.Wrap(relayerr.StorageError, "enqueueing notify retry", err)
	}
	return nil
}

// DueNotifyRetries returns unresolved retries whose next_retry_at has passed.
func (s *Store) DueNotifyRetries(limit int) ([]NotifyRetry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, session_name, platform, text, external_id, attempt, next_retry_at, last_error, created_at
		 FROM notify_retries WHERE next_retry_at <= ? AND resolved_at IS NULL
		 ORDER BY next_retry_at ASC LIMIT ?`,
		time.Now().UnixMilli(), limit,
	)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.StorageError, "listing due retries", err)
	}
	defer rows.Close()

	var out []NotifyRetry
	for rows.Next() {
		var n NotifyRetry
		var nextRetryAt, createdAt int64
		var externalID sql.NullString
		if err := rows.Scan(&n.ID, &n.SessionName, &n.Platform, &n.Text, &externalID, &n.Attempt, &nextRetryAt, &n.LastError, &createdAt); err != nil {
			return nil, relayerr.Wrap(relayerr.StorageError, "scanning retry", err)
		}
		n.NextRetryAt = time.UnixMilli(nextRetryAt)
		n.CreatedAt = time.UnixMilli(createdAt)
		if externalID.Valid {
			n.ExternalID = externalID.String
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// ResolveNotifyRetry marks a retry as delivered (or permanently abandoned).
func (s *Store) ResolveNotifyRetry(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE notify_retries SET resolved_at = ? WHERE id = ?`, time.Now().UnixMilli(), id)
	if err != nil {
		return relayerr.Wrap(relayerr.StorageError, "resolving retry", err)
	}
	return nil
}
