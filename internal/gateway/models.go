package gateway

import "time"

// ProblemDetail follows RFC 7807 for every error response the gateway
// returns, matching the reference mgmt package's error shape verbatim.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// SessionDTO is a session as exposed over the REST/streaming surface.
type SessionDTO struct {
	Name               string `json:"name"`
	Host               string `json:"host"`
	AgentType          string `json:"agent_type"`
	Status             string `json:"status"`
	CreatedAt          string `json:"created_at"`
	LastActivityAt     string `json:"last_activity_at"`
	LastMessagePreview string `json:"last_message_preview,omitempty"`
	LastError          string `json:"last_error,omitempty"`
}

// CreateSessionRequest is the payload for POST /api/sessions.
type CreateSessionRequest struct {
	Name      string `json:"name"`
	Host      string `json:"host"`
	AgentType string `json:"agent_type,omitempty"`
}

// BulkDeleteRequest is the payload for POST /api/sessions/bulk-delete.
type BulkDeleteRequest struct {
	Names []string `json:"names"`
}

// BulkDeleteResponse reports per-name outcomes so a partial failure doesn't
// look like a blanket success or a blanket 500.
type BulkDeleteResponse struct {
	Deleted []string          `json:"deleted"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// SendRequest is the payload for POST /api/sessions/{name}/send.
type SendRequest struct {
	Text string `json:"text"`
}

// MessageDTO is a stored message as exposed over REST/streaming.
type MessageDTO struct {
	ID         int64  `json:"id"`
	Role       string `json:"role"`
	Source     string `json:"source"`
	Content    string `json:"content"`
	Timestamp  string `json:"timestamp"`
	ExternalID string `json:"external_id,omitempty"`
}

// MessagePageResponse is the response for GET /api/sessions/{name}/messages.
type MessagePageResponse struct {
	Messages []MessageDTO `json:"messages"`
	Total    int          `json:"total"`
	Limit    int          `json:"limit"`
	Offset   int          `json:"offset"`
}

// StatsResponse is the response for GET /api/stats.
type StatsResponse struct {
	TotalSessions int            `json:"total_sessions"`
	ByStatus      map[string]int `json:"by_status"`
	SubscriberCount int          `json:"subscriber_count"`
}

// PreferencesRequest is the payload for PUT /api/preferences.
type PreferencesRequest struct {
	Preferences map[string]any `json:"preferences"`
}

// HookEventRequest is the payload for POST /api/hooks/event (spec §6).
type HookEventRequest struct {
	SessionName string `json:"session_name"`
	Agent       string `json:"agent"`
	Role        string `json:"role"`
	Content     string `json:"content"`
	ExternalID  string `json:"external_id,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
}

// HealthDetailResponse is the response for GET /api/health.
type HealthDetailResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
