// Package registry is the Session Registry: the authoritative in-memory
// table of known sessions, merging observations from SSH polling, platform
// events, and hook webhooks, and driving the status state machine.
package registry

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jiunbae/aily/internal/relayerr"
	"github.com/jiunbae/aily/internal/store"
)

// Status is a Session's place in the §4.2 state machine.
type Status string

const (
	StatusActive      Status = "active"
	StatusWaiting     Status = "waiting"
	StatusIdle        Status = "idle"
	StatusArchived    Status = "archived"
	StatusOrphaned    Status = "orphaned"
	StatusError       Status = "error"
	StatusUnreachable Status = "unreachable"
)

// Event drives a state transition; see the table in §4.2.
type Event string

const (
	EventSSHSeen        Event = "ssh_seen"
	EventSSHMissing     Event = "ssh_missing"
	EventMsgInbound     Event = "msg_inbound"
	EventAskQuestion    Event = "ask_question"
	EventLifecycleClose Event = "lifecycle_close"
	EventHostDown       Event = "host_down"
)

// transitions[from][event] = to. archived is terminal: its row maps every
// event back to archived. A status with no row (error) is left unchanged by
// applyTransitionLocked.
var transitions = map[Status]map[Event]Status{
	StatusActive: {
		EventSSHSeen: StatusActive, EventSSHMissing: StatusOrphaned,
		EventMsgInbound: StatusActive, EventAskQuestion: StatusWaiting,
		EventLifecycleClose: StatusArchived, EventHostDown: StatusUnreachable,
	},
	StatusWaiting: {
		EventSSHSeen: StatusActive, EventSSHMissing: StatusOrphaned,
		EventMsgInbound: StatusActive, EventAskQuestion: StatusWaiting,
		EventLifecycleClose: StatusArchived, EventHostDown: StatusUnreachable,
	},
	StatusIdle: {
		EventSSHSeen: StatusActive, EventSSHMissing: StatusOrphaned,
		EventMsgInbound: StatusActive, EventAskQuestion: StatusWaiting,
		EventLifecycleClose: StatusArchived, EventHostDown: StatusUnreachable,
	},
	StatusOrphaned: {
		EventSSHSeen: StatusActive, EventSSHMissing: StatusOrphaned,
		EventMsgInbound: StatusOrphaned, EventAskQuestion: StatusOrphaned,
		EventLifecycleClose: StatusArchived, EventHostDown: StatusOrphaned,
	},
	StatusUnreachable: {
		EventSSHSeen: StatusActive, EventSSHMissing: StatusUnreachable,
		EventMsgInbound: StatusUnreachable, EventAskQuestion: StatusUnreachable,
		EventLifecycleClose: StatusArchived, EventHostDown: StatusUnreachable,
	},
	StatusArchived: {
		EventSSHSeen: StatusArchived, EventSSHMissing: StatusArchived,
		EventMsgInbound: StatusArchived, EventAskQuestion: StatusArchived,
		EventLifecycleClose: StatusArchived, EventHostDown: StatusArchived,
	},
}

// DefaultIdleAfter is how long an active session with no activity becomes
// idle when a caller doesn't configure IDLE_AFTER_SEC explicitly.
const DefaultIdleAfter = 15 * time.Minute

// Session is the in-memory record; Status derivation (idle) happens lazily
// on read, never stored as idle in the backing store.
type Session struct {
	Name               string
	Host               string
	AgentType          string
	Status             Status
	CreatedAt          time.Time
	LastActivityAt      time.Time
	LastMessagePreview string
	LastError          *relayerr.Error
}

// Observation is a merge input to upsert; zero-value fields are left
// unchanged (last-writer-wins per populated field).
type Observation struct {
	Name               string
	Host               string
	AgentType          string
	LastMessagePreview string
	LastError          *relayerr.Error
	Event              Event // drives the state machine; empty means no transition
}

// TransitionFunc, when set, is notified of every status change so callers
// (Router, Event Bus publisher) can react without polling.
type TransitionFunc func(name string, old, new Status)

// Registry holds sessions keyed by name, backed by store for durability.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	store    *store.Store
	logger   zerolog.Logger
	onTransition TransitionFunc
	idleAfter    time.Duration
}

// New creates a Registry and warm-starts it from persisted sessions.
// idleAfter is how long an active session may sit without activity before
// it's considered idle (§4.2, configured as IDLE_AFTER_SEC); a zero or
// negative value falls back to DefaultIdleAfter.
func New(st *store.Store, logger zerolog.Logger, onTransition TransitionFunc, idleAfter time.Duration) (*Registry, error) {
	if idleAfter <= 0 {
		idleAfter = DefaultIdleAfter
	}
	r := &Registry{
		sessions:     make(map[string]*Session),
		store:        st,
		logger:       logger.With().Str("component", "registry").Logger(),
		onTransition: onTransition,
		idleAfter:    idleAfter,
	}

	rows, err := st.LoadSessions()
	if err != nil {
		return nil, relayerr.Wrap(relayerr.StorageError, "warm-starting registry", err)
	}
	for _, row := range rows {
		r.sessions[row.Name] = &Session{
			Name:               row.Name,
			Host:               row.Host,
			AgentType:          row.AgentType,
			Status:             Status(row.Status),
			CreatedAt:          row.CreatedAt,
			LastActivityAt:     row.LastActivityAt,
			LastMessagePreview: row.LastMessagePreview,
			LastError:          row.LastError,
		}
	}
	r.logger.Info().Int("count", len(r.sessions)).Msg("registry warm-started")
	return r, nil
}

// Upsert merges an observation into the named session, creating it on first
// sight. Initial status is active if the observation carries ssh_seen,
// orphaned otherwise (platform-only sighting), per §4.2.
func (r *Registry) Upsert(obs Observation) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, exists := r.sessions[obs.Name]
	if !exists {
		initial := StatusOrphaned
		if obs.Event == EventSSHSeen {
			initial = StatusActive
		}
		s = &Session{
			Name:      obs.Name,
			Host:      "unknown",
			AgentType: "unknown",
			Status:    initial,
			CreatedAt: time.Now(),
		}
		r.sessions[obs.Name] = s
	}

	if obs.Host != "" {
		s.Host = obs.Host
	}
	if obs.AgentType != "" {
		s.AgentType = obs.AgentType
	}
	if obs.LastMessagePreview != "" {
		s.LastMessagePreview = obs.LastMessagePreview
	}
	if obs.LastError != nil {
		s.LastError = obs.LastError
	}
	s.LastActivityAt = time.Now()

	if exists && obs.Event != "" {
		r.applyTransitionLocked(s, obs.Event)
	}

	if err := r.persistLocked(s); err != nil {
		return nil, err
	}
	return cloneSession(s), nil
}

// Transition applies a state-machine event directly, without touching other
// fields. Invalid transitions (unknown session) are reported as not_found;
// a guarded-but-absent table entry is a no-op, matching §4.2's "invalid
// transitions are ignored and logged, not errors".
func (r *Registry) Transition(name string, event Event) (old, new Status, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, exists := r.sessions[name]
	if !exists {
		return "", "", relayerr.New(relayerr.NotFound, "no such session")
	}

	old = s.Status
	r.applyTransitionLocked(s, event)
	new = s.Status

	if perr := r.persistLocked(s); perr != nil {
		return old, new, perr
	}
	return old, new, nil
}

func (r *Registry) applyTransitionLocked(s *Session, event Event) {
	row, ok := transitions[s.Status]
	if !ok {
		r.logger.Warn().Str("session", s.Name).Str("status", string(s.Status)).Msg("no transition row for status")
		return
	}
	next, ok := row[event]
	if !ok {
		r.logger.Warn().Str("session", s.Name).Str("event", string(event)).Msg("invalid transition ignored")
		return
	}
	if next == s.Status {
		return
	}
	old := s.Status
	s.Status = next
	if r.onTransition != nil {
		r.onTransition(s.Name, old, next)
	}
}

// MarkError transitions a session to error outside the normal event table,
// for operation failures attributable to the session itself (§4.2).
func (r *Registry) MarkError(name string, cause *relayerr.Error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, exists := r.sessions[name]
	if !exists {
		return relayerr.New(relayerr.NotFound, "no such session")
	}
	old := s.Status
	s.Status = StatusError
	s.LastError = cause
	if r.onTransition != nil && old != StatusError {
		r.onTransition(name, old, StatusError)
	}
	return r.persistLocked(s)
}

// Get returns a session by name, deriving idle status on read.
func (r *Registry) Get(name string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[name]
	if !ok {
		return nil, false
	}
	return r.deriveIdle(cloneSession(s)), true
}

// Filter selects sessions for List; nil matches everything.
type Filter func(*Session) bool

// List returns a snapshot of sessions matching filter (nil for all),
// with idle status derived per entry.
func (r *Registry) List(filter Filter) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		c := r.deriveIdle(cloneSession(s))
		if filter == nil || filter(c) {
			out = append(out, c)
		}
	}
	return out
}

// Delete removes a session record entirely (operator action; distinct from
// the archived status, which retains the record per §3).
func (r *Registry) Delete(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, name)
	if err := r.store.DeleteSession(name); err != nil {
		return relayerr.Wrap(relayerr.StorageError, "deleting session", err)
	}
	return nil
}

func (r *Registry) persistLocked(s *Session) error {
	row := store.SessionRow{
		Name:               s.Name,
		Host:               s.Host,
		AgentType:          s.AgentType,
		Status:             string(s.Status),
		CreatedAt:          s.CreatedAt,
		LastActivityAt:     s.LastActivityAt,
		LastMessagePreview: s.LastMessagePreview,
		LastError:          s.LastError,
	}
	if err := r.store.SaveSession(row); err != nil {
		return relayerr.Wrap(relayerr.StorageError, "persisting session", err)
	}
	return nil
}

func (r *Registry) deriveIdle(s *Session) *Session {
	if s.Status == StatusActive && time.Since(s.LastActivityAt) > r.idleAfter {
		s.Status = StatusIdle
	}
	return s
}

// SweepIdle promotes every active session past the configured idle threshold
// to idle for real — persisting the transition and notifying onTransition —
// rather than the lazy, read-only derivation Get/List apply. Invoked by the
// scheduler's idle sweeper job (spec §4.8); returns the names demoted.
func (r *Registry) SweepIdle() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var demoted []string
	for name, s := range r.sessions {
		if s.Status != StatusActive || time.Since(s.LastActivityAt) <= r.idleAfter {
			continue
		}
		s.Status = StatusIdle
		if r.onTransition != nil {
			r.onTransition(name, StatusActive, StatusIdle)
		}
		if err := r.persistLocked(s); err != nil {
			r.logger.Warn().Err(err).Str("session", name).Msg("persisting idle transition failed")
			continue
		}
		demoted = append(demoted, name)
	}
	return demoted
}

func cloneSession(s *Session) *Session {
	c := *s
	return &c
}
