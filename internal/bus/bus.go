// Package bus is the Event Bus: an in-process publish/subscribe broadcaster
// fanning typed session/message/connection events out to dashboard clients
// and internal consumers (sidebar counters, sync watchers). Event kinds are
// modeled as a tagged sum (spec §9's "no stringly-typed wildcard" guidance)
// rather than the teacher's dynamic event-type map; a subscriber with no
// session filter is the "*"-equivalent.
package bus

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jiunbae/aily/internal/health"
)

// Kind is one of the typed events the relay publishes (spec §4.6).
type Kind string

const (
	SessionCreated      Kind = "session.created"
	SessionUpdated      Kind = "session.updated"
	SessionStatusChange Kind = "session.status_changed"
	SessionDeleted      Kind = "session.deleted"
	MessageNew          Kind = "message.new"
	TypingStart         Kind = "typing.start"
	TypingStop          Kind = "typing.stop"
	SyncComplete        Kind = "sync.complete"
	ConnectionStatus    Kind = "connection.status"
	SubscriberLag       Kind = "subscriber.lag"
	ComponentDegraded   Kind = "component.degraded"
	NotificationFailed  Kind = "notification.failed"
	SystemHeartbeat     Kind = "system.heartbeat"
)

// Event is a single bus message. SessionName is empty for events that are
// not scoped to a session (heartbeat, component.degraded).
type Event struct {
	Kind        Kind
	SessionName string
	Payload     any
	At          time.Time
}

// DefaultBufferSize is the bounded per-subscriber outbound buffer (§4.6).
const DefaultBufferSize = 256

// Subscription is a live registration; Events delivers until Close is called.
type Subscription struct {
	id      uint64
	Events  <-chan Event
	bus     *Bus
	filter  map[string]struct{} // nil/empty means "all sessions"
	ch      chan Event
	closeMu sync.Mutex
	closed  bool
}

// Matches reports whether the subscription's session filter accepts name.
// An event with an empty SessionName (not session-scoped) always matches.
func (s *Subscription) Matches(sessionName string) bool {
	if sessionName == "" || len(s.filter) == 0 {
		return true
	}
	_, ok := s.filter[sessionName]
	return ok
}

// SetFilter replaces the subscription's session filter; an empty/nil set
// means "all sessions" (spec §8 boundary behaviour).
func (s *Subscription) SetFilter(sessions []string) {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if len(sessions) == 0 {
		s.filter = nil
		return
	}
	m := make(map[string]struct{}, len(sessions))
	for _, n := range sessions {
		m[n] = struct{}{}
	}
	s.filter = m
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.bus.unsubscribe(s.id)
	close(s.ch)
}

// Bus is the single-process publish/subscribe broadcaster.
type Bus struct {
	mu          sync.RWMutex
	subs        map[uint64]*Subscription
	nextID      uint64
	bufferSize  int
	logger      zerolog.Logger
}

// New creates an Event Bus with the default per-subscriber buffer size.
func New(logger zerolog.Logger) *Bus {
	return &Bus{
		subs:       make(map[uint64]*Subscription),
		bufferSize: DefaultBufferSize,
		logger:     logger.With().Str("component", "bus").Logger(),
	}
}

// Subscribe registers a new subscriber, optionally filtered by session name.
// An empty sessions slice means "all sessions" (§4.6, §8 boundary behaviour).
func (b *Bus) Subscribe(sessions []string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	ch := make(chan Event, b.bufferSize)

	sub := &Subscription{id: id, Events: ch, bus: b, ch: ch}
	if len(sessions) > 0 {
		m := make(map[string]struct{}, len(sessions))
		for _, n := range sessions {
			m[n] = struct{}{}
		}
		sub.filter = m
	}
	b.subs[id] = sub
	return sub
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Publish fans ev out to every matching subscriber. Publishing is
// O(subscribers); a full subscriber buffer drops the oldest queued event and
// emits subscriber.lag on that subscriber's own channel instead of blocking
// the publisher (§4.6).
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if !s.Matches(ev.SessionName) {
			continue
		}
		b.deliver(s, ev)
	}
}

func (b *Bus) deliver(s *Subscription, ev Event) {
	select {
	case s.ch <- ev:
		return
	default:
	}

	// Buffer full: drop the oldest queued event to make room, then emit
	// subscriber.lag so the client knows it missed something. The lag notice
	// needs a slot of its own, so one more oldest event is dropped for it.
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- ev:
	default:
	}
	lag := Event{Kind: SubscriberLag, At: time.Now()}
	select {
	case s.ch <- lag:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- lag:
	default:
		b.logger.Warn().Msg("subscriber buffer full even after eviction, dropping lag notice")
	}
}

// SubscriberCount reports the number of live subscriptions, for the
// dashboard's WS_MAX_CLIENTS ceiling (§4.7).
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// PublishComponentDegraded satisfies health.DegradedPublisher, letting the
// health checker escalate a failing component onto the bus.
func (b *Bus) PublishComponentDegraded(component string, status health.Status) {
	b.Publish(Event{Kind: ComponentDegraded, Payload: map[string]any{"component": component, "status": status}})
}
