// Package router implements the Router (spec §4.5): the glue between
// platform adapters, the Host Executor, the Session Registry, and the
// Message Store. It translates inbound platform messages into injections
// or commands, and outbound hook/scraper observations into chat posts,
// grounded on the reference's internal/bridge/bridge.go HandleMessage
// shape — generalized from "forward everything to one CLI agent" to
// "resolve a thread to a named session and dispatch a command table".
package router

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jiunbae/aily/internal/bus"
	"github.com/jiunbae/aily/internal/hostexec"
	"github.com/jiunbae/aily/internal/platform"
	"github.com/jiunbae/aily/internal/registry"
	"github.com/jiunbae/aily/internal/relayerr"
	"github.com/jiunbae/aily/internal/store"
)

// Executor is the subset of *hostexec.Executor the Router needs — an
// interface so tests can substitute a fake instead of a real tmux control
// channel, same pattern as hostexec.Runner.
type Executor interface {
	CreateSession(ctx context.Context, host, name string) error
	KillSession(ctx context.Context, host, name string) error
	ListSessions(ctx context.Context, host string) (map[string]struct{}, error)
	Inject(ctx context.Context, host, name, payload string, submit bool) error
	InjectControlKey(ctx context.Context, host, name string, key hostexec.ControlKey) error
	Capture(ctx context.Context, host, name string, lines int) (string, error)
}

var controlCommands = map[string]hostexec.ControlKey{
	"!c":     hostexec.KeyInterrupt,
	"!d":     hostexec.KeyEOF,
	"!z":     hostexec.KeySuspend,
	"!q":     hostexec.KeyLiteralQ,
	"!enter": hostexec.KeySubmit,
	"!esc":   hostexec.KeyEscape,
}

const retryBaseDelay = 2 * time.Second

// Router is the Router.
type Router struct {
	store            *store.Store
	registry         *registry.Registry
	bus              *bus.Bus
	exec             Executor
	platforms        map[string]platform.Adapter
	defaultHost      string
	notifyMaxRetries int
	logger           zerolog.Logger

	mu sync.Mutex
}

// New creates a Router. platforms must only contain adapters that are
// connected and enabled; the Router fans every hook/scraper notification
// out across all of them.
func New(st *store.Store, reg *registry.Registry, b *bus.Bus, exec Executor, platforms map[string]platform.Adapter, defaultHost string, notifyMaxRetries int, logger zerolog.Logger) *Router {
	if notifyMaxRetries <= 0 {
		notifyMaxRetries = 2
	}
	return &Router{
		store:            st,
		registry:         reg,
		bus:              b,
		exec:             exec,
		platforms:        platforms,
		defaultHost:      defaultHost,
		notifyMaxRetries: notifyMaxRetries,
		logger:           logger.With().Str("component", "router").Logger(),
	}
}

// OnInbound implements platform.InboundHandler — the inbound-from-platform
// procedure (spec §4.5). It resolves threadRef to a session name via the
// durable thread binding (written synchronously whenever EnsureThread
// creates a thread, so the binding is always present save for data loss —
// the title-probe fallback spec.md §4.5 describes for that case is
// deliberately not implemented, see SPEC_FULL.md Part C §9 Open Question 4),
// then dispatches to the command table or injects as plain text.
func (r *Router) OnInbound(ctx context.Context, platformName, threadRef, authorID, text, externalID string) {
	sessionName, err := r.store.ResolveThreadRef(platformName, threadRef)
	if err != nil {
		r.logger.Warn().Str("platform", platformName).Str("thread", threadRef).Msg("inbound message for unbound thread, dropping")
		return
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	adapter := r.platforms[platformName]

	if strings.HasPrefix(text, "!") {
		r.handleCommand(ctx, platformName, adapter, threadRef, sessionName, text)
		return
	}

	r.injectText(ctx, platformName, adapter, threadRef, sessionName, text, externalID, authorID)
}

func (r *Router) injectText(ctx context.Context, platformName string, adapter platform.Adapter, threadRef, sessionName, text, externalID, authorID string) {
	sess, ok := r.registry.Get(sessionName)
	if !ok {
		return
	}

	if _, err := r.store.Append(store.Message{
		SessionID:  sessionName,
		Role:       "user",
		Source:     platformName,
		Content:    text,
		Timestamp:  time.Now(),
		ExternalID: externalID,
	}); err != nil && relayerr.CodeOf(err) != relayerr.Duplicate {
		r.logger.Warn().Err(err).Str("session", sessionName).Msg("appending inbound message failed")
	}

	if err := r.exec.Inject(ctx, sess.Host, sessionName, text, true); err != nil {
		r.logger.Error().Err(err).Str("session", sessionName).Msg("inject failed")
		if adapter != nil {
			_ = adapter.Post(ctx, threadRef, "failed to deliver message to session: "+err.Error(), true)
		}
		_ = r.registry.MarkError(sessionName, relayerr.Wrap(relayerr.Unreachable, "inject failed", err))
		return
	}

	if _, err := r.registry.Upsert(registry.Observation{Name: sessionName, Event: registry.EventMsgInbound}); err != nil {
		r.logger.Warn().Err(err).Str("session", sessionName).Msg("registry upsert after inject failed")
	}

	r.bus.Publish(bus.Event{Kind: bus.MessageNew, SessionName: sessionName, Payload: map[string]any{"role": "user", "text": text, "author": authorID}})
}

func (r *Router) handleCommand(ctx context.Context, platformName string, adapter platform.Adapter, threadRef, sessionName, text string) {
	fields := strings.Fields(text)
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	if key, ok := controlCommands[cmd]; ok {
		sess, ok := r.registry.Get(sessionName)
		if !ok {
			return
		}
		if err := r.exec.InjectControlKey(ctx, sess.Host, sessionName, key); err != nil && adapter != nil {
			_ = adapter.Post(ctx, threadRef, "control key failed: "+err.Error(), true)
		}
		return
	}

	switch cmd {
	case "!new":
		r.cmdNew(ctx, platformName, adapter, threadRef, args)
	case "!kill":
		r.cmdKill(ctx, adapter, threadRef, sessionName, args)
	case "!sessions":
		r.cmdSessions(ctx, adapter, threadRef)
	default:
		if adapter != nil {
			_ = adapter.Post(ctx, threadRef, fmt.Sprintf("unknown command %q", cmd), true)
		}
	}
}

// cmdNew handles "!new <name> [host]", idempotent: creating an
// already-live session is reported, not errored out to the user.
func (r *Router) cmdNew(ctx context.Context, platformName string, adapter platform.Adapter, threadRef string, args []string) {
	if len(args) == 0 {
		if adapter != nil {
			_ = adapter.Post(ctx, threadRef, "usage: !new <name> [host]", true)
		}
		return
	}
	name := args[0]
	host := r.defaultHost
	if len(args) > 1 {
		host = args[1]
	}

	err := r.exec.CreateSession(ctx, host, name)
	if err != nil && relayerr.CodeOf(err) != relayerr.Duplicate {
		if adapter != nil {
			_ = adapter.Post(ctx, threadRef, "creating session failed: "+err.Error(), true)
		}
		return
	}

	if _, uerr := r.registry.Upsert(registry.Observation{Name: name, Host: host, Event: registry.EventSSHSeen}); uerr != nil {
		r.logger.Warn().Err(uerr).Str("session", name).Msg("registry upsert on create failed")
	}
	r.bus.Publish(bus.Event{Kind: bus.SessionCreated, SessionName: name})

	if adapter != nil {
		newRef, terr := r.ensureThreadBound(ctx, platformName, adapter, name, fmt.Sprintf("session %s created on %s", name, host))
		if terr == nil && newRef != threadRef {
			_ = adapter.Post(ctx, newRef, "session ready.", true)
		}
	}
}

func (r *Router) cmdKill(ctx context.Context, adapter platform.Adapter, threadRef, sessionName string, args []string) {
	name := sessionName
	if len(args) > 0 {
		name = args[0]
	}
	sess, ok := r.registry.Get(name)
	if !ok {
		if adapter != nil {
			_ = adapter.Post(ctx, threadRef, "no such session", true)
		}
		return
	}

	err := r.exec.KillSession(ctx, sess.Host, name)
	if err != nil && relayerr.CodeOf(err) != relayerr.NotFound {
		if adapter != nil {
			_ = adapter.Post(ctx, threadRef, "kill failed: "+err.Error(), true)
		}
		return
	}

	_, _, _ = r.registry.Transition(name, registry.EventLifecycleClose)
	r.bus.Publish(bus.Event{Kind: bus.SessionStatusChange, SessionName: name, Payload: map[string]any{"status": registry.StatusArchived}})

	if adapter != nil {
		if ref, terr := r.store.GetThreadBinding(adapter.Name(), name); terr == nil {
			_ = adapter.Archive(ctx, ref.ThreadRef)
		}
	}
}

// cmdSessions answers !sessions with one line per known session, each tagged
// with a liveness marker obtained by capturing a single line of scrollback
// from its pane (SPEC_FULL.md Part C §9 Open Question 1: capture() is used
// only for this status line and liveness checks, never the transcript of
// record) — a capture error means the multiplexer session the registry
// still tracks is gone or unreachable on its host.
func (r *Router) cmdSessions(ctx context.Context, adapter platform.Adapter, threadRef string) {
	sessions := r.registry.List(nil)
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Name < sessions[j].Name })

	var b strings.Builder
	if len(sessions) == 0 {
		b.WriteString("no sessions.")
	}
	for _, s := range sessions {
		live := "live"
		if _, err := r.exec.Capture(ctx, s.Host, s.Name, 1); err != nil {
			live = "unreachable"
		}
		fmt.Fprintf(&b, "%s [%s/%s] on %s\n", s.Name, s.Status, live, s.Host)
	}
	if adapter != nil {
		_ = adapter.Post(ctx, threadRef, b.String(), true)
	}
}

// ensureThreadBound resolves sessionName's thread, consulting the durable
// thread_bindings row before ever calling EnsureThread — an adapter's
// in-memory thread cache is preloaded at Connect, but falling through to
// this check too means a binding written by another process instance (or
// surviving a preload race) never results in a duplicate thread (spec §4.4
// find-before-create, §3 thread binding lifecycle). Only on a genuine miss
// does it call EnsureThread and persist the new binding.
func (r *Router) ensureThreadBound(ctx context.Context, platformName string, adapter platform.Adapter, sessionName, starterText string) (string, error) {
	if existing, err := r.store.GetThreadBinding(platformName, sessionName); err == nil {
		return existing.ThreadRef, nil
	}

	ref, err := adapter.EnsureThread(ctx, sessionName, starterText)
	if err != nil {
		return "", err
	}
	if serr := r.store.SaveThreadBinding(store.ThreadBinding{Platform: platformName, SessionName: sessionName, ThreadRef: ref, CreatedAt: time.Now()}); serr != nil {
		r.logger.Warn().Err(serr).Str("session", sessionName).Msg("saving thread binding failed")
	}
	return ref, nil
}

// NotifyHook is the inbound-from-hook/scraper procedure (spec §4.5): a
// transcript scrape or webhook observation for sessionName. Deduplicated
// in the Store; fresh messages are fanned out to every configured platform
// in parallel, each with its own bounded retry.
func (r *Router) NotifyHook(ctx context.Context, sessionName, role, source, text, externalID string) {
	id, err := r.store.Append(store.Message{
		SessionID:  sessionName,
		Role:       role,
		Source:     source,
		Content:    text,
		Timestamp:  time.Now(),
		ExternalID: externalID,
	})
	if err != nil {
		if relayerr.CodeOf(err) == relayerr.Duplicate {
			return
		}
		r.logger.Warn().Err(err).Str("session", sessionName).Msg("appending hook message failed")
		return
	}

	r.bus.Publish(bus.Event{Kind: bus.MessageNew, SessionName: sessionName, Payload: map[string]any{"role": role, "text": text, "message_id": id}})

	var wg sync.WaitGroup
	for name, adapter := range r.platforms {
		wg.Add(1)
		go func(platformName string, adapter platform.Adapter) {
			defer wg.Done()
			r.deliver(ctx, platformName, adapter, sessionName, text, externalID)
		}(name, adapter)
	}
	wg.Wait()
}

// deliver posts to one platform, enqueueing a durable retry on failure so
// a scheduler job can keep trying up to notifyMaxRetries across restarts.
func (r *Router) deliver(ctx context.Context, platformName string, adapter platform.Adapter, sessionName, text, externalID string) {
	ref, err := r.ensureThreadBound(ctx, platformName, adapter, sessionName, fmt.Sprintf("[agent] %s", sessionName))
	if err == nil {
		err = adapter.Post(ctx, ref, text, false)
	}
	if err == nil {
		return
	}

	r.logger.Warn().Err(err).Str("session", sessionName).Str("platform", platformName).Msg("notify failed, enqueueing retry")
	r.bus.Publish(bus.Event{Kind: bus.NotificationFailed, SessionName: sessionName, Payload: map[string]any{"platform": platformName, "error": err.Error()}})

	if qerr := r.store.EnqueueNotifyRetry(store.NotifyRetry{
		SessionName: sessionName,
		Platform:    platformName,
		Text:        text,
		ExternalID:  externalID,
		Attempt:     1,
		NextRetryAt: time.Now().Add(retryBaseDelay),
		LastError:   err.Error(),
	}); qerr != nil {
		r.logger.Error().Err(qerr).Str("session", sessionName).Msg("persisting notify retry failed")
	}
}

// RetryDue is invoked by the scheduler's notify-retry job. It attempts
// every due retry once more, re-enqueueing with backoff on failure up to
// notifyMaxRetries, after which the retry is resolved (abandoned) and
// logged loudly rather than retried forever.
func (r *Router) RetryDue(ctx context.Context, limit int) {
	due, err := r.store.DueNotifyRetries(limit)
	if err != nil {
		r.logger.Warn().Err(err).Msg("listing due notify retries failed")
		return
	}

	for _, n := range due {
		adapter, ok := r.platforms[n.Platform]
		if !ok {
			_ = r.store.ResolveNotifyRetry(n.ID)
			continue
		}

		ref, err := r.ensureThreadBound(ctx, n.Platform, adapter, n.SessionName, fmt.Sprintf("[agent] %s", n.SessionName))
		if err == nil {
			err = adapter.Post(ctx, ref, n.Text, false)
		}
		if err == nil {
			_ = r.store.ResolveNotifyRetry(n.ID)
			continue
		}

		if n.Attempt >= r.notifyMaxRetries {
			r.logger.Error().Str("session", n.SessionName).Str("platform", n.Platform).Int("attempts", n.Attempt).Msg("notify retry exhausted, abandoning")
			_ = r.store.ResolveNotifyRetry(n.ID)
			continue
		}

		backoff := retryBaseDelay * time.Duration(1<<uint(n.Attempt))
		if serr := r.store.EnqueueNotifyRetry(store.NotifyRetry{
			ID:          n.ID,
			SessionName: n.SessionName,
			Platform:    n.Platform,
			Text:        n.Text,
			ExternalID:  n.ExternalID,
			Attempt:     n.Attempt + 1,
			NextRetryAt: time.Now().Add(backoff),
			LastError:   err.Error(),
			CreatedAt:   n.CreatedAt,
		}); serr != nil {
			r.logger.Error().Err(serr).Str("session", n.SessionName).Msg("re-enqueueing notify retry failed")
		}
	}
}
