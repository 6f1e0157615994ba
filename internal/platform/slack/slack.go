// Package slack implements the Slack half of the Platform Adapter contract
// (spec §4.4) over Socket Mode, grounded on the reference's internal/slack
// and internal/bridge packages but generalized from "forward to a bridge"
// to "satisfy platform.Adapter" and retargeted at session threads instead
// of approval/project messages.
package slack

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/jiunbae/aily/internal/platform"
	"github.com/jiunbae/aily/internal/relayerr"
)

// pingInterval/missThreshold implement the 25s ping / 3-miss dead-connection
// rule (spec §4.4), tracked independently of the socketmode library's own
// reconnect handling.
const (
	pingInterval  = 25 * time.Second
	missThreshold = 3
)

// API is the subset of the Slack client the adapter needs, restricted to
// safe, allowlisted write operations — the same shape the reference's
// SafeSlackClient exposes.
type API interface {
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
	UpdateMessage(channelID, timestamp string, options ...slackapi.MsgOption) (string, string, string, error)
	AddReaction(name string, item slackapi.ItemRef) error
}

// Adapter is the Slack Platform Adapter.
type Adapter struct {
	api       API
	socket    *socketmode.Client
	channelID string
	handler   platform.InboundHandler
	nameLock  *platform.NameLock
	logger    zerolog.Logger

	mu          sync.RWMutex
	threadBySes map[string]string // session name -> thread ts
	sesByThread map[string]string // thread ts -> session name

	lastEventAt  time.Time
	lastEventMu  sync.Mutex
	stopWatchdog chan struct{}
}

// NewAdapter creates a Slack adapter. socket may be nil in tests that only
// exercise EnsureThread/Post/Archive/Delete against a fake API.
func NewAdapter(api API, socket *socketmode.Client, channelID string, handler platform.InboundHandler, logger zerolog.Logger) *Adapter {
	return &Adapter{
		api:         api,
		socket:      socket,
		channelID:   channelID,
		handler:     handler,
		nameLock:    platform.NewNameLock(),
		logger:      logger.With().Str("component", "platform.slack").Logger(),
		threadBySes: make(map[string]string),
		sesByThread: make(map[string]string),
	}
}

func (a *Adapter) Name() string { return "slack" }

// Preload warm-starts threadBySes/sesByThread from bindings keyed by session
// name, so inbound messages on threads created in a prior run are still
// recognized and EnsureThread doesn't create a duplicate thread after a
// restart. Call before Connect.
func (a *Adapter) Preload(bindings map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for sessionName, ref := range bindings {
		a.threadBySes[sessionName] = ref
		a.sesByThread[ref] = sessionName
	}
}

// Connect starts the Socket Mode event loop and the independent ping
// watchdog. A nil socket (tests) makes this a no-op beyond bookkeeping.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	a.stopWatchdog = make(chan struct{})
	a.mu.Unlock()

	if a.socket != nil {
		go func() {
			for evt := range a.socket.Events {
				a.touch()
				a.HandleSocketEvent(ctx, evt)
			}
		}()
		go func() {
			if err := a.socket.RunContext(ctx); err != nil {
				a.logger.Warn().Err(err).Msg("socket mode run exited")
			}
		}()
	}

	go a.watchdog(ctx)
	return nil
}

// Disconnect stops the watchdog; the Socket Mode loop exits when ctx (passed
// to Connect) is cancelled.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopWatchdog != nil {
		close(a.stopWatchdog)
		a.stopWatchdog = nil
	}
	return nil
}

func (a *Adapter) touch() {
	a.lastEventMu.Lock()
	a.lastEventAt = time.Now()
	a.lastEventMu.Unlock()
}

// watchdog tracks the 25s ping / 3-miss dead-connection rule independently
// of socketmode's own keepalive, logging when the connection looks dead so
// callers relying on health checks see it reflected.
func (a *Adapter) watchdog(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	misses := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.watchdogStop():
			return
		case <-ticker.C:
			a.lastEventMu.Lock()
			stale := time.Since(a.lastEventAt) > pingInterval
			a.lastEventMu.Unlock()
			if stale {
				misses++
			} else {
				misses = 0
			}
			if misses >= missThreshold {
				a.logger.Warn().Msg("slack connection considered dead after 3 missed pings")
				misses = 0
			}
		}
	}
}

func (a *Adapter) watchdogStop() chan struct{} {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.stopWatchdog
}

// EnsureThread finds or creates the `[agent] <session>` thread for
// sessionName, posting starterText and a welcome reply when creating one.
// At most one call per session name is in flight at a time.
func (a *Adapter) EnsureThread(ctx context.Context, sessionName, starterText string) (string, error) {
	release, err := a.nameLock.Acquire(ctx, sessionName)
	if err != nil {
		return "", relayerr.Wrap(relayerr.Cancelled, "acquiring thread lock", err)
	}
	defer release()

	a.mu.RLock()
	if ref, ok := a.threadBySes[sessionName]; ok {
		a.mu.RUnlock()
		return ref, nil
	}
	a.mu.RUnlock()

	title := fmt.Sprintf("[agent] %s", sessionName)
	_, ts, err := a.api.PostMessage(a.channelID, slackapi.MsgOptionText(starterText, false))
	if err != nil {
		return "", translateErr(err)
	}

	welcome := fmt.Sprintf("%s\nCommands: `!kill` `!sessions` `!c` `!d` `!z` `!q` `!enter` `!esc`, or just type to inject.", title)
	if _, _, err := a.api.PostMessage(a.channelID, slackapi.MsgOptionText(welcome, false), slackapi.MsgOptionTS(ts)); err != nil {
		a.logger.Warn().Err(err).Msg("posting welcome message failed")
	}

	a.mu.Lock()
	a.threadBySes[sessionName] = ts
	a.sesByThread[ts] = sessionName
	a.mu.Unlock()

	return ts, nil
}

// Post sends text to threadRef, splitting across the Slack message-size
// ceiling, honouring Retry-After on rate limiting with a single retry.
func (a *Adapter) Post(ctx context.Context, threadRef, text string, raw bool) error {
	if !raw {
		text = "```\n" + text + "\n```"
	}
	for _, chunk := range platform.SplitForWire(text, platform.SlackCeiling) {
		if err := a.postChunk(ctx, threadRef, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) postChunk(ctx context.Context, threadRef, chunk string) error {
	_, _, err := a.api.PostMessage(a.channelID, slackapi.MsgOptionText(chunk, false), slackapi.MsgOptionTS(threadRef))
	if err == nil {
		return nil
	}
	if rle, ok := err.(*slackapi.RateLimitedError); ok {
		select {
		case <-time.After(rle.RetryAfter):
		case <-ctx.Done():
			return relayerr.Wrap(relayerr.Cancelled, "waiting out rate limit", ctx.Err())
		}
		_, _, err = a.api.PostMessage(a.channelID, slackapi.MsgOptionText(chunk, false), slackapi.MsgOptionTS(threadRef))
		if err != nil {
			return translateErr(err)
		}
		return nil
	}
	return translateErr(err)
}

// Archive posts a closing notice and adds a marker reaction — Slack has no
// native thread archive (spec §9 Open Question decision).
func (a *Adapter) Archive(ctx context.Context, threadRef string) error {
	_, _, err := a.api.PostMessage(a.channelID, slackapi.MsgOptionText("session closed.", false), slackapi.MsgOptionTS(threadRef))
	if err != nil {
		return translateErr(err)
	}
	if err := a.api.AddReaction("white_check_mark", slackapi.NewRefToMessage(a.channelID, threadRef)); err != nil {
		a.logger.Warn().Err(err).Msg("adding archive marker reaction failed")
	}
	return nil
}

// Delete is identical to Archive at the platform level (Slack can't hard
// delete a thread's history); THREAD_CLEANUP=delete's distinct behaviour is
// removing the thread_binding row, which the scheduler's orphan reaper does
// at the store layer regardless of platform (spec §9 Open Question decision).
func (a *Adapter) Delete(ctx context.Context, threadRef string) error {
	return a.Archive(ctx, threadRef)
}

// HandleSocketEvent routes one Socket Mode event, acking within Slack's 3s
// window and dispatching user-authored thread messages to the handler.
// Exported so tests can drive it without a live socket.
func (a *Adapter) HandleSocketEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		if a.socket != nil && evt.Request != nil {
			a.socket.Ack(*evt.Request)
		}
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if eventsAPIEvent.Type == slackevents.CallbackEvent {
			a.handleCallbackEvent(ctx, eventsAPIEvent.InnerEvent)
		}
	default:
		a.logger.Debug().Str("type", string(evt.Type)).Msg("unhandled socket mode event")
	}
}

func (a *Adapter) handleCallbackEvent(ctx context.Context, inner slackevents.EventsAPIInnerEvent) {
	ev, ok := inner.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}
	if ev.User == "" || ev.SubType != "" {
		return
	}
	if ev.ThreadTimeStamp == "" {
		return
	}

	a.mu.RLock()
	_, tracked := a.sesByThread[ev.ThreadTimeStamp]
	a.mu.RUnlock()
	if !tracked {
		return
	}

	if a.handler != nil {
		a.handler.OnInbound(ctx, a.Name(), ev.ThreadTimeStamp, ev.User, ev.Text, ev.TimeStamp)
	}
}

func translateErr(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "not_in_channel") || strings.Contains(err.Error(), "channel_not_found") {
		return relayerr.Wrap(relayerr.NotFound, "slack channel unavailable", err)
	}
	return relayerr.Wrap(relayerr.ProtocolError, "slack api error", err)
}
