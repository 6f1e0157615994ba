// Package discord implements the Discord half of the Platform Adapter
// contract (spec §4.4) over discordgo's gateway, mirroring the shape of
// internal/platform/slack but using Discord's native thread archive
// instead of a closing-message-plus-reaction convention.
package discord

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/jiunbae/aily/internal/platform"
	"github.com/jiunbae/aily/internal/relayerr"
)

const (
	pingInterval  = 25 * time.Second
	missThreshold = 3
)

// API is the subset of discordgo's *Session the adapter needs.
type API interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	MessageThreadStartComplex(channelID, messageID string, data *discordgo.ThreadStart, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelEditComplex(channelID string, data *discordgo.ChannelEdit, options ...discordgo.RequestOption) (*discordgo.Channel, error)
}

// Adapter is the Discord Platform Adapter.
type Adapter struct {
	api       API
	session   *discordgo.Session
	channelID string
	handler   platform.InboundHandler
	nameLock  *platform.NameLock
	logger    zerolog.Logger

	mu          sync.RWMutex
	threadBySes map[string]string
	sesByThread map[string]string

	lastEventAt  time.Time
	lastEventMu  sync.Mutex
	stopWatchdog chan struct{}
}

// NewAdapter creates a Discord adapter. session may be nil in tests that
// only exercise EnsureThread/Post/Archive/Delete against a fake API.
func NewAdapter(api API, session *discordgo.Session, channelID string, handler platform.InboundHandler, logger zerolog.Logger) *Adapter {
	return &Adapter{
		api:         api,
		session:     session,
		channelID:   channelID,
		handler:     handler,
		nameLock:    platform.NewNameLock(),
		logger:      logger.With().Str("component", "platform.discord").Logger(),
		threadBySes: make(map[string]string),
		sesByThread: make(map[string]string),
	}
}

func (a *Adapter) Name() string { return "discord" }

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

// Connect registers the inbound handler on the gateway session and starts
// the ping watchdog. A nil session (tests) makes this a bookkeeping no-op.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	a.stopWatchdog = make(chan struct{})
	a.mu.Unlock()

	if a.session != nil {
		a.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
			a.touch()
			a.handleMessageCreate(ctx, m)
		})
		if err := a.session.Open(); err != nil {
			return relayerr.Wrap(relayerr.Unreachable, "opening discord gateway", err)
		}
	}

	go a.watchdog(ctx)
	return nil
}

// Disconnect closes the gateway connection and stops the watchdog.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	if a.stopWatchdog != nil {
		close(a.stopWatchdog)
		a.stopWatchdog = nil
	}
	a.mu.Unlock()

	if a.session != nil {
		return a.session.Close()
	}
	return nil
}

func (a *Adapter) touch() {
	a.lastEventMu.Lock()
	a.lastEventAt = time.Now()
	a.lastEventMu.Unlock()
}

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
				a.logger.Warn().Msg("discord connection considered dead after 3 missed pings")
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

// EnsureThread finds or creates the `agent-<session>` thread for
// sessionName, reopening it (via ChannelEditComplex) if it had been
// archived. At most one call per session name is in flight at a time.
func (a *Adapter) EnsureThread(ctx context.Context, sessionName, starterText string) (string, error) {
	release, err := a.nameLock.Acquire(ctx, sessionName)
	if err != nil {
		return "", relayerr.Wrap(relayerr.Cancelled, "acquiring thread lock", err)
	}
	defer release()

	a.mu.RLock()
	ref, known := a.threadBySes[sessionName]
	a.mu.RUnlock()
	if known {
		archived := false
		if _, err := a.api.ChannelEditComplex(ref, &discordgo.ChannelEdit{Archived: &archived}); err != nil {
			a.logger.Warn().Err(err).Str("session", sessionName).Msg("reopening thread failed")
		}
		return ref, nil
	}

	starter, err := a.api.ChannelMessageSend(a.channelID, starterText)
	if err != nil {
		return "", translateErr(err)
	}

	name := fmt.Sprintf("agent-%s", sessionName)
	thread, err := a.api.MessageThreadStartComplex(a.channelID, starter.ID, &discordgo.ThreadStart{
		Name:                name,
		AutoArchiveDuration: 60,
		Type:                discordgo.ChannelTypeGuildPublicThread,
		Invitable:           false,
	})
	if err != nil {
		return "", translateErr(err)
	}

	welcome := "Commands: `!kill` `!sessions` `!c` `!d` `!z` `!q` `!enter` `!esc`, or just type to inject."
	if _, err := a.api.ChannelMessageSend(thread.ID, welcome); err != nil {
		a.logger.Warn().Err(err).Msg("posting welcome message failed")
	}

	a.mu.Lock()
	a.threadBySes[sessionName] = thread.ID
	a.sesByThread[thread.ID] = sessionName
	a.mu.Unlock()

	return thread.ID, nil
}

// Post sends text to threadRef, splitting across Discord's message-size
// ceiling.
func (a *Adapter) Post(ctx context.Context, threadRef, text string, raw bool) error {
	if !raw {
		text = "```\n" + text + "\n```"
	}
	for _, chunk := range platform.SplitForWire(text, platform.DiscordCeiling) {
		if _, err := a.api.ChannelMessageSend(threadRef, chunk); err != nil {
			return translateErr(err)
		}
	}
	return nil
}

// Archive uses Discord's native thread archive.
func (a *Adapter) Archive(ctx context.Context, threadRef string) error {
	archived := true
	if _, err := a.api.ChannelEditComplex(threadRef, &discordgo.ChannelEdit{Archived: &archived}); err != nil {
		return translateErr(err)
	}
	return nil
}

// Delete locks and archives the thread; the thread and its messages are not
// removed from Discord.
func (a *Adapter) Delete(ctx context.Context, threadRef string) error {
	locked := true
	if _, err := a.api.ChannelEditComplex(threadRef, &discordgo.ChannelEdit{Archived: &locked, Locked: &locked}); err != nil {
		return translateErr(err)
	}
	return nil
}

func (a *Adapter) handleMessageCreate(ctx context.Context, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}

	a.mu.RLock()
	_, tracked := a.sesByThread[m.ChannelID]
	a.mu.RUnlock()
	if !tracked {
		return
	}

	if a.handler != nil {
		a.handler.OnInbound(ctx, a.Name(), m.ChannelID, m.Author.ID, m.Content, m.ID)
	}
}

func translateErr(err error) error {
	if err == nil {
		return nil
	}
	if rerr, ok := err.(*discordgo.RESTError); ok && rerr.Response != nil {
		switch rerr.Response.StatusCode {
		case 404:
			return relayerr.Wrap(relayerr.NotFound, "discord resource missing", err)
		case 429:
			return relayerr.Wrap(relayerr.RateLimited, "discord rate limited", err)
		}
	}
	return relayerr.Wrap(relayerr.ProtocolError, "discord api error", err)
}
