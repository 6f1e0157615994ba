package discord

import (
	"context"
	"strconv"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jiunbae/aily/internal/platform"
)

type fakeAPI struct {
	sends     []string
	threads   []string
	edits     []*discordgo.ChannelEdit
	nextID    int
	sendErr   error
	threadErr error
}

func (f *fakeAPI) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.nextID++
	f.sends = append(f.sends, content)
	return &discordgo.Message{ID: strconv.Itoa(f.nextID), ChannelID: channelID}, nil
}

func (f *fakeAPI) MessageThreadStartComplex(channelID, messageID string, data *discordgo.ThreadStart, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	if f.threadErr != nil {
		return nil, f.threadErr
	}
	f.nextID++
	id := strconv.Itoa(f.nextID)
	f.threads = append(f.threads, id)
	return &discordgo.Channel{ID: id, Name: data.Name}, nil
}

func (f *fakeAPI) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return f.ChannelMessageSend(channelID, data.Content)
}

func (f *fakeAPI) ChannelEditComplex(channelID string, data *discordgo.ChannelEdit, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	f.edits = append(f.edits, data)
	return &discordgo.Channel{ID: channelID}, nil
}

type fakeHandler struct {
	calls []string
}

func (f *fakeHandler) OnInbound(ctx context.Context, plat, threadRef, authorID, text, externalID string) {
	f.calls = append(f.calls, text)
}

func newTestAdapter(api API) *Adapter {
	return NewAdapter(api, nil, "C123", &fakeHandler{}, zerolog.Nop())
}

func TestEnsureThreadCreatesOnFirstCall(t *testing.T) {
	api := &fakeAPI{}
	a := newTestAdapter(api)

	ref, err := a.EnsureThread(context.Background(), "work1", "starting session work1")
	require.NoError(t, err)
	assert.NotEmpty(t, ref)
	assert.Len(t, api.sends, 2, "starter message plus welcome reply")
	assert.Len(t, api.threads, 1)
}

func TestEnsureThreadReopensArchivedOnCacheHit(t *testing.T) {
	api := &fakeAPI{}
	a := newTestAdapter(api)

	ref1, err := a.EnsureThread(context.Background(), "work1", "starting")
	require.NoError(t, err)

	ref2, err := a.EnsureThread(context.Background(), "work1", "starting again")
	require.NoError(t, err)

	assert.Equal(t, ref1, ref2)
	require.Len(t, api.edits, 1)
	require.NotNil(t, api.edits[0].Archived)
	assert.False(t, *api.edits[0].Archived)
}

func TestPostSplitsAcrossCeiling(t *testing.T) {
	api := &fakeAPI{}
	a := newTestAdapter(api)

	long := strings.Repeat("x", platform.DiscordCeiling*2)
	err := a.Post(context.Background(), "thread1", long, true)
	require.NoError(t, err)
	assert.Greater(t, len(api.sends), 1)
}

func TestArchiveSetsArchivedFlag(t *testing.T) {
	api := &fakeAPI{}
	a := newTestAdapter(api)

	err := a.Archive(context.Background(), "thread1")
	require.NoError(t, err)
	require.Len(t, api.edits, 1)
	require.NotNil(t, api.edits[0].Archived)
	assert.True(t, *api.edits[0].Archived)
}

func TestDeleteLocksAndArchives(t *testing.T) {
	api := &fakeAPI{}
	a := newTestAdapter(api)

	err := a.Delete(context.Background(), "thread1")
	require.NoError(t, err)
	require.Len(t, api.edits, 1)
	assert.True(t, *api.edits[0].Locked)
	assert.True(t, *api.edits[0].Archived)
}

func TestHandleMessageCreateDispatchesTrackedThread(t *testing.T) {
	api := &fakeAPI{}
	handler := &fakeHandler{}
	a := NewAdapter(api, nil, "C123", handler, zerolog.Nop())

	ref, err := a.EnsureThread(context.Background(), "work1", "starting")
	require.NoError(t, err)

	a.handleMessageCreate(context.Background(), &discordgo.MessageCreate{Message: &discordgo.Message{
		ChannelID: ref,
		Content:   "hello agent",
		Author:    &discordgo.User{ID: "U1", Bot: false},
		ID:        "m1",
	}})

	require.Len(t, handler.calls, 1)
	assert.Equal(t, "hello agent", handler.calls[0])
}

func TestHandleMessageCreateIgnoresBots(t *testing.T) {
	api := &fakeAPI{}
	handler := &fakeHandler{}
	a := NewAdapter(api, nil, "C123", handler, zerolog.Nop())

	ref, err := a.EnsureThread(context.Background(), "work1", "starting")
	require.NoError(t, err)

	a.handleMessageCreate(context.Background(), &discordgo.MessageCreate{Message: &discordgo.Message{
		ChannelID: ref,
		Content:   "hello",
		Author:    &discordgo.User{ID: "BOT1", Bot: true},
	}})

	assert.Empty(t, handler.calls)
}

func TestHandleMessageCreateIgnoresUntrackedChannel(t *testing.T) {
	api := &fakeAPI{}
	handler := &fakeHandler{}
	a := NewAdapter(api, nil, "C123", handler, zerolog.Nop())

	a.handleMessageCreate(context.Background(), &discordgo.MessageCreate{Message: &discordgo.Message{
		ChannelID: "unknown-thread",
		Content:   "hello",
		Author:    &discordgo.User{ID: "U1"},
	}})

	assert.Empty(t, handler.calls)
}

func TestName(t *testing.T) {
	a := newTestAdapter(&fakeAPI{})
	assert.Equal(t, "discord", a.Name())
}
