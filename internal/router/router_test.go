package router

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jiunbae/aily/internal/bus"
	"github.com/jiunbae/aily/internal/hostexec"
	"github.com/jiunbae/aily/internal/platform"
	"github.com/jiunbae/aily/internal/registry"
	"github.com/jiunbae/aily/internal/store"
)

type fakeExecutor struct {
	mu         sync.Mutex
	sessions   map[string]bool
	injected   []string
	controls   []hostexec.ControlKey
	injectErr  error
	captureErr map[string]error
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{sessions: make(map[string]bool)}
}

func (f *fakeExecutor) CreateSession(ctx context.Context, host, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[name] = true
	return nil
}

func (f *fakeExecutor) KillSession(ctx context.Context, host, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, name)
	return nil
}

func (f *fakeExecutor) ListSessions(ctx context.Context, host string) (map[string]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]struct{})
	for n := range f.sessions {
		out[n] = struct{}{}
	}
	return out, nil
}

func (f *fakeExecutor) Inject(ctx context.Context, host, name, payload string, submit bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.injectErr != nil {
		return f.injectErr
	}
	f.injected = append(f.injected, payload)
	return nil
}

func (f *fakeExecutor) InjectControlKey(ctx context.Context, host, name string, key hostexec.ControlKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controls = append(f.controls, key)
	return nil
}

func (f *fakeExecutor) Capture(ctx context.Context, host, name string, lines int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.captureErr[name]; err != nil {
		return "", err
	}
	return "", nil
}

type fakeAdapter struct {
	mu       sync.Mutex
	name     string
	threads  map[string]string
	posts    []string
	archived []string
	postErr  error
}

func newFakeAdapter(name string) *fakeAdapter {
	return &fakeAdapter{name: name, threads: make(map[string]string)}
}

func (a *fakeAdapter) Name() string                     { return a.name }
func (a *fakeAdapter) Connect(ctx context.Context) error { return nil }
func (a *fakeAdapter) Disconnect() error                 { return nil }

func (a *fakeAdapter) EnsureThread(ctx context.Context, sessionName, starterText string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ref, ok := a.threads[sessionName]; ok {
		return ref, nil
	}
	ref := "thread-" + sessionName
	a.threads[sessionName] = ref
	return ref, nil
}

func (a *fakeAdapter) Post(ctx context.Context, threadRef, text string, raw bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.postErr != nil {
		return a.postErr
	}
	a.posts = append(a.posts, text)
	return nil
}

func (a *fakeAdapter) Archive(ctx context.Context, threadRef string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.archived = append(a.archived, threadRef)
	return nil
}

func (a *fakeAdapter) Delete(ctx context.Context, threadRef string) error {
	return a.Archive(ctx, threadRef)
}

func newTestRouter(t *testing.T) (*Router, *store.Store, *registry.Registry, *fakeExecutor, *fakeAdapter) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "aily.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg, err := registry.New(st, zerolog.Nop(), nil, 0)
	require.NoError(t, err)

	b := bus.New(zerolog.Nop())
	exec := newFakeExecutor()
	adapter := newFakeAdapter("slack")

	r := New(st, reg, b, exec, map[string]platform.Adapter{"slack": adapter}, "dev", 2, zerolog.Nop())
	return r, st, reg, exec, adapter
}

func TestNotifyHookCreatesThreadAndPosts(t *testing.T) {
	r, _, reg, _, adapter := newTestRouter(t)
	_, err := reg.Upsert(registry.Observation{Name: "work1", Host: "dev", Event: registry.EventSSHSeen})
	require.NoError(t, err)

	r.NotifyHook(context.Background(), "work1", "assistant", "tmux", "hello from agent", "ext-1")

	require.Len(t, adapter.posts, 1)
	assert.Equal(t, "hello from agent", adapter.posts[0])
}

func TestNotifyHookDedupesByExternalID(t *testing.T) {
	r, _, reg, _, adapter := newTestRouter(t)
	_, err := reg.Upsert(registry.Observation{Name: "work1", Host: "dev", Event: registry.EventSSHSeen})
	require.NoError(t, err)

	r.NotifyHook(context.Background(), "work1", "assistant", "tmux", "hello", "ext-1")
	r.NotifyHook(context.Background(), "work1", "assistant", "tmux", "hello", "ext-1")

	assert.Len(t, adapter.posts, 1, "duplicate external_id must not post twice")
}

func TestNotifyHookEnqueuesRetryOnPostFailure(t *testing.T) {
	r, st, reg, _, adapter := newTestRouter(t)
	_, err := reg.Upsert(registry.Observation{Name: "work1", Host: "dev", Event: registry.EventSSHSeen})
	require.NoError(t, err)
	adapter.postErr = assertErr{"platform down"}

	r.NotifyHook(context.Background(), "work1", "assistant", "tmux", "hello", "ext-1")

	due, err := st.DueNotifyRetries(10)
	require.NoError(t, err)
	require.Empty(t, due, "retry is scheduled for the future, not immediately due")

	var pending int
	require.NoError(t, st.DB().QueryRow(`SELECT COUNT(*) FROM notify_retries WHERE resolved_at IS NULL`).Scan(&pending))
	assert.Equal(t, 1, pending, "one retry row is persisted for the failed platform")
}

func TestOnInboundBareTextInjectsTwoStep(t *testing.T) {
	r, st, reg, exec, adapter := newTestRouter(t)
	_, err := reg.Upsert(registry.Observation{Name: "work1", Host: "dev", Event: registry.EventSSHSeen})
	require.NoError(t, err)
	require.NoError(t, st.SaveThreadBinding(store.ThreadBinding{Platform: "slack", SessionName: "work1", ThreadRef: "t1", CreatedAt: time.Now()}))

	r.OnInbound(context.Background(), "slack", "t1", "U1", "hello agent", "m1")

	require.Len(t, exec.injected, 1)
	assert.Equal(t, "hello agent", exec.injected[0])
	assert.Empty(t, adapter.posts)
}

func TestOnInboundControlCommandBypassesInject(t *testing.T) {
	r, st, reg, exec, _ := newTestRouter(t)
	_, err := reg.Upsert(registry.Observation{Name: "work1", Host: "dev", Event: registry.EventSSHSeen})
	require.NoError(t, err)
	require.NoError(t, st.SaveThreadBinding(store.ThreadBinding{Platform: "slack", SessionName: "work1", ThreadRef: "t1", CreatedAt: time.Now()}))

	r.OnInbound(context.Background(), "slack", "t1", "U1", "!c", "m1")

	require.Len(t, exec.controls, 1)
	assert.Equal(t, hostexec.KeyInterrupt, exec.controls[0])
	assert.Empty(t, exec.injected)
}

func TestOnInboundUnboundThreadIsDropped(t *testing.T) {
	r, _, _, exec, _ := newTestRouter(t)
	r.OnInbound(context.Background(), "slack", "unknown", "U1", "hello", "m1")
	assert.Empty(t, exec.injected)
}

func TestCmdNewCreatesSessionAndThread(t *testing.T) {
	r, _, _, exec, adapter := newTestRouter(t)

	r.cmdNew(context.Background(), "slack", adapter, "t0", []string{"work2", "dev"})

	exec.mu.Lock()
	created := exec.sessions["work2"]
	exec.mu.Unlock()
	assert.True(t, created)
	assert.NotEmpty(t, adapter.posts)
}

func TestCmdKillArchivesThread(t *testing.T) {
	r, st, reg, exec, adapter := newTestRouter(t)
	_, err := reg.Upsert(registry.Observation{Name: "work1", Host: "dev", Event: registry.EventSSHSeen})
	require.NoError(t, err)
	require.NoError(t, st.SaveThreadBinding(store.ThreadBinding{Platform: "slack", SessionName: "work1", ThreadRef: "t1", CreatedAt: time.Now()}))
	exec.sessions["work1"] = true

	r.cmdKill(context.Background(), adapter, "t1", "work1", nil)

	exec.mu.Lock()
	_, stillExists := exec.sessions["work1"]
	exec.mu.Unlock()
	assert.False(t, stillExists)
	assert.Len(t, adapter.archived, 1)

	sess, ok := reg.Get("work1")
	require.True(t, ok)
	assert.Equal(t, registry.StatusArchived, sess.Status)
}

func TestCmdSessionsListsAll(t *testing.T) {
	r, _, reg, _, adapter := newTestRouter(t)
	_, err := reg.Upsert(registry.Observation{Name: "work1", Host: "dev", Event: registry.EventSSHSeen})
	require.NoError(t, err)

	r.cmdSessions(context.Background(), adapter, "t1")

	require.Len(t, adapter.posts, 1)
	assert.Contains(t, adapter.posts[0], "work1")
	assert.Contains(t, adapter.posts[0], "live")
}

func TestCmdSessionsMarksUnreachableOnCaptureError(t *testing.T) {
	r, _, reg, fe, adapter := newTestRouter(t)
	_, err := reg.Upsert(registry.Observation{Name: "work1", Host: "dev", Event: registry.EventSSHSeen})
	require.NoError(t, err)
	fe.captureErr = map[string]error{"work1": assertErr{msg: "no such session"}}

	r.cmdSessions(context.Background(), adapter, "t1")

	require.Len(t, adapter.posts, 1)
	assert.Contains(t, adapter.posts[0], "unreachable")
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
