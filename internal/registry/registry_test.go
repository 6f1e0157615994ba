package registry

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jiunbae/aily/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, *store.Store) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "aily.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	r, err := New(st, zerolog.Nop(), nil, 0)
	require.NoError(t, err)
	return r, st
}

func TestUpsertCreatesActiveOnSSHSeen(t *testing.T) {
	r, _ := newTestRegistry(t)

	s, err := r.Upsert(Observation{Name: "work", Host: "box1", Event: EventSSHSeen})
	require.NoError(t, err)
	assert.Equal(t, StatusActive, s.Status)
	assert.Equal(t, "box1", s.Host)
}

func TestUpsertCreatesOrphanedWithoutSSH(t *testing.T) {
	r, _ := newTestRegistry(t)

	s, err := r.Upsert(Observation{Name: "work"})
	require.NoError(t, err)
	assert.Equal(t, StatusOrphaned, s.Status)
}

func TestTransitionTable(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Upsert(Observation{Name: "work", Event: EventSSHSeen})
	require.NoError(t, err)

	old, new, err := r.Transition("work", EventAskQuestion)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, old)
	assert.Equal(t, StatusWaiting, new)

	old, new, err = r.Transition("work", EventLifecycleClose)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, old)
	assert.Equal(t, StatusArchived, new)

	// archived is terminal
	old, new, err = r.Transition("work", EventSSHSeen)
	require.NoError(t, err)
	assert.Equal(t, StatusArchived, old)
	assert.Equal(t, StatusArchived, new)
}

func TestTransitionUnknownSession(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, _, err := r.Transition("ghost", EventSSHSeen)
	assert.Error(t, err)
}

func TestIdleDerivedOnRead(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Upsert(Observation{Name: "work", Event: EventSSHSeen})
	require.NoError(t, err)

	r.mu.Lock()
	r.sessions["work"].LastActivityAt = time.Now().Add(-20 * time.Minute)
	r.mu.Unlock()

	s, ok := r.Get("work")
	require.True(t, ok)
	assert.Equal(t, StatusIdle, s.Status)
}

func TestOrphanedIgnoresMsgInboundTransitionToActive(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Upsert(Observation{Name: "work"}) // orphaned
	require.NoError(t, err)

	old, new, err := r.Transition("work", EventMsgInbound)
	require.NoError(t, err)
	assert.Equal(t, StatusOrphaned, old)
	assert.Equal(t, StatusOrphaned, new)
}

func TestWarmStartFromStore(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "aily.db"), zerolog.Nop())
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.SaveSession(store.SessionRow{
		Name: "work", Host: "box1", AgentType: "claude", Status: "active",
		CreatedAt: time.Now(), LastActivityAt: time.Now(),
	}))

	r, err := New(st, zerolog.Nop(), nil, 0)
	require.NoError(t, err)

	s, ok := r.Get("work")
	require.True(t, ok)
	assert.Equal(t, "box1", s.Host)
}

func TestSweepIdleUsesConfiguredThreshold(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "aily.db"), zerolog.Nop())
	require.NoError(t, err)
	defer st.Close()

	r, err := New(st, zerolog.Nop(), nil, 5*time.Millisecond)
	require.NoError(t, err)

	_, err = r.Upsert(Observation{Name: "work", Host: "box1", Event: EventSSHSeen})
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	demoted := r.SweepIdle()
	require.Equal(t, []string{"work"}, demoted)

	s, ok := r.Get("work")
	require.True(t, ok)
	assert.Equal(t, StatusIdle, s.Status)
}

func TestListFilter(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Upsert(Observation{Name: "a", Event: EventSSHSeen})
	require.NoError(t, err)
	_, err = r.Upsert(Observation{Name: "b"})
	require.NoError(t, err)

	active := r.List(func(s *Session) bool { return s.Status == StatusActive })
	require.Len(t, active, 1)
	assert.Equal(t, "a", active[0].Name)
}

func TestOnTransitionCallback(t *testing.T) {
	var gotOld, gotNew Status
	var gotName string

	st, err := store.New(filepath.Join(t.TempDir(), "aily.db"), zerolog.Nop())
	require.NoError(t, err)
	defer st.Close()

	r, err := New(st, zerolog.Nop(), func(name string, old, new Status) {
		gotName, gotOld, gotNew = name, old, new
	}, 0)
	require.NoError(t, err)

	_, err = r.Upsert(Observation{Name: "work", Event: EventSSHSeen})
	require.NoError(t, err)
	_, _, err = r.Transition("work", EventAskQuestion)
	require.NoError(t, err)

	assert.Equal(t, "work", gotName)
	assert.Equal(t, StatusActive, gotOld)
	assert.Equal(t, StatusWaiting, gotNew)
}
