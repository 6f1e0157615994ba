package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jiunbae/aily/internal/bus"
	"github.com/jiunbae/aily/internal/registry"
	"github.com/jiunbae/aily/internal/relayerr"
	"github.com/jiunbae/aily/internal/store"
)

type fakeExecutor struct {
	created []string
	killed  []string
	injects []string
	failNew bool
}

func (f *fakeExecutor) CreateSession(ctx context.Context, host, name string) error {
	if f.failNew {
		return relayerr.New(relayerr.Unreachable, "host unreachable")
	}
	f.created = append(f.created, name)
	return nil
}

func (f *fakeExecutor) KillSession(ctx context.Context, host, name string) error {
	f.killed = append(f.killed, name)
	return nil
}

func (f *fakeExecutor) Inject(ctx context.Context, host, name, payload string, submit bool) error {
	f.injects = append(f.injects, name+":"+payload)
	return nil
}

type fakeScraper struct {
	scraped []string
}

func (f *fakeScraper) Scrape(ctx context.Context, host, sessionName, agentType string) error {
	f.scraped = append(f.scraped, sessionName)
	return nil
}

type fakeNotifier struct {
	hooks []string
}

func (f *fakeNotifier) NotifyHook(ctx context.Context, sessionName, role, source, text, externalID string) {
	f.hooks = append(f.hooks, sessionName+":"+role)
}

func newTestGateway(t *testing.T) (*Gateway, *fakeExecutor, *fakeScraper, *fakeNotifier) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "aily.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg, err := registry.New(st, zerolog.Nop(), nil, 0)
	require.NoError(t, err)

	b := bus.New(zerolog.Nop())
	exec := &fakeExecutor{}
	scraper := &fakeScraper{}
	notifier := &fakeNotifier{}

	g := New(Config{DashboardToken: "test-token", DefaultHost: "work"}, Deps{
		Store:    st,
		Registry: reg,
		Bus:      b,
		Exec:     exec,
		Scraper:  scraper,
		Router:   notifier,
	}, zerolog.Nop())

	return g, exec, scraper, notifier
}

func authed(req *http.Request) *http.Request {
	req.Header.Set("Authorization", "Bearer test-token")
	return req
}

func TestLiveness_NoAuthRequired(t *testing.T) {
	g, _, _, _ := newTestGateway(t)
	req, _ := http.NewRequest("GET", "/healthz", nil)
	resp, err := g.App().Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListSessions_RequiresAuth(t *testing.T) {
	g, _, _, _ := newTestGateway(t)
	req, _ := http.NewRequest("GET", "/api/sessions", nil)
	resp, err := g.App().Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCreateAndGetSession(t *testing.T) {
	g, exec, _, _ := newTestGateway(t)

	body, _ := json.Marshal(CreateSessionRequest{Name: "sess-1"})
	req, _ := http.NewRequest("POST", "/api/sessions", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.App().Test(authed(req), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Contains(t, exec.created, "sess-1")

	var created SessionDTO
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, "sess-1", created.Name)
	assert.Equal(t, "work", created.Host)

	req, _ = http.NewRequest("GET", "/api/sessions/sess-1", nil)
	resp, err = g.App().Test(authed(req), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGetSession_NotFound(t *testing.T) {
	g, _, _, _ := newTestGateway(t)
	req, _ := http.NewRequest("GET", "/api/sessions/ghost", nil)
	resp, err := g.App().Test(authed(req), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var problem ProblemDetail
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&problem))
	assert.Equal(t, "not_found", problem.Type)
}

func TestDeleteSession(t *testing.T) {
	g, exec, _, _ := newTestGateway(t)
	_, err := g.registry.Upsert(registry.Observation{Name: "sess-2", Host: "work", Event: registry.EventSSHSeen})
	require.NoError(t, err)

	req, _ := http.NewRequest("DELETE", "/api/sessions/sess-2", nil)
	resp, err := g.App().Test(authed(req), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Contains(t, exec.killed, "sess-2")
}

func TestBulkDeleteSessions_PartialFailure(t *testing.T) {
	g, _, _, _ := newTestGateway(t)
	_, err := g.registry.Upsert(registry.Observation{Name: "sess-3", Host: "work", Event: registry.EventSSHSeen})
	require.NoError(t, err)

	body, _ := json.Marshal(BulkDeleteRequest{Names: []string{"sess-3", "ghost"}})
	req, _ := http.NewRequest("POST", "/api/sessions/bulk-delete", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.App().Test(authed(req), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out BulkDeleteResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Contains(t, out.Deleted, "sess-3")
	assert.Contains(t, out.Failed, "ghost")
}

func TestSendMessage_AppendsAndInjects(t *testing.T) {
	g, exec, _, _ := newTestGateway(t)
	_, err := g.registry.Upsert(registry.Observation{Name: "sess-4", Host: "work", Event: registry.EventSSHSeen})
	require.NoError(t, err)

	body, _ := json.Marshal(SendRequest{Text: "hello"})
	req, _ := http.NewRequest("POST", "/api/sessions/sess-4/send", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.App().Test(authed(req), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Contains(t, exec.injects, "sess-4:hello")

	msgs, _, err := g.store.Page("sess-4", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)
}

func TestSendMessage_UnknownSession(t *testing.T) {
	g, _, _, _ := newTestGateway(t)
	body, _ := json.Marshal(SendRequest{Text: "hello"})
	req, _ := http.NewRequest("POST", "/api/sessions/ghost/send", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.App().Test(authed(req), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSyncSession(t *testing.T) {
	g, _, scraper, _ := newTestGateway(t)
	_, err := g.registry.Upsert(registry.Observation{Name: "sess-5", Host: "work", Event: registry.EventSSHSeen})
	require.NoError(t, err)

	req, _ := http.NewRequest("POST", "/api/sessions/sess-5/sync", nil)
	resp, err := g.App().Test(authed(req), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Contains(t, scraper.scraped, "sess-5")
}

func TestStats(t *testing.T) {
	g, _, _, _ := newTestGateway(t)
	_, err := g.registry.Upsert(registry.Observation{Name: "sess-6", Host: "work", Event: registry.EventSSHSeen})
	require.NoError(t, err)

	req, _ := http.NewRequest("GET", "/api/stats", nil)
	resp, err := g.App().Test(authed(req), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out StatsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, 1, out.TotalSessions)
	assert.Equal(t, 1, out.ByStatus["active"])
}

func TestPreferences_RoundTrip(t *testing.T) {
	g, _, _, _ := newTestGateway(t)

	body, _ := json.Marshal(PreferencesRequest{Preferences: map[string]any{"theme": "dark"}})
	req, _ := http.NewRequest("PUT", "/api/preferences", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.App().Test(authed(req), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, _ = http.NewRequest("GET", "/api/preferences", nil)
	resp, err = g.App().Test(authed(req), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "dark", out["preferences"]["theme"])
}

func TestHookEvent_CreatesSessionAndNotifies(t *testing.T) {
	g, _, _, notifier := newTestGateway(t)

	body, _ := json.Marshal(HookEventRequest{SessionName: "sess-7", Agent: "claude", Role: "assistant", Content: "done"})
	req, _ := http.NewRequest("POST", "/api/hooks/event", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	// /api/hooks/event is exempt from bearer auth (spec §6 local webhook entry).
	resp, err := g.App().Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	_, ok := g.registry.Get("sess-7")
	assert.True(t, ok)
	assert.Contains(t, notifier.hooks, "sess-7:assistant")
}

func TestHookEvent_MissingFields(t *testing.T) {
	g, _, _, _ := newTestGateway(t)
	body, _ := json.Marshal(HookEventRequest{Role: "assistant"})
	req, _ := http.NewRequest("POST", "/api/hooks/event", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.App().Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthDetail_NoHealthChecker(t *testing.T) {
	g, _, _, _ := newTestGateway(t)
	req, _ := http.NewRequest("GET", "/api/health", nil)
	resp, err := g.App().Test(authed(req), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out HealthDetailResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "ok", out.Status)
}

func TestLogin_IssuesTokenAndRejectsBadCredential(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "aily.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	reg, err := registry.New(st, zerolog.Nop(), nil, 0)
	require.NoError(t, err)
	g := New(Config{DashboardToken: "test-token", JWTSecret: "shh-its-a-secret"}, Deps{
		Store: st, Registry: reg, Bus: bus.New(zerolog.Nop()),
	}, zerolog.Nop())

	body, _ := json.Marshal(LoginRequest{Token: "wrong"})
	req, _ := http.NewRequest("POST", "/api/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.App().Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	body, _ = json.Marshal(LoginRequest{Token: "test-token"})
	req, _ = http.NewRequest("POST", "/api/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err = g.App().Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out LoginResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.NotEmpty(t, out.Token)

	req, _ = http.NewRequest("GET", "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+out.Token)
	resp, err = g.App().Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLogout_RevokesIssuedToken(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "aily.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	reg, err := registry.New(st, zerolog.Nop(), nil, 0)
	require.NoError(t, err)
	g := New(Config{DashboardToken: "test-token", JWTSecret: "shh-its-a-secret"}, Deps{
		Store: st, Registry: reg, Bus: bus.New(zerolog.Nop()),
	}, zerolog.Nop())

	signed, err := g.issuer.Issue("dashboard")
	require.NoError(t, err)

	req, _ := http.NewRequest("POST", "/api/auth/logout", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	resp, err := g.App().Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	req, _ = http.NewRequest("GET", "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	resp, err = g.App().Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMetrics_RouteAbsentWithoutMetricsDep(t *testing.T) {
	g, _, _, _ := newTestGateway(t)
	req, _ := http.NewRequest("GET", "/metrics", nil)
	resp, err := g.App().Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
