package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anthill/anthill/internal/config"
	"github.com/anthill/anthill/internal/eventbus"
	"github.com/anthill/anthill/internal/manager"
	"github.com/anthill/anthill/internal/poller"
	"github.com/anthill/anthill/internal/provider"
	"github.com/anthill/anthill/internal/store"
	"github.com/anthill/anthill/internal/subscription"
	"github.com/anthill/anthill/internal/webhook"
)

// fakeMux satisfies manager.Mux with canned success so handler tests can
// drive the full manager path without a tmux server.
type fakeMux struct {
	mu       sync.Mutex
	sessions map[string]bool
	inputs   []string
	keys     []string
	captured string
}

func newFakeMux() *fakeMux {
	return &fakeMux{sessions: make(map[string]bool)}
}

func (f *fakeMux) CreateSession(name, dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[name] = true
	return nil
}

func (f *fakeMux) CreateWindow(session, name, dir string, argv []string, env map[string]string, unsetEnv []string) (string, error) {
	return "%1", nil
}

func (f *fakeMux) SendInput(target, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, text)
	return nil
}

func (f *fakeMux) SendKeys(target string, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, strings.Join(keys, " "))
	return nil
}

func (f *fakeMux) CapturePane(target string, lines int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.captured, nil
}

func (f *fakeMux) StartPipePane(target, path string) error { return nil }
func (f *fakeMux) StopPipePane(target string) error        { return nil }
func (f *fakeMux) KillWindow(target string) error          { return nil }

func (f *fakeMux) KillSession(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, name)
	return nil
}

func (f *fakeMux) HasSession(name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[name], nil
}

func (f *fakeMux) GetPaneVar(target, name string) (string, error) { return "0", nil }
func (f *fakeMux) SetEnvironment(session, key, value string) error {
	return nil
}

func (f *fakeMux) sentInputs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.inputs...)
}

func (f *fakeMux) sentKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}

func (f *fakeMux) setCaptured(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captured = text
}

type testEnv struct {
	cfg  *config.Config
	mgr  *manager.Manager
	bus  *eventbus.Bus
	fake *fakeMux
	srv  *Server
	ts   *httptest.Server
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	return newTestEnvSubs(t, mutate, nil)
}

func newTestEnvSubs(t *testing.T, mutate func(*config.Config), subs *subscription.Store) *testEnv {
	t.Helper()
	cfg := config.Default()
	dir := t.TempDir()
	cfg.RuntimeDir = dir
	cfg.LogDir = filepath.Join(dir, "logs")
	if mutate != nil {
		mutate(cfg)
	}

	fake := newFakeMux()
	st := store.New()
	bus := eventbus.New(1000)
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	reg := provider.NewRegistry()

	mgr := manager.New(cfg, st, bus, fake, reg, subs, log)
	poll := poller.New(cfg, mgr, bus, fake, reg, log)
	disp := webhook.New(cfg, st, bus, log)

	srv := NewServer(cfg, mgr, bus, poll, disp, subs, nil, log)
	srv.heartbeat = 50 * time.Millisecond
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ts.Close()
		disp.Close()
		mgr.Close()
		bus.Close()
	})
	return &testEnv{cfg: cfg, mgr: mgr, bus: bus, fake: fake, srv: srv, ts: ts}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rdr)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func bodyJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var m map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	return m
}

func (e *testEnv) mustProject(t *testing.T, name string) map[string]any {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/v1/projects",
		map[string]any{"name": name, "dir": t.TempDir()})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return bodyJSON(t, resp)
}

func (e *testEnv) mustAgent(t *testing.T, project string) string {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/v1/projects/"+project+"/agents",
		map[string]any{"provider": "codex"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body := bodyJSON(t, resp)
	agent, ok := body["agent"].(map[string]any)
	require.True(t, ok, "create response missing agent wrapper: %v", body)
	id, _ := agent["id"].(string)
	require.NotEmpty(t, id)
	return id
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t, nil)

	resp := e.do(t, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := bodyJSON(t, resp)
	assert.Equal(t, true, body["muxAvailable"])
	assert.Equal(t, float64(0), body["projects"])
	assert.Equal(t, float64(0), body["agents"])
	assert.NotEmpty(t, body["version"])
	assert.Contains(t, body, "uptime")
}

func TestProjectLifecycle(t *testing.T) {
	e := newTestEnv(t, nil)

	created := e.mustProject(t, "alpha")
	assert.Equal(t, "ah-alpha", created["muxSession"])
	assert.Equal(t, "alpha", created["name"])

	resp := e.do(t, http.MethodGet, "/api/v1/projects/alpha", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ah-alpha", bodyJSON(t, resp)["muxSession"])

	resp = e.do(t, http.MethodGet, "/api/v1/projects", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	projects := bodyJSON(t, resp)["projects"].([]any)
	require.Len(t, projects, 1)

	// Same name again collides.
	resp = e.do(t, http.MethodPost, "/api/v1/projects",
		map[string]any{"name": "alpha", "dir": t.TempDir()})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "CONFLICT", bodyJSON(t, resp)["error"])

	resp = e.do(t, http.MethodDelete, "/api/v1/projects/alpha", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = e.do(t, http.MethodGet, "/api/v1/projects/alpha", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := bodyJSON(t, resp)
	assert.Equal(t, "NOT_FOUND", body["error"])
	assert.NotEmpty(t, body["message"])
}

func TestProjectCreateAcceptsCwdAlias(t *testing.T) {
	e := newTestEnv(t, nil)

	dir := t.TempDir()
	resp := e.do(t, http.MethodPost, "/api/v1/projects",
		map[string]any{"name": "legacy", "cwd": dir})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, dir, bodyJSON(t, resp)["dir"])
}

func TestProjectCreateValidation(t *testing.T) {
	e := newTestEnv(t, nil)

	resp := e.do(t, http.MethodPost, "/api/v1/projects", map[string]any{"dir": t.TempDir()})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_BODY", bodyJSON(t, resp)["error"])

	req, err := http.NewRequest(http.MethodPost, e.ts.URL+"/api/v1/projects",
		strings.NewReader("{not json"))
	require.NoError(t, err)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, raw.StatusCode)
	assert.Equal(t, "INVALID_BODY", bodyJSON(t, raw)["error"])

	resp = e.do(t, http.MethodPost, "/api/v1/projects",
		map[string]any{"name": "UPPER", "dir": t.TempDir()})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestProjectPatchCallback(t *testing.T) {
	e := newTestEnv(t, nil)
	e.mustProject(t, "alpha")

	resp := e.do(t, http.MethodPatch, "/api/v1/projects/alpha",
		map[string]any{"callback": map[string]any{"url": "http://receiver.local/hook"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := bodyJSON(t, resp)
	cb := body["callback"].(map[string]any)
	assert.Equal(t, "http://receiver.local/hook", cb["url"])

	resp = e.do(t, http.MethodPatch, "/api/v1/projects/missing",
		map[string]any{"callback": nil})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestAgentLifecycle(t *testing.T) {
	e := newTestEnv(t, nil)
	e.mustProject(t, "alpha")

	resp := e.do(t, http.MethodPost, "/api/v1/projects/alpha/agents",
		map[string]any{"provider": "codex"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	agent := bodyJSON(t, resp)["agent"].(map[string]any)
	id := agent["id"].(string)
	assert.True(t, strings.HasPrefix(id, "codex-"), "id %q", id)
	assert.Equal(t, "starting", agent["status"])
	assert.Equal(t, "tmux attach -t ah-alpha", agent["attachCommand"])

	resp = e.do(t, http.MethodGet, "/api/v1/projects/alpha/agents", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	agents := bodyJSON(t, resp)["agents"].([]any)
	require.Len(t, agents, 1)

	resp = e.do(t, http.MethodGet, "/api/v1/projects/alpha/agents/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, bodyJSON(t, resp)["id"])

	resp = e.do(t, http.MethodDelete, "/api/v1/projects/alpha/agents/"+id, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = e.do(t, http.MethodGet, "/api/v1/projects/alpha/agents/"+id, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestAgentCreateValidation(t *testing.T) {
	disabled := false
	e := newTestEnv(t, func(cfg *config.Config) {
		p := cfg.Providers["pi"]
		p.Enabled = &disabled
		cfg.Providers["pi"] = p
	})
	e.mustProject(t, "alpha")

	for name, body := range map[string]map[string]any{
		"unknown provider":  {"provider": "gemini"},
		"missing provider":  {},
		"bad explicit id":   {"provider": "codex", "id": "Bad_ID"},
		"disabled provider": {"provider": "pi"},
	} {
		resp := e.do(t, http.MethodPost, "/api/v1/projects/alpha/agents", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, name)
		resp.Body.Close()
	}

	resp := e.do(t, http.MethodPost, "/api/v1/projects/alpha/agents",
		map[string]any{"provider": "codex", "id": "fixed-name"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = e.do(t, http.MethodPost, "/api/v1/projects/alpha/agents",
		map[string]any{"provider": "codex", "id": "fixed-name"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "CONFLICT", bodyJSON(t, resp)["error"])

	resp = e.do(t, http.MethodPost, "/api/v1/projects/missing/agents",
		map[string]any{"provider": "codex"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestAgentInput(t *testing.T) {
	e := newTestEnv(t, nil)
	e.mustProject(t, "alpha")
	id := e.mustAgent(t, "alpha")

	resp := e.do(t, http.MethodPost,
		fmt.Sprintf("/api/v1/projects/alpha/agents/%s/input", id),
		map[string]any{"text": "hi"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, bodyJSON(t, resp)["delivered"])
	assert.Contains(t, e.fake.sentInputs(), "hi\n")

	resp = e.do(t, http.MethodPost,
		fmt.Sprintf("/api/v1/projects/alpha/agents/%s/input", id),
		map[string]any{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_BODY", bodyJSON(t, resp)["error"])

	resp = e.do(t, http.MethodPost, "/api/v1/projects/alpha/agents/missing/input",
		map[string]any{"text": "hi"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestAgentAbort(t *testing.T) {
	e := newTestEnv(t, nil)
	e.mustProject(t, "alpha")
	id := e.mustAgent(t, "alpha")

	resp := e.do(t, http.MethodPost,
		fmt.Sprintf("/api/v1/projects/alpha/agents/%s/abort", id), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, bodyJSON(t, resp)["aborted"])
	assert.Contains(t, e.fake.sentKeys(), "Escape")
}

func TestAgentOutput(t *testing.T) {
	e := newTestEnv(t, nil)
	e.mustProject(t, "alpha")
	id := e.mustAgent(t, "alpha")
	e.fake.setCaptured("$ hello from the pane")

	resp := e.do(t, http.MethodGet,
		fmt.Sprintf("/api/v1/projects/alpha/agents/%s/output?lines=50", id), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "$ hello from the pane", bodyJSON(t, resp)["output"])

	// Without lines the stored capture is served; nothing polled yet.
	resp = e.do(t, http.MethodGet,
		fmt.Sprintf("/api/v1/projects/alpha/agents/%s/output", id), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "", bodyJSON(t, resp)["output"])

	resp = e.do(t, http.MethodGet,
		fmt.Sprintf("/api/v1/projects/alpha/agents/%s/output?lines=nope", id), nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestAgentDebug(t *testing.T) {
	e := newTestEnv(t, nil)
	e.mustProject(t, "alpha")
	id := e.mustAgent(t, "alpha")

	resp := e.do(t, http.MethodGet,
		fmt.Sprintf("/api/v1/projects/alpha/agents/%s/debug", id), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := bodyJSON(t, resp)
	assert.Contains(t, body, "agent")
	assert.Contains(t, body, "paneVars")
	assert.Contains(t, body, "recentEvents")
	assert.Contains(t, body, "internals")
	assert.Contains(t, body, "poller")
	assert.Contains(t, body, "bus")

	events := body["recentEvents"].([]any)
	assert.NotEmpty(t, events)
}

func TestBearerAuth(t *testing.T) {
	e := newTestEnv(t, func(cfg *config.Config) { cfg.Auth.Token = "s3cret" })

	resp := e.do(t, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "UNAUTHORIZED", bodyJSON(t, resp)["error"])

	req, err := http.NewRequest(http.MethodGet, e.ts.URL+"/api/v1/health", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestSubscriptionsEndpoint(t *testing.T) {
	e := newTestEnv(t, nil)

	resp := e.do(t, http.MethodGet, "/api/v1/subscriptions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := bodyJSON(t, resp)
	assert.Empty(t, body["subscriptions"])
}

func TestSubscriptionsNeverLeakEnvValues(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "personal.toml"), []byte(`
id = "sub-1"
provider = "claude-code"
mode = "oauth"

[env]
CLAUDE_CODE_OAUTH_TOKEN = "super-secret-value"
`), 0o600))

	subs, err := subscription.Load(dir)
	require.NoError(t, err)
	e := newTestEnvSubs(t, nil, subs)

	resp := e.do(t, http.MethodGet, "/api/v1/subscriptions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(raw), "sub-1")
	assert.Contains(t, string(raw), "CLAUDE_CODE_OAUTH_TOKEN")
	assert.NotContains(t, string(raw), "super-secret-value")
}

func TestWebhookEndpoints(t *testing.T) {
	received := make(chan struct{}, 8)
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- struct{}{}
	}))
	defer receiver.Close()

	e := newTestEnv(t, nil)

	resp := e.do(t, http.MethodGet, "/api/v1/webhook/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := bodyJSON(t, resp)
	assert.Equal(t, false, body["defaultConfigured"])
	assert.Empty(t, body["agents"])

	resp = e.do(t, http.MethodPost, "/api/v1/webhook/test",
		map[string]any{"url": receiver.URL})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = bodyJSON(t, resp)
	assert.Equal(t, true, body["delivered"])
	assert.NotEmpty(t, body["deliveryId"])
	<-received

	resp = e.do(t, http.MethodPost, "/api/v1/webhook/test", map[string]any{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_BODY", bodyJSON(t, resp)["error"])

	resp = e.do(t, http.MethodPost, "/api/v1/webhook/probe-receiver",
		map[string]any{"url": receiver.URL})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = bodyJSON(t, resp)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, float64(http.StatusOK), body["statusCode"])

	resp = e.do(t, http.MethodPost, "/api/v1/webhook/probe-receiver", map[string]any{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestMessagesWithoutInternals(t *testing.T) {
	e := newTestEnv(t, nil)
	e.mustProject(t, "alpha")
	id := e.mustAgent(t, "alpha")

	resp := e.do(t, http.MethodGet,
		fmt.Sprintf("/api/v1/projects/alpha/agents/%s/messages", id), nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NO_INTERNALS", bodyJSON(t, resp)["error"])

	resp = e.do(t, http.MethodGet,
		fmt.Sprintf("/api/v1/projects/alpha/agents/%s/messages/last", id), nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NO_INTERNALS", bodyJSON(t, resp)["error"])
}

func writeSessionFixture(t *testing.T) string {
	t.Helper()
	lines := []string{
		`{"type":"user","uuid":"u1","timestamp":"2026-08-25T10:00:00Z","message":{"role":"user","content":"run the tests"}}`,
		`{"type":"assistant","uuid":"a1","timestamp":"2026-08-25T10:00:05Z","message":{"role":"assistant","model":"codex-large","content":[{"type":"text","text":"Running them now."}]}}`,
		`{"type":"assistant","uuid":"a2","timestamp":"2026-08-25T10:00:30Z","message":{"role":"assistant","model":"codex-large","content":[{"type":"text","text":"All 12 tests pass."}]}}`,
	}
	path := filepath.Join(t.TempDir(), "session.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func TestMessagesFromSessionFile(t *testing.T) {
	e := newTestEnv(t, nil)
	e.mustProject(t, "alpha")
	id := e.mustAgent(t, "alpha")

	require.NoError(t, e.mgr.SetAgentSessionFile(id, writeSessionFixture(t)))

	resp := e.do(t, http.MethodGet,
		fmt.Sprintf("/api/v1/projects/alpha/agents/%s/messages", id), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := bodyJSON(t, resp)
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 3)
	assert.Equal(t, float64(0), body["parseErrorCount"])

	resp = e.do(t, http.MethodGet,
		fmt.Sprintf("/api/v1/projects/alpha/agents/%s/messages?role=assistant&limit=1", id), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	msgs = bodyJSON(t, resp)["messages"].([]any)
	require.Len(t, msgs, 1)
	last := msgs[0].(map[string]any)
	assert.Equal(t, "All 12 tests pass.", last["text"])

	resp = e.do(t, http.MethodGet,
		fmt.Sprintf("/api/v1/projects/alpha/agents/%s/messages/last", id), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	msg := bodyJSON(t, resp)["message"].(map[string]any)
	assert.Equal(t, "All 12 tests pass.", msg["text"])
	assert.Equal(t, "codex-large", msg["model"])

	resp = e.do(t, http.MethodGet,
		fmt.Sprintf("/api/v1/projects/alpha/agents/%s/messages?role=tooluse", id), nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestUnknownRouteIs404(t *testing.T) {
	e := newTestEnv(t, nil)

	resp := e.do(t, http.MethodGet, "/api/v1/nope", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}
