package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anthill/anthill/internal/config"
	"github.com/anthill/anthill/internal/eventbus"
	"github.com/anthill/anthill/internal/events"
	"github.com/anthill/anthill/internal/store"
)

// recorder is a scripted receiver: it answers the queued status codes in
// order, repeating the last one, and keeps every request it saw. When block
// is set, handlers wait on it before answering.
type recorder struct {
	mu      sync.Mutex
	codes   []int
	bodies  []Payload
	headers []http.Header
	block   chan struct{}
}

func (r *recorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if r.block != nil {
		<-r.block
	}
	var p Payload
	_ = json.NewDecoder(req.Body).Decode(&p)

	r.mu.Lock()
	r.bodies = append(r.bodies, p)
	r.headers = append(r.headers, req.Header.Clone())
	code := http.StatusOK
	if len(r.codes) > 0 {
		code = r.codes[0]
		if len(r.codes) > 1 {
			r.codes = r.codes[1:]
		}
	}
	r.mu.Unlock()
	w.WriteHeader(code)
}

func (r *recorder) hits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bodies)
}

func (r *recorder) body(i int) Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bodies[i]
}

func (r *recorder) header(i int) http.Header {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.headers[i]
}

// sleepRecorder replaces the dispatcher's backoff pause so tests observe the
// schedule instead of waiting it out.
type sleepRecorder struct {
	mu   sync.Mutex
	durs []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.durs = append(s.durs, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.durs...)
}

func newTestDispatcher(t *testing.T, cfg *config.Config) (*Dispatcher, *store.Store, *eventbus.Bus, *sleepRecorder) {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	st := store.New()
	bus := eventbus.New(1000)
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	d := New(cfg, st, bus, log)
	rec := &sleepRecorder{}
	d.sleep = rec.sleep

	t.Cleanup(func() {
		d.Close()
		bus.Close()
	})
	return d, st, bus, rec
}

func seedAgent(t *testing.T, st *store.Store, agentCB, projectCB *store.Callback) store.Agent {
	t.Helper()
	require.NoError(t, st.CreateProject(store.Project{
		Name:       "demo",
		Dir:        "/tmp/demo",
		MuxSession: "ah-demo",
		CreatedAt:  time.Now().UTC(),
		Callback:   projectCB,
	}))
	a := store.Agent{
		ID:         "codex-misty-fox",
		Project:    "demo",
		Provider:   "codex",
		Status:     store.StatusProcessing,
		CreatedAt:  time.Now().UTC(),
		WindowName: "codex-misty-fox",
		MuxTarget:  "ah-demo:codex-misty-fox.0",
		Callback:   agentCB,
	}
	require.NoError(t, st.CreateAgent(a))
	return a
}

func TestDeliverRetriesThenSucceeds(t *testing.T) {
	rec := &recorder{codes: []int{503, 503, 503, 200}}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	d, st, bus, sleeps := newTestDispatcher(t, nil)
	a := seedAgent(t, st, &store.Callback{URL: srv.URL, Token: "cb-token"}, nil)

	bus.Emit(events.NewStatusChanged(a.Project, a.ID, "processing", "idle", "ui-parser"))

	require.Eventually(t, func() bool { return rec.hits() == 4 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return d.Status().Delivered == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t,
		[]time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second},
		sleeps.recorded())

	p := rec.body(0)
	assert.Equal(t, "status_changed", p.Event)
	assert.Equal(t, "demo", p.Project)
	assert.Equal(t, a.ID, p.AgentID)
	assert.Equal(t, "codex", p.Provider)
	assert.Equal(t, "idle", p.Status)
	assert.Nil(t, p.LastMessage)
	assert.Equal(t, "idle", p.Extra["to"])
	assert.Equal(t, "ui-parser", p.Extra["source"])

	h := rec.header(0)
	assert.Equal(t, "Bearer cb-token", h.Get("Authorization"))
	assert.Equal(t, "application/json", h.Get("Content-Type"))
	assert.Equal(t, "status_changed", h.Get("X-Anthill-Event"))
	assert.NotEmpty(t, h.Get("X-Anthill-Delivery"))
}

func TestDeliverPermanentFailureStops(t *testing.T) {
	rec := &recorder{codes: []int{404}}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	d, st, bus, sleeps := newTestDispatcher(t, nil)
	a := seedAgent(t, st, &store.Callback{URL: srv.URL}, nil)

	bus.Emit(events.NewStatusChanged(a.Project, a.ID, "processing", "error", "ui-parser"))

	require.Eventually(t, func() bool { return d.Status().Failed == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, rec.hits())
	assert.Empty(t, sleeps.recorded())

	stats := d.Status()
	require.Len(t, stats.Agents, 1)
	assert.Contains(t, stats.Agents[0].LastError, "404")
}

func TestDeliverExhaustsAttempts(t *testing.T) {
	rec := &recorder{codes: []int{503}}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	d, st, bus, sleeps := newTestDispatcher(t, nil)
	a := seedAgent(t, st, &store.Callback{URL: srv.URL}, nil)

	bus.Emit(events.NewAgentExited(a.Project, a.ID, nil))

	require.Eventually(t, func() bool { return d.Status().Failed == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, maxAttempts, rec.hits())
	assert.Equal(t,
		[]time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second},
		sleeps.recorded())
	assert.Contains(t, d.Status().Agents[0].LastError, "after 5 attempts")
}

func TestStatusFilterSkipsNonTerminal(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	d, st, bus, _ := newTestDispatcher(t, nil)
	a := seedAgent(t, st, &store.Callback{URL: srv.URL}, nil)

	bus.Emit(events.NewStatusChanged(a.Project, a.ID, "starting", "processing", ""))
	bus.Emit(events.NewStatusChanged(a.Project, a.ID, "processing", "waiting_input", ""))
	bus.Emit(events.NewStatusChanged(a.Project, a.ID, "waiting_input", "error", "ui-parser"))

	require.Eventually(t, func() bool { return d.Status().Delivered == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, rec.hits())
	assert.Equal(t, "error", rec.body(0).Status)
}

func TestCallbackPrecedence(t *testing.T) {
	agentRec, projectRec := &recorder{}, &recorder{}
	agentSrv := httptest.NewServer(agentRec)
	defer agentSrv.Close()
	projectSrv := httptest.NewServer(projectRec)
	defer projectSrv.Close()

	d, st, bus, _ := newTestDispatcher(t, nil)
	a := seedAgent(t, st,
		&store.Callback{URL: agentSrv.URL},
		&store.Callback{URL: projectSrv.URL})

	bus.Emit(events.NewStatusChanged(a.Project, a.ID, "processing", "idle", ""))

	require.Eventually(t, func() bool { return d.Status().Delivered == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, agentRec.hits())
	assert.Equal(t, 0, projectRec.hits())
}

func TestProjectCallbackFallback(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	d, st, bus, _ := newTestDispatcher(t, nil)
	a := seedAgent(t, st, nil, &store.Callback{URL: srv.URL, DiscordChannel: "ops"})

	bus.Emit(events.NewStatusChanged(a.Project, a.ID, "processing", "idle", ""))

	require.Eventually(t, func() bool { return d.Status().Delivered == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, rec.hits())
	assert.Equal(t, "ops", rec.body(0).DiscordChannel)
}

func TestConfigWebhookFallback(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	cfg := config.Default()
	cfg.Webhook = config.Webhook{URL: srv.URL, Token: "global", SessionKey: "sk-1"}

	d, st, bus, _ := newTestDispatcher(t, cfg)
	a := seedAgent(t, st, nil, nil)

	bus.Emit(events.NewStatusChanged(a.Project, a.ID, "processing", "idle", ""))

	require.Eventually(t, func() bool { return d.Status().Delivered == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, rec.hits())
	assert.Equal(t, "sk-1", rec.body(0).SessionKey)
	assert.Equal(t, "Bearer global", rec.header(0).Get("Authorization"))
	assert.True(t, d.Status().DefaultConfigured)
}

func TestNoCallbackMeansNoDelivery(t *testing.T) {
	d, st, bus, _ := newTestDispatcher(t, nil)
	a := seedAgent(t, st, nil, nil)

	bus.Emit(events.NewStatusChanged(a.Project, a.ID, "processing", "idle", ""))
	bus.Emit(events.NewAgentExited(a.Project, a.ID, nil))

	time.Sleep(50 * time.Millisecond)
	stats := d.Status()
	assert.Zero(t, stats.Delivered)
	assert.Zero(t, stats.Failed)
	assert.Empty(t, stats.Agents)
}

func TestLastMessageTracked(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	d, st, bus, _ := newTestDispatcher(t, nil)
	a := seedAgent(t, st, &store.Callback{URL: srv.URL}, nil)

	bus.Emit(events.NewOutput(a.Project, a.ID, "first answer"))
	bus.Emit(events.NewOutput(a.Project, a.ID, "final answer"))
	bus.Emit(events.NewStatusChanged(a.Project, a.ID, "processing", "idle", ""))

	require.Eventually(t, func() bool { return d.Status().Delivered == 1 }, 2*time.Second, 10*time.Millisecond)
	p := rec.body(0)
	require.NotNil(t, p.LastMessage)
	assert.Equal(t, "final answer", *p.LastMessage)
}

func TestExitAfterDeleteStillDelivers(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	_, st, bus, _ := newTestDispatcher(t, nil)
	a := seedAgent(t, st, &store.Callback{URL: srv.URL}, nil)

	// Prime the identity cache the way a live agent would, then mimic the
	// manager's delete order: store record gone before the exit events.
	bus.Emit(events.NewAgentStarted(a.Project, a.ID, a.Provider))
	require.NoError(t, st.DeleteAgent(a.ID))

	bus.Emit(events.NewStatusChanged(a.Project, a.ID, "idle", "exited", "delete"))
	bus.Emit(events.NewAgentExited(a.Project, a.ID, nil))

	require.Eventually(t, func() bool { return rec.hits() == 2 }, 2*time.Second, 10*time.Millisecond)

	p := rec.body(1)
	assert.Equal(t, "agent_exited", p.Event)
	assert.Equal(t, "exited", p.Status)
	assert.Equal(t, "codex", p.Provider)
	require.Contains(t, p.Extra, "exitCode")
	assert.Nil(t, p.Extra["exitCode"])
}

func TestQueueDropsOldestWhenFull(t *testing.T) {
	rec := &recorder{block: make(chan struct{})}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	d, st, bus, _ := newTestDispatcher(t, nil)
	a := seedAgent(t, st, &store.Callback{URL: srv.URL}, nil)

	for i := 0; i < queueSize+20; i++ {
		bus.Emit(events.NewStatusChanged(a.Project, a.ID, "processing", "idle", ""))
	}

	stats := d.Status()
	require.Len(t, stats.Agents, 1)
	assert.GreaterOrEqual(t, stats.Dropped, uint64(10))
	assert.LessOrEqual(t, stats.Agents[0].QueueDepth, queueSize)

	close(rec.block)
}

func TestTestSendUsesRealPath(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	d, _, _, _ := newTestDispatcher(t, nil)

	id, err := d.TestSend(context.Background(), srv.URL, "tok")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	require.Equal(t, 1, rec.hits())
	p := rec.body(0)
	assert.Equal(t, "test", p.Event)
	require.NotNil(t, p.LastMessage)
	assert.Equal(t, "Bearer tok", rec.header(0).Get("Authorization"))
	assert.Equal(t, id, rec.header(0).Get("X-Anthill-Delivery"))
}

func TestTestSendWithoutURL(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t, nil)
	_, err := d.TestSend(context.Background(), "", "")
	assert.ErrorIs(t, err, ErrNoCallback)
}

func TestTestSendFallsBackToConfig(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	cfg := config.Default()
	cfg.Webhook = config.Webhook{URL: srv.URL, Token: "global"}
	d, _, _, _ := newTestDispatcher(t, cfg)

	_, err := d.TestSend(context.Background(), "", "")
	require.NoError(t, err)
	require.Equal(t, 1, rec.hits())
	assert.Equal(t, "Bearer global", rec.header(0).Get("Authorization"))
}

func TestProbeReceiverReportsStatus(t *testing.T) {
	rec := &recorder{codes: []int{500}}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	d, _, _, _ := newTestDispatcher(t, nil)

	res, err := d.ProbeReceiver(context.Background(), srv.URL, "")
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	assert.Equal(t, srv.URL, res.URL)
	assert.GreaterOrEqual(t, res.LatencyMs, int64(0))
}

func TestProbeReceiverTransportError(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t, nil)

	_, err := d.ProbeReceiver(context.Background(), "http://127.0.0.1:1/nope", "")
	assert.Error(t, err)

	_, err = d.ProbeReceiver(context.Background(), "", "")
	assert.ErrorIs(t, err, ErrNoCallback)
}

func TestCloseIsIdempotent(t *testing.T) {
	d, st, bus, _ := newTestDispatcher(t, nil)
	a := seedAgent(t, st, &store.Callback{URL: "http://127.0.0.1:1"}, nil)

	d.Close()
	d.Close()

	// Events after close are ignored.
	bus.Emit(events.NewStatusChanged(a.Project, a.ID, "processing", "idle", ""))
	assert.Empty(t, d.Status().Agents)
}
