// Package webhook delivers terminal agent events to callback URLs with
// retry and per-agent backpressure. The dispatcher is a standing bus
// subscriber: it watches status changes, errors, and exits, resolves the
// effective callback for the agent, and posts a JSON payload with bounded
// exponential backoff. Each agent gets its own serialized queue so one slow
// receiver cannot stall deliveries for unrelated agents.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anthill/anthill/internal/config"
	"github.com/anthill/anthill/internal/eventbus"
	"github.com/anthill/anthill/internal/events"
	"github.com/anthill/anthill/internal/store"
)

const (
	maxAttempts    = 5
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 10 * time.Second
	attemptTimeout = 10 * time.Second
	queueSize      = 256
)

// ErrNoCallback means no callback URL could be resolved for a delivery.
var ErrNoCallback = errors.New("no callback url configured")

// RetryableError marks a delivery failure worth another attempt: transport
// errors, 408, 429, and 5xx responses.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Payload is the JSON body posted to a callback receiver.
type Payload struct {
	Event          string         `json:"event"`
	Project        string         `json:"project"`
	AgentID        string         `json:"agentId"`
	Provider       string         `json:"provider"`
	Status         string         `json:"status"`
	LastMessage    *string        `json:"lastMessage"`
	Timestamp      time.Time      `json:"timestamp"`
	DiscordChannel string         `json:"discordChannel,omitempty"`
	SessionKey     string         `json:"sessionKey,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
}

// delivery is one enqueued POST: a payload bound to a resolved destination.
type delivery struct {
	id      string
	url     string
	token   string
	payload Payload
}

// agentInfo is the last identity snapshot seen for an agent. Exit events
// arrive after the store record is gone, so payload construction falls back
// to this cache.
type agentInfo struct {
	project   string
	provider  string
	status    store.Status
	agentCB   *store.Callback
	projectCB *store.Callback
}

type agentQueue struct {
	jobs chan delivery

	mu           sync.Mutex
	project      string
	delivered    uint64
	failed       uint64
	dropped      uint64
	lastError    string
	lastDelivery time.Time
}

// AgentStats reports one agent's delivery counters for the status endpoint.
type AgentStats struct {
	Project        string     `json:"project"`
	AgentID        string     `json:"agentId"`
	QueueDepth     int        `json:"queueDepth"`
	Delivered      uint64     `json:"delivered"`
	Failed         uint64     `json:"failed"`
	Dropped        uint64     `json:"dropped"`
	LastError      string     `json:"lastError,omitempty"`
	LastDeliveryAt *time.Time `json:"lastDeliveryAt,omitempty"`
}

// Stats is the dispatcher-wide snapshot served by GET /api/v1/webhook/status.
type Stats struct {
	DefaultConfigured bool         `json:"defaultConfigured"`
	Delivered         uint64       `json:"delivered"`
	Failed            uint64       `json:"failed"`
	Dropped           uint64       `json:"dropped"`
	Agents            []AgentStats `json:"agents"`
}

// Dispatcher fans terminal events out to callback receivers.
type Dispatcher struct {
	cfg    *config.Config
	st     *store.Store
	log    *slog.Logger
	client *http.Client

	// sleep pauses between retry attempts; tests swap it to record the
	// backoff schedule instead of waiting it out.
	sleep func(ctx context.Context, d time.Duration) error

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	unsubscribe func()

	mu      sync.Mutex
	closed  bool
	queues  map[string]*agentQueue
	info    map[string]agentInfo
	lastMsg map[string]string
}

// New builds a dispatcher and subscribes it to the bus. Close detaches it.
func New(cfg *config.Config, st *store.Store, bus *eventbus.Bus, log *slog.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:     cfg,
		st:      st,
		log:     log.With("component", "webhook"),
		client:  &http.Client{Timeout: attemptTimeout},
		sleep:   sleepContext,
		ctx:     ctx,
		cancel:  cancel,
		queues:  make(map[string]*agentQueue),
		info:    make(map[string]agentInfo),
		lastMsg: make(map[string]string),
	}
	d.unsubscribe = bus.Subscribe(eventbus.Filter{Types: []events.Type{
		events.AgentStarted,
		events.Output,
		events.StatusChanged,
		events.Error,
		events.AgentExited,
	}}, d.onEvent)
	return d
}

// onEvent runs inside bus emit, so it only caches, filters, and enqueues;
// the HTTP work happens on per-agent workers.
func (d *Dispatcher) onEvent(e events.Event) {
	if e.AgentID == "" {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}

	info := d.rememberLocked(e)

	switch e.Type {
	case events.AgentStarted:
		return
	case events.Output:
		if text := e.Text(); text != "" {
			d.lastMsg[e.AgentID] = text
		}
		return
	case events.StatusChanged:
		switch store.Status(e.StatusTo()) {
		case store.StatusIdle, store.StatusError, store.StatusExited:
		default:
			return
		}
	}

	dst, ok := d.resolveCallback(info)
	if !ok {
		return
	}
	d.enqueueLocked(e.AgentID, d.buildDelivery(e, info, dst))

	if e.Type == events.AgentExited {
		delete(d.info, e.AgentID)
		delete(d.lastMsg, e.AgentID)
	}
}

// rememberLocked refreshes the identity cache from the store while the agent
// record still exists and returns the freshest snapshot available.
func (d *Dispatcher) rememberLocked(e events.Event) agentInfo {
	if a, err := d.st.GetAgent(e.AgentID); err == nil {
		info := agentInfo{
			project:  a.Project,
			provider: a.Provider,
			status:   a.Status,
			agentCB:  a.Callback,
		}
		if p, err := d.st.GetProject(a.Project); err == nil {
			info.projectCB = p.Callback
		}
		d.info[e.AgentID] = info
		return info
	}
	info := d.info[e.AgentID]
	if info.project == "" {
		info.project = e.Project
	}
	return info
}

// resolveCallback picks the agent callback, then the project default, then
// the config-level webhook table.
func (d *Dispatcher) resolveCallback(info agentInfo) (store.Callback, bool) {
	switch {
	case info.agentCB != nil && info.agentCB.URL != "":
		return *info.agentCB, true
	case info.projectCB != nil && info.projectCB.URL != "":
		return *info.projectCB, true
	case d.cfg.Webhook.URL != "":
		w := d.cfg.Webhook
		return store.Callback{
			URL:            w.URL,
			Token:          w.Token,
			DiscordChannel: w.DiscordChannel,
			SessionKey:     w.SessionKey,
		}, true
	}
	return store.Callback{}, false
}

func (d *Dispatcher) buildDelivery(e events.Event, info agentInfo, dst store.Callback) delivery {
	status := string(info.status)
	switch e.Type {
	case events.StatusChanged:
		status = e.StatusTo()
	case events.AgentExited:
		status = string(store.StatusExited)
	}

	var last *string
	if text, ok := d.lastMsg[e.AgentID]; ok {
		last = &text
	}

	extra := make(map[string]any, len(e.Payload)+1)
	for k, v := range e.Payload {
		extra[k] = v
	}
	extra["eventId"] = e.ID

	return delivery{
		id:    uuid.NewString(),
		url:   dst.URL,
		token: dst.Token,
		payload: Payload{
			Event:          string(e.Type),
			Project:        info.project,
			AgentID:        e.AgentID,
			Provider:       info.provider,
			Status:         status,
			LastMessage:    last,
			Timestamp:      e.TS,
			DiscordChannel: dst.DiscordChannel,
			SessionKey:     dst.SessionKey,
			Extra:          extra,
		},
	}
}

// enqueueLocked appends to the agent's queue, dropping the oldest entry when
// the buffer is full. Caller holds d.mu.
func (d *Dispatcher) enqueueLocked(agentID string, job delivery) {
	q := d.queues[agentID]
	if q == nil {
		q = &agentQueue{
			jobs:    make(chan delivery, queueSize),
			project: job.payload.Project,
		}
		d.queues[agentID] = q
		d.wg.Add(1)
		go d.drain(agentID, q)
	}
	for {
		select {
		case q.jobs <- job:
			return
		default:
		}
		select {
		case <-q.jobs:
			q.mu.Lock()
			q.dropped++
			q.mu.Unlock()
		default:
		}
	}
}

// drain is the per-agent worker: one in-flight delivery at a time.
func (d *Dispatcher) drain(agentID string, q *agentQueue) {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case job := <-q.jobs:
			err := d.deliver(d.ctx, job)

			q.mu.Lock()
			if err != nil {
				q.failed++
				q.lastError = err.Error()
			} else {
				q.delivered++
				q.lastError = ""
				q.lastDelivery = time.Now().UTC()
			}
			q.mu.Unlock()

			if err != nil {
				d.log.Warn("delivery failed",
					"agent", agentID, "delivery", job.id, "url", job.url, "error", err)
			} else {
				d.log.Debug("delivered",
					"agent", agentID, "delivery", job.id, "event", job.payload.Event)
			}
		}
	}
}

// deliver posts the payload, retrying retryable failures with exponential
// backoff: 500ms, 1s, 2s, 4s between attempts, capped at maxBackoff.
func (d *Dispatcher) deliver(ctx context.Context, job delivery) error {
	backoff := initialBackoff
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := d.sleep(ctx, backoff); err != nil {
				return err
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
		err := d.post(ctx, job)
		if err == nil {
			return nil
		}
		lastErr = err

		var re *RetryableError
		if !errors.As(err, &re) {
			return err
		}
		d.log.Debug("retrying delivery",
			"delivery", job.id, "attempt", attempt, "error", err)
	}
	return fmt.Errorf("delivery failed after %d attempts: %w", maxAttempts, lastErr)
}

// post performs a single attempt and classifies the outcome. 2xx succeeds;
// transport errors, 408, 429, and 5xx are retryable; everything else is
// permanent.
func (d *Dispatcher) post(ctx context.Context, job delivery) error {
	body, err := json.Marshal(job.payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Anthill-Delivery", job.id)
	req.Header.Set("X-Anthill-Event", job.payload.Event)
	if job.token != "" {
		req.Header.Set("Authorization", "Bearer "+job.token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return &RetryableError{Err: fmt.Errorf("posting webhook: %w", err)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return &RetryableError{Err: fmt.Errorf("receiver returned %d", resp.StatusCode)}
	default:
		return fmt.Errorf("receiver returned %d", resp.StatusCode)
	}
}

// TestSend pushes a synthetic payload through the real delivery path,
// bypassing the queues, and returns the delivery id. With no explicit url it
// targets the config-level webhook.
func (d *Dispatcher) TestSend(ctx context.Context, url, token string) (string, error) {
	if url == "" {
		url = d.cfg.Webhook.URL
		if token == "" {
			token = d.cfg.Webhook.Token
		}
	}
	if url == "" {
		return "", ErrNoCallback
	}

	msg := "anthill webhook test delivery"
	job := delivery{
		id:    uuid.NewString(),
		url:   url,
		token: token,
		payload: Payload{
			Event:       "test",
			Project:     "anthill",
			AgentID:     "webhook-test",
			Provider:    "none",
			Status:      string(store.StatusIdle),
			LastMessage: &msg,
			Timestamp:   time.Now().UTC(),
		},
	}
	if err := d.deliver(ctx, job); err != nil {
		return job.id, err
	}
	return job.id, nil
}

// Status reports per-agent delivery counters, sorted by agent id.
func (d *Dispatcher) Status() Stats {
	d.mu.Lock()
	ids := make([]string, 0, len(d.queues))
	for id := range d.queues {
		ids = append(ids, id)
	}
	queues := make(map[string]*agentQueue, len(d.queues))
	for id, q := range d.queues {
		queues[id] = q
	}
	d.mu.Unlock()
	sort.Strings(ids)

	s := Stats{
		DefaultConfigured: d.cfg.Webhook.URL != "",
		Agents:            make([]AgentStats, 0, len(ids)),
	}
	for _, id := range ids {
		q := queues[id]
		q.mu.Lock()
		a := AgentStats{
			Project:    q.project,
			AgentID:    id,
			QueueDepth: len(q.jobs),
			Delivered:  q.delivered,
			Failed:     q.failed,
			Dropped:    q.dropped,
			LastError:  q.lastError,
		}
		if !q.lastDelivery.IsZero() {
			t := q.lastDelivery
			a.LastDeliveryAt = &t
		}
		q.mu.Unlock()

		s.Delivered += a.Delivered
		s.Failed += a.Failed
		s.Dropped += a.Dropped
		s.Agents = append(s.Agents, a)
	}
	return s
}

// Close detaches from the bus, cancels in-flight deliveries, and waits for
// the workers to stop.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.unsubscribe()
	d.cancel()
	d.wg.Wait()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
