// Package web exposes the daemon's /api/v1 surface: project and agent CRUD,
// input and output plumbing, transcript-backed messages, SSE event streams,
// and the webhook diagnostics. Handlers are thin adapters over the manager;
// all state mutation stays behind it.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/anthill/anthill/internal/config"
	"github.com/anthill/anthill/internal/eventbus"
	"github.com/anthill/anthill/internal/manager"
	"github.com/anthill/anthill/internal/poller"
	"github.com/anthill/anthill/internal/subscription"
	"github.com/anthill/anthill/internal/version"
	"github.com/anthill/anthill/internal/webhook"
)

// Server serves the HTTP surface for one daemon instance.
type Server struct {
	cfg        *config.Config
	mgr        *manager.Manager
	bus        *eventbus.Bus
	poll       *poller.Poller
	dispatcher *webhook.Dispatcher
	subs       *subscription.Store
	log        *slog.Logger

	// muxOK reports whether the mux binary currently answers; /health
	// surfaces it so clients see degradation without a failing call.
	muxOK func() bool

	// heartbeat is the SSE keepalive cadence; tests shorten it.
	heartbeat time.Duration

	startedAt time.Time
	httpSrv   *http.Server

	// done unblocks long-lived SSE writers on shutdown, which plain
	// http.Server.Shutdown would otherwise wait on forever.
	done     chan struct{}
	stopOnce sync.Once
}

// NewServer wires the HTTP layer. muxOK may be nil, in which case /health
// always reports the mux as available.
func NewServer(cfg *config.Config, mgr *manager.Manager, bus *eventbus.Bus, poll *poller.Poller, disp *webhook.Dispatcher, subs *subscription.Store, muxOK func() bool, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if muxOK == nil {
		muxOK = func() bool { return true }
	}
	s := &Server{
		cfg:        cfg,
		mgr:        mgr,
		bus:        bus,
		poll:       poll,
		dispatcher: disp,
		subs:       subs,
		log:        log.With("component", "web"),
		muxOK:      muxOK,
		heartbeat:  sseHeartbeat,
		startedAt:  time.Now().UTC(),
		done:       make(chan struct{}),
	}
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the /api/v1 route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	mux.HandleFunc("GET /api/v1/projects", s.handleListProjects)
	mux.HandleFunc("POST /api/v1/projects", s.handleCreateProject)
	mux.HandleFunc("GET /api/v1/projects/{project}", s.handleGetProject)
	mux.HandleFunc("PATCH /api/v1/projects/{project}", s.handlePatchProject)
	mux.HandleFunc("DELETE /api/v1/projects/{project}", s.handleDeleteProject)
	mux.HandleFunc("GET /api/v1/projects/{project}/events", s.handleProjectEvents)

	mux.HandleFunc("GET /api/v1/projects/{project}/agents", s.handleListAgents)
	mux.HandleFunc("POST /api/v1/projects/{project}/agents", s.handleCreateAgent)
	mux.HandleFunc("GET /api/v1/projects/{project}/agents/{agent}", s.handleGetAgent)
	mux.HandleFunc("DELETE /api/v1/projects/{project}/agents/{agent}", s.handleDeleteAgent)
	mux.HandleFunc("POST /api/v1/projects/{project}/agents/{agent}/input", s.handleAgentInput)
	mux.HandleFunc("POST /api/v1/projects/{project}/agents/{agent}/abort", s.handleAgentAbort)
	mux.HandleFunc("GET /api/v1/projects/{project}/agents/{agent}/output", s.handleAgentOutput)
	mux.HandleFunc("GET /api/v1/projects/{project}/agents/{agent}/messages", s.handleAgentMessages)
	mux.HandleFunc("GET /api/v1/projects/{project}/agents/{agent}/messages/last", s.handleAgentLastMessage)
	mux.HandleFunc("GET /api/v1/projects/{project}/agents/{agent}/debug", s.handleAgentDebug)
	mux.HandleFunc("GET /api/v1/projects/{project}/agents/{agent}/events", s.handleAgentEvents)

	mux.HandleFunc("GET /api/v1/subscriptions", s.handleSubscriptions)

	mux.HandleFunc("GET /api/v1/webhook/status", s.handleWebhookStatus)
	mux.HandleFunc("POST /api/v1/webhook/test", s.handleWebhookTest)
	mux.HandleFunc("POST /api/v1/webhook/probe-receiver", s.handleWebhookProbe)

	return s.withAuth(mux)
}

// ListenAndServe binds the configured address and serves until Shutdown.
// http.ErrServerClosed is swallowed: a clean stop is not an error.
func (s *Server) ListenAndServe() error {
	addr := net.JoinHostPort(s.cfg.BindAddress, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", addr, err)
	}
	s.log.Info("listening", "addr", addr)
	if err := s.httpSrv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections, unblocks SSE writers, and waits for
// in-flight handlers up to ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.done) })
	return s.httpSrv.Shutdown(ctx)
}

// withAuth enforces the configured bearer token on every route.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token := s.cfg.Auth.Token; token != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || got != token {
				s.sendError(w, http.StatusUnauthorized, codeUnauthorized, "missing or invalid bearer token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("encoding response", "error", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, status int, code, message string) {
	s.sendJSON(w, status, apiError{Error: code, Message: message})
}

// fail maps a lower-layer error onto the wire taxonomy.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "error", err)
	}
	s.sendError(w, status, code, err.Error())
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// handleHealth always succeeds; degradation is reported, not returned.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]any{
		"uptime":       int64(time.Since(s.startedAt).Seconds()),
		"projects":     len(s.mgr.ListProjects()),
		"agents":       len(s.mgr.ListAllAgents()),
		"muxAvailable": s.muxOK(),
		"version":      version.Version,
	})
}

// handleSubscriptions lists credential summaries. Env values never appear;
// the summary carries key names only.
func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	list := []subscription.Summary{}
	if s.subs != nil {
		list = s.subs.List()
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"subscriptions": list})
}
