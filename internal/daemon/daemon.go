// Package daemon assembles and supervises the anthill runtime: config,
// logging, the in-memory store, the event bus, the tmux adapter, the
// status poller, the webhook dispatcher, and the HTTP surface. One App
// is one daemon process; a file lock in the runtime dir keeps it that
// way.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gofrs/flock"

	"github.com/anthill/anthill/internal/config"
	"github.com/anthill/anthill/internal/eventbus"
	"github.com/anthill/anthill/internal/manager"
	"github.com/anthill/anthill/internal/poller"
	"github.com/anthill/anthill/internal/provider"
	"github.com/anthill/anthill/internal/store"
	"github.com/anthill/anthill/internal/subscription"
	"github.com/anthill/anthill/internal/tmux"
	"github.com/anthill/anthill/internal/version"
	"github.com/anthill/anthill/internal/web"
	"github.com/anthill/anthill/internal/webhook"
)

// ErrAlreadyRunning means another daemon holds the runtime lock.
var ErrAlreadyRunning = errors.New("daemon already running")

const (
	lockFileName = "anthill.lock"
	pidFileName  = "anthill.pid"
	logFileName  = "anthill.log"

	shutdownTimeout = 5 * time.Second
)

// App owns every long-lived component of a running daemon.
type App struct {
	cfg   *config.Config
	log   *slog.Logger
	level *slog.LevelVar

	store      *store.Store
	bus        *eventbus.Bus
	mux        *tmux.Tmux
	registry   *provider.Registry
	subs       *subscription.Store
	manager    *manager.Manager
	poller     *poller.Poller
	dispatcher *webhook.Dispatcher
	server     *web.Server
}

// Options adjust App construction.
type Options struct {
	// ConfigPath overrides the default config location. Empty means
	// config.DefaultPath, where a missing file yields defaults.
	ConfigPath string

	// Foreground mirrors the log stream to stderr in addition to the
	// log file.
	Foreground bool
}

// New loads configuration and wires a full App. The tmux probe and the
// runtime lock happen in Run, not here, so construction stays cheap
// enough for tests and dry runs.
func New(opts Options) (*App, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	return NewWithConfig(cfg, opts.Foreground)
}

// NewWithConfig wires an App around an already-loaded config.
func NewWithConfig(cfg *config.Config, foreground bool) (*App, error) {
	if err := os.MkdirAll(cfg.RuntimeDir, 0o755); err != nil {
		return nil, fmt.Errorf("runtime dir: %w", err)
	}
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("log dir: %w", err)
	}

	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.LogLevel))

	logPath := filepath.Join(cfg.LogDir, logFileName)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	var out io.Writer = logFile
	if foreground {
		out = io.MultiWriter(logFile, os.Stderr)
	}
	log := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))

	subsDir := SubscriptionsDir(cfg)
	subs, err := subscription.Load(subsDir)
	if err != nil {
		return nil, fmt.Errorf("loading subscriptions: %w", err)
	}
	if n := subs.Len(); n > 0 {
		log.Info("subscriptions loaded", "dir", subsDir, "count", n)
	}

	st := store.New()
	bus := eventbus.New(cfg.MaxEventHistory)
	mux := tmux.NewTmux()
	reg := provider.NewRegistry()
	mgr := manager.New(cfg, st, bus, mux, reg, subs, log.With("component", "manager"))
	poll := poller.New(cfg, mgr, bus, mux, reg, log.With("component", "poller"))
	disp := webhook.New(cfg, st, bus, log.With("component", "webhook"))

	app := &App{
		cfg:        cfg,
		log:        log,
		level:      level,
		store:      st,
		bus:        bus,
		mux:        mux,
		registry:   reg,
		subs:       subs,
		manager:    mgr,
		poller:     poll,
		dispatcher: disp,
	}
	app.server = web.NewServer(cfg, mgr, bus, poll, disp, subs, app.muxAvailable, log.With("component", "web"))
	return app, nil
}

// SubscriptionsDir is where credential records live, next to the
// config file.
func SubscriptionsDir(cfg *config.Config) string {
	path := cfg.Path()
	if path == "" {
		path = config.DefaultPath()
	}
	return filepath.Join(filepath.Dir(path), "subscriptions")
}

// Config exposes the loaded configuration.
func (a *App) Config() *config.Config { return a.cfg }

// muxAvailable re-probes tmux so /health reflects the live state, not
// the one captured at startup.
func (a *App) muxAvailable() bool {
	_, err := a.mux.Installed()
	return err == nil
}

// Run acquires the runtime lock, starts every component, and blocks
// until ctx is canceled or the HTTP listener fails. Teardown is
// ordered: HTTP stops accepting first, then the poller, the webhook
// queues, the manager's async helpers, and finally the bus.
func (a *App) Run(ctx context.Context) error {
	lockPath := filepath.Join(a.cfg.RuntimeDir, lockFileName)
	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring %s: %w", lockPath, err)
	}
	if !locked {
		return ErrAlreadyRunning
	}
	defer func() { _ = lock.Unlock() }()

	pidPath := filepath.Join(a.cfg.RuntimeDir, pidFileName)
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}
	defer func() { _ = os.Remove(pidPath) }()

	muxVersion, err := a.mux.Installed()
	if err != nil {
		return fmt.Errorf("tmux is required: %w", err)
	}

	httpErr := make(chan error, 1)
	go func() { httpErr <- a.server.ListenAndServe() }()

	pollCtx, pollCancel := context.WithCancel(context.Background())
	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		if err := a.poller.Run(pollCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Error("poller stopped", "error", err)
		}
	}()

	a.log.Info("daemon started",
		"pid", os.Getpid(),
		"addr", net.JoinHostPort(a.cfg.BindAddress, strconv.Itoa(a.cfg.Port)),
		"mux", muxVersion,
		"version", version.Version)

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("shutdown requested")
	case err := <-httpErr:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
			a.log.Error("http server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("http shutdown", "error", err)
	}
	pollCancel()
	<-pollDone
	a.dispatcher.Close()
	a.manager.Close()
	a.bus.Close()

	a.log.Info("daemon stopped")
	return runErr
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
