// Package manager coordinates project and agent lifecycle. Every write
// against the store flows through it so mux side-effects, store updates,
// and bus events stay ordered: an event is only emitted after the store
// already reflects it.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/anthill/anthill/internal/config"
	"github.com/anthill/anthill/internal/eventbus"
	"github.com/anthill/anthill/internal/namegen"
	"github.com/anthill/anthill/internal/provider"
	"github.com/anthill/anthill/internal/store"
	"github.com/anthill/anthill/internal/subscription"
	"github.com/anthill/anthill/internal/tmux"
)

var (
	ErrInvalidName      = errors.New("invalid name")
	ErrProviderDisabled = errors.New("provider disabled")
)

// Mux is the slice of the tmux adapter the manager and poller drive.
// *tmux.Tmux satisfies it; tests substitute a fake.
type Mux interface {
	CreateSession(name, dir string) error
	CreateWindow(session, name, dir string, argv []string, env map[string]string, unsetEnv []string) (string, error)
	SendInput(target, text string) error
	SendKeys(target string, keys ...string) error
	CapturePane(target string, lines int) (string, error)
	StartPipePane(target, path string) error
	StopPipePane(target string) error
	KillWindow(target string) error
	KillSession(name string) error
	HasSession(name string) (bool, error)
	GetPaneVar(target, name string) (string, error)
	SetEnvironment(session, key, value string) error
}

// Manager is the single write path for projects and agents.
type Manager struct {
	cfg      *config.Config
	store    *store.Store
	bus      *eventbus.Bus
	mux      Mux
	registry *provider.Registry
	subs     *subscription.Store
	names    *namegen.Generator
	log      *slog.Logger

	// mu serializes create/delete mutations; per-agent locks serialize
	// the high-frequency paths (status, output, input) without blocking
	// unrelated agents. Lock order is always mu before an agent lock.
	mu         sync.Mutex
	agentMu    sync.Mutex
	agentLocks map[string]*sync.Mutex

	// lifetime bounds the async helpers (readiness wait, task injection,
	// transcript binding) that outlive the request that spawned them.
	lifeCtx    context.Context
	lifeCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New wires a Manager. subs may be nil when no subscription records are
// loaded.
func New(cfg *config.Config, st *store.Store, bus *eventbus.Bus, mux Mux, reg *provider.Registry, subs *subscription.Store, log *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:        cfg,
		store:      st,
		bus:        bus,
		mux:        mux,
		registry:   reg,
		subs:       subs,
		names:      namegen.NewRandom(),
		log:        log.With("component", "manager"),
		agentLocks: make(map[string]*sync.Mutex),
		lifeCtx:    ctx,
		lifeCancel: cancel,
	}
}

// Close stops the async helpers and waits for them to drain.
func (m *Manager) Close() {
	m.lifeCancel()
	m.wg.Wait()
}

// sessionName derives the mux session for a project.
func (m *Manager) sessionName(project string) string {
	return m.cfg.MuxPrefix + "-" + project
}

// lockAgent acquires the per-agent mutex and returns its release func.
func (m *Manager) lockAgent(id string) func() {
	m.agentMu.Lock()
	l, ok := m.agentLocks[id]
	if !ok {
		l = &sync.Mutex{}
		m.agentLocks[id] = l
	}
	m.agentMu.Unlock()
	l.Lock()
	return l.Unlock
}

func (m *Manager) dropAgentLock(id string) {
	m.agentMu.Lock()
	delete(m.agentLocks, id)
	m.agentMu.Unlock()
}

// CreateProject registers a project and eagerly creates its mux session
// so a broken mux surfaces here instead of at the first agent.
func (m *Manager) CreateProject(name, dir string, callback *store.Callback) (store.Project, error) {
	if !store.ProjectNameRe.MatchString(name) {
		return store.Project{}, fmt.Errorf("%w: project %q must match %s", ErrInvalidName, name, store.ProjectNameRe)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return store.Project{}, fmt.Errorf("%w: dir %q: %v", ErrInvalidName, dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return store.Project{}, fmt.Errorf("%w: dir %q is not a directory", ErrInvalidName, dir)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p := store.Project{
		Name:       name,
		Dir:        abs,
		MuxSession: m.sessionName(name),
		CreatedAt:  time.Now().UTC(),
		Callback:   callback,
	}
	if err := m.store.CreateProject(p); err != nil {
		return store.Project{}, err
	}
	if err := m.mux.CreateSession(p.MuxSession, abs); err != nil {
		if delErr := m.store.DeleteProject(name); delErr != nil {
			m.log.Warn("rollback after session failure", "project", name, "error", delErr)
		}
		return store.Project{}, fmt.Errorf("creating mux session: %w", err)
	}
	if err := m.mux.SetEnvironment(p.MuxSession, "ANTHILL_PROJECT", name); err != nil {
		m.log.Debug("set session env", "project", name, "error", err)
	}

	m.log.Info("project created", "project", name, "dir", abs, "session", p.MuxSession)
	return p, nil
}

// DeleteProject tears down every agent, then the mux session, then the
// store entry. Each step is best-effort so a half-dead session cannot
// wedge the delete.
func (m *Manager) DeleteProject(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.store.GetProject(name)
	if err != nil {
		return err
	}

	for _, a := range m.store.ListAgents(name) {
		if err := m.deleteAgentLocked(a); err != nil {
			m.log.Warn("deleting agent during project teardown", "project", name, "agent", a.ID, "error", err)
		}
	}

	if err := m.mux.KillSession(p.MuxSession); err != nil && !errors.Is(err, tmux.ErrSessionNotFound) {
		// Session may already be gone; anything else is logged and the
		// delete proceeds.
		m.log.Warn("killing mux session", "project", name, "session", p.MuxSession, "error", err)
	}
	if err := m.store.DeleteProject(name); err != nil {
		return err
	}
	m.log.Info("project deleted", "project", name)
	return nil
}

// UpdateProject replaces the project's default callback. A nil callback
// clears it.
func (m *Manager) UpdateProject(name string, callback *store.Callback) (store.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.UpdateProject(name, func(p *store.Project) {
		p.Callback = callback
	}); err != nil {
		return store.Project{}, err
	}
	return m.store.GetProject(name)
}

// GetProject returns one project.
func (m *Manager) GetProject(name string) (store.Project, error) {
	return m.store.GetProject(name)
}

// ListProjects returns all projects sorted by name.
func (m *Manager) ListProjects() []store.Project {
	return m.store.ListProjects()
}
