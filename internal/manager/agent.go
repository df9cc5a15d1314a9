package manager

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/anthill/anthill/internal/eventbus"
	"github.com/anthill/anthill/internal/events"
	"github.com/anthill/anthill/internal/provider"
	"github.com/anthill/anthill/internal/store"
	"github.com/anthill/anthill/internal/subscription"
	"github.com/anthill/anthill/internal/tmux"
	"github.com/anthill/anthill/internal/transcript"
)

const (
	// How long the initial task injection waits for the provider CLI to
	// come up before pasting anyway.
	readinessTimeout  = 30 * time.Second
	readinessInterval = 250 * time.Millisecond

	// Grace between the provider exit command and kill-window.
	deleteGrace = 500 * time.Millisecond

	debugEventCount = 20
)

// shellNames are pane_current_command values that mean "no provider
// process": the window is still at, or has fallen back to, a shell.
var shellNames = map[string]bool{
	"bash": true, "zsh": true, "sh": true, "fish": true,
	"nu": true, "dash": true, "ksh": true,
}

// IsShell reports whether a pane_current_command value names a shell.
func IsShell(cmd string) bool { return shellNames[cmd] }

// AgentSpec is the caller's request for a new agent.
type AgentSpec struct {
	ID           string          `json:"id,omitempty"`
	Provider     string          `json:"provider"`
	Task         string          `json:"task,omitempty"`
	Model        string          `json:"model,omitempty"`
	Subscription string          `json:"subscription,omitempty"`
	Callback     *store.Callback `json:"callback,omitempty"`
}

// CreateAgent provisions a tmux window running the provider CLI and
// registers the agent. On window failure nothing is left in the store;
// on store failure the window is killed again.
func (m *Manager) CreateAgent(project string, spec AgentSpec) (store.Agent, error) {
	proj, err := m.store.GetProject(project)
	if err != nil {
		return store.Agent{}, err
	}
	strat, err := m.registry.Get(spec.Provider)
	if err != nil {
		return store.Agent{}, err
	}
	provCfg := m.cfg.Providers[spec.Provider]
	if !provCfg.IsEnabled() {
		return store.Agent{}, fmt.Errorf("%w: %s", ErrProviderDisabled, spec.Provider)
	}
	if spec.Model != "" {
		provCfg.Model = spec.Model
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	has, err := m.mux.HasSession(proj.MuxSession)
	if err != nil {
		return store.Agent{}, fmt.Errorf("checking mux session: %w", err)
	}
	if !has {
		if err := m.mux.CreateSession(proj.MuxSession, proj.Dir); err != nil {
			return store.Agent{}, fmt.Errorf("creating mux session: %w", err)
		}
	}

	id := spec.ID
	if id != "" {
		if !store.AgentIDRe.MatchString(id) {
			return store.Agent{}, fmt.Errorf("%w: agent id %q must match %s", ErrInvalidName, id, store.AgentIDRe)
		}
		if m.store.HasAgent(id) {
			return store.Agent{}, fmt.Errorf("%w: %s", store.ErrAgentExists, id)
		}
	} else {
		id = m.allocateID(spec.Provider)
	}

	argv := strat.BuildCommand(provCfg)
	env := strat.BuildEnv(provCfg)
	if env == nil {
		env = make(map[string]string)
	}
	var unset []string
	if spec.Subscription != "" {
		if m.subs == nil {
			return store.Agent{}, fmt.Errorf("%w: %s", subscription.ErrNotFound, spec.Subscription)
		}
		rec, err := m.subs.Get(spec.Subscription)
		if err != nil {
			return store.Agent{}, err
		}
		for k, v := range rec.EnvOverrides() {
			env[k] = v
		}
		unset = rec.UnsetEnv
	}
	env["ANTHILL_AGENT_ID"] = id
	env["ANTHILL_PROJECT"] = project

	hint := strat.Internals(proj.Dir, id)

	paneID, err := m.mux.CreateWindow(proj.MuxSession, id, proj.Dir, argv, env, unset)
	if err != nil {
		return store.Agent{}, fmt.Errorf("creating window: %w", err)
	}
	target := fmt.Sprintf("%s:%s.0", proj.MuxSession, id)

	now := time.Now().UTC()
	agent := store.Agent{
		ID:             id,
		Project:        project,
		Provider:       spec.Provider,
		Task:           spec.Task,
		Model:          spec.Model,
		SubscriptionID: spec.Subscription,
		Status:         store.StatusStarting,
		CreatedAt:      now,
		LastActivity:   now,
		WindowName:     id,
		MuxTarget:      target,
		AttachCommand:  "tmux attach -t " + proj.MuxSession,
		Callback:       spec.Callback,
		RuntimeDir:     hint.RuntimeDir,
		SessionFile:    hint.SessionFile,
	}
	if err := m.store.CreateAgent(agent); err != nil {
		if killErr := m.mux.KillWindow(target); killErr != nil {
			m.log.Warn("rollback window after store failure", "agent", id, "error", killErr)
		}
		return store.Agent{}, err
	}

	logPath := m.cfg.PipeLogPath(project, id)
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		m.log.Warn("pipe log dir", "agent", id, "error", err)
	} else if err := m.mux.StartPipePane(target, logPath); err != nil {
		m.log.Warn("pipe log", "agent", id, "error", err)
	}

	if spec.Task != "" {
		m.wg.Add(1)
		go m.injectInitialTask(agent, strat)
	}
	if hint.RuntimeDir != "" && hint.SessionFile == "" && spec.Provider == provider.TagClaudeCode {
		m.wg.Add(1)
		go m.bindSessionFile(agent)
	}

	m.bus.Emit(events.NewAgentStarted(project, id, spec.Provider))
	m.bus.Emit(events.NewStatusChanged(project, id, string(store.StatusStarting), string(store.StatusStarting), "create"))

	m.log.Info("agent created", "project", project, "agent", id, "provider", spec.Provider, "pane", paneID)
	return agent, nil
}

// allocateID picks a fresh generated id, suffixing -2, -3, … on
// collision.
func (m *Manager) allocateID(tag string) string {
	base := tag + "-" + m.names.Pair()
	if !m.store.HasAgent(base) {
		return base
	}
	for k := 2; ; k++ {
		candidate := base + "-" + strconv.Itoa(k)
		if !m.store.HasAgent(candidate) {
			return candidate
		}
	}
}

// injectInitialTask waits for the provider CLI to come up, then pastes
// the task prompt. The initial injection deliberately emits no
// input_sent event; only operator input does.
func (m *Manager) injectInitialTask(agent store.Agent, strat provider.Strategy) {
	defer m.wg.Done()

	m.waitUntilReady(agent, strat)
	select {
	case <-m.lifeCtx.Done():
		return
	default:
	}

	unlock := m.lockAgent(agent.ID)
	defer unlock()
	if _, err := m.store.GetAgent(agent.ID); err != nil {
		return // deleted while waiting
	}
	if err := m.mux.SendInput(agent.MuxTarget, strat.FormatInput(agent.Task)); err != nil {
		m.log.Warn("initial task injection", "agent", agent.ID, "error", err)
		return
	}
	_ = m.store.UpdateAgent(agent.ID, func(a *store.Agent) { a.LastActivity = time.Now().UTC() })
	m.log.Debug("task injected", "agent", agent.ID)
}

// waitUntilReady returns once the pane hosts a non-shell process, the
// provider's idle prompt renders, or the timeout elapses. Injection
// proceeds in every case; a CLI that never paints its prompt still gets
// the task after the timeout.
func (m *Manager) waitUntilReady(agent store.Agent, strat provider.Strategy) {
	deadline := time.Now().Add(readinessTimeout)
	ticker := time.NewTicker(readinessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.lifeCtx.Done():
			return
		case <-ticker.C:
		}
		if time.Now().After(deadline) {
			m.log.Debug("readiness timeout", "agent", agent.ID)
			return
		}
		if cmd, err := m.mux.GetPaneVar(agent.MuxTarget, "pane_current_command"); err == nil && cmd != "" && !IsShell(cmd) {
			return
		}
		if pat := strat.IdlePattern(); pat != nil {
			if out, err := m.mux.CapturePane(agent.MuxTarget, 50); err == nil && pat.MatchString(provider.StripANSI(out)) {
				return
			}
		}
	}
}

// bindSessionFile watches the provider runtime dir until the CLI writes
// its transcript, then records the path for the messages endpoints.
func (m *Manager) bindSessionFile(agent store.Agent) {
	defer m.wg.Done()

	b := transcript.NewBinder(agent.RuntimeDir, agent.CreatedAt)
	path, err := b.WaitForSession(m.lifeCtx)
	if err != nil {
		m.log.Debug("session file bind", "agent", agent.ID, "error", err)
		return
	}
	if err := m.store.UpdateAgent(agent.ID, func(a *store.Agent) { a.SessionFile = path }); err == nil {
		m.log.Debug("session file bound", "agent", agent.ID, "file", path)
	}
}

// DeleteAgent tears one agent down.
func (m *Manager) DeleteAgent(project, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, err := m.store.GetAgentIn(project, id)
	if err != nil {
		return err
	}
	return m.deleteAgentLocked(a)
}

// deleteAgentLocked runs the ordered best-effort teardown: stop the
// pipe-log, ask the provider to quit, then kill the window regardless.
// Caller holds m.mu.
func (m *Manager) deleteAgentLocked(a store.Agent) error {
	unlock := m.lockAgent(a.ID)
	defer unlock()

	if err := m.mux.StopPipePane(a.MuxTarget); err != nil {
		m.log.Debug("stop pipe", "agent", a.ID, "error", err)
	}
	if strat, err := m.registry.Get(a.Provider); err == nil && a.Status != store.StatusExited {
		if err := m.mux.SendInput(a.MuxTarget, strat.FormatInput(strat.ExitCommand())); err != nil {
			m.log.Debug("exit command", "agent", a.ID, "error", err)
		} else {
			time.Sleep(deleteGrace)
		}
	}
	if err := m.mux.KillWindow(a.MuxTarget); err != nil &&
		!errors.Is(err, tmux.ErrWindowNotFound) && !errors.Is(err, tmux.ErrSessionNotFound) {
		m.log.Warn("kill window", "agent", a.ID, "error", err)
	}
	if err := m.store.DeleteAgent(a.ID); err != nil {
		return err
	}
	m.dropAgentLock(a.ID)

	m.bus.Emit(events.NewStatusChanged(a.Project, a.ID, string(a.Status), string(store.StatusExited), "delete"))
	m.bus.Emit(events.NewAgentExited(a.Project, a.ID, nil))
	m.log.Info("agent deleted", "project", a.Project, "agent", a.ID)
	return nil
}

// SendInput pastes operator text into the agent's pane and emits
// input_sent.
func (m *Manager) SendInput(project, id, text string) error {
	a, err := m.store.GetAgentIn(project, id)
	if err != nil {
		return err
	}
	strat, err := m.registry.Get(a.Provider)
	if err != nil {
		return err
	}

	unlock := m.lockAgent(a.ID)
	defer unlock()

	if err := m.mux.SendInput(a.MuxTarget, strat.FormatInput(text)); err != nil {
		return fmt.Errorf("sending input: %w", err)
	}
	_ = m.store.UpdateAgent(a.ID, func(ag *store.Agent) { ag.LastActivity = time.Now().UTC() })
	m.bus.Emit(events.NewInputSent(project, id, text))
	return nil
}

// AbortAgent sends the interrupt key. Every supported CLI treats Escape
// as "stop what you are doing" without quitting.
func (m *Manager) AbortAgent(project, id string) error {
	a, err := m.store.GetAgentIn(project, id)
	if err != nil {
		return err
	}

	unlock := m.lockAgent(a.ID)
	defer unlock()

	if err := m.mux.SendKeys(a.MuxTarget, "Escape"); err != nil {
		return fmt.Errorf("sending interrupt: %w", err)
	}
	_ = m.store.UpdateAgent(a.ID, func(ag *store.Agent) { ag.LastActivity = time.Now().UTC() })
	return nil
}

// UpdateAgentStatus applies a lifecycle transition when the state
// machine allows it and emits status_changed after the store update.
// Disallowed and no-op transitions return false without error.
func (m *Manager) UpdateAgentStatus(id string, to store.Status, source string) (bool, error) {
	unlock := m.lockAgent(id)
	defer unlock()

	a, err := m.store.GetAgent(id)
	if err != nil {
		return false, err
	}
	if !store.CanTransition(a.Status, to) {
		return false, nil
	}
	if err := m.store.UpdateAgent(id, func(ag *store.Agent) {
		ag.Status = to
		ag.LastActivity = time.Now().UTC()
	}); err != nil {
		return false, err
	}

	m.bus.Emit(events.NewStatusChanged(a.Project, id, string(a.Status), string(to), source))
	return true, nil
}

// MarkAgentExited records pane death observed by the poller: the exited
// transition plus the agent_exited record.
func (m *Manager) MarkAgentExited(id, source string, exitCode *int) (bool, error) {
	unlock := m.lockAgent(id)
	defer unlock()

	a, err := m.store.GetAgent(id)
	if err != nil {
		return false, err
	}
	if a.Status == store.StatusExited {
		return false, nil
	}
	if err := m.store.UpdateAgent(id, func(ag *store.Agent) {
		ag.Status = store.StatusExited
		ag.LastActivity = time.Now().UTC()
	}); err != nil {
		return false, err
	}

	m.bus.Emit(events.NewStatusChanged(a.Project, id, string(a.Status), string(store.StatusExited), source))
	m.bus.Emit(events.NewAgentExited(a.Project, id, exitCode))
	return true, nil
}

// UpdateAgentOutput stores the latest capture. diff marks that new text
// appeared since the previous one.
func (m *Manager) UpdateAgentOutput(id, raw string, diff bool) error {
	unlock := m.lockAgent(id)
	defer unlock()

	return m.store.UpdateAgent(id, func(a *store.Agent) {
		a.LastOutput = raw
		if diff {
			now := time.Now().UTC()
			a.LastDiffAt = now
			a.LastActivity = now
		}
	})
}

// SetAgentSessionFile records a late-bound transcript path, the
// poller's backfill for bindings the fsnotify watcher missed.
func (m *Manager) SetAgentSessionFile(id, path string) error {
	return m.store.UpdateAgent(id, func(a *store.Agent) { a.SessionFile = path })
}

// GetAgent returns the agent when it belongs to the project.
func (m *Manager) GetAgent(project, id string) (store.Agent, error) {
	return m.store.GetAgentIn(project, id)
}

// ListAgents returns the project's agents, oldest first.
func (m *Manager) ListAgents(project string) ([]store.Agent, error) {
	if _, err := m.store.GetProject(project); err != nil {
		return nil, err
	}
	return m.store.ListAgents(project), nil
}

// ListAllAgents returns every agent across projects, oldest first.
func (m *Manager) ListAllAgents() []store.Agent {
	return m.store.ListAllAgents()
}

// AgentOutput returns pane scrollback. lines > 0 captures fresh from
// the pane; otherwise the poller's last capture is returned.
func (m *Manager) AgentOutput(project, id string, lines int) (string, error) {
	a, err := m.store.GetAgentIn(project, id)
	if err != nil {
		return "", err
	}
	if lines > 0 {
		return m.mux.CapturePane(a.MuxTarget, lines)
	}
	return a.LastOutput, nil
}

// AgentDebug is the diagnostic bundle served on the debug endpoint.
type AgentDebug struct {
	Agent     store.Agent       `json:"agent"`
	PaneVars  map[string]string `json:"paneVars"`
	Events    []events.Event    `json:"recentEvents"`
	Internals InternalsDebug    `json:"internals"`
}

// InternalsDebug reports transcript binding state.
type InternalsDebug struct {
	RuntimeDir        string `json:"runtimeDir,omitempty"`
	SessionFile       string `json:"sessionFile,omitempty"`
	SessionFileExists bool   `json:"sessionFileExists"`
}

// GetAgentDebug assembles the bundle: pane vars straight from the mux,
// the stored record, and the agent's recent bus history.
func (m *Manager) GetAgentDebug(project, id string) (AgentDebug, error) {
	a, err := m.store.GetAgentIn(project, id)
	if err != nil {
		return AgentDebug{}, err
	}

	dbg := AgentDebug{Agent: a, PaneVars: make(map[string]string)}
	for _, v := range []string{"pane_dead", "pane_current_command", "pane_pid"} {
		val, err := m.mux.GetPaneVar(a.MuxTarget, v)
		if err != nil {
			dbg.PaneVars[v] = "error: " + err.Error()
			continue
		}
		dbg.PaneVars[v] = val
	}

	history := m.bus.History(eventbus.Filter{AgentID: id}, 0, 0)
	if len(history) > debugEventCount {
		history = history[len(history)-debugEventCount:]
	}
	dbg.Events = history

	dbg.Internals = InternalsDebug{RuntimeDir: a.RuntimeDir, SessionFile: a.SessionFile}
	if a.SessionFile != "" {
		if _, err := os.Stat(a.SessionFile); err == nil {
			dbg.Internals.SessionFileExists = true
		}
	}
	return dbg, nil
}
