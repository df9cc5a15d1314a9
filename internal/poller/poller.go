// Package poller drives the daemon's observation loop. Each tick it
// captures every live agent's pane, diffs the capture against the
// previous one, lifts classified provider events onto the bus, and
// fuses a status verdict from the pane state, the UI parser, and the
// provider's own session files.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/anthill/anthill/internal/config"
	"github.com/anthill/anthill/internal/eventbus"
	"github.com/anthill/anthill/internal/events"
	"github.com/anthill/anthill/internal/manager"
	"github.com/anthill/anthill/internal/provider"
	"github.com/anthill/anthill/internal/store"
	"github.com/anthill/anthill/internal/tmux"
	"github.com/anthill/anthill/internal/transcript"
)

const (
	// idleAfter is how long a processing agent must stay diff-free
	// before it is considered idle again.
	idleAfter = 3000 * time.Millisecond

	// internalsFreshFor is how recent a provider session-file write
	// must be to count as active processing. A quiet file is not an
	// idle signal; the remaining fusion rules decide.
	internalsFreshFor = 3000 * time.Millisecond

	// pollParallelism bounds concurrent per-agent polls. Each poll
	// spawns tmux subprocesses, so unbounded fan-out would fork-storm
	// on large fleets.
	pollParallelism = 8

	// anchorLines is how many trailing lines of the previous capture
	// the differ tries to re-locate in the new one.
	anchorLines = 5
)

// Transition sources recorded on status_changed events.
const (
	sourceUIParser  = "ui-parser"
	sourceInternals = "internals"
	sourcePaneDead  = "pane-dead"
)

// Stats is the poller's diagnostic snapshot, served on the debug
// endpoints.
type Stats struct {
	Cycles         uint64    `json:"cycles"`
	SkippedTicks   uint64    `json:"skippedTicks"`
	LastCycleAt    time.Time `json:"lastCycleAt,omitzero"`
	LastDurationMs int64     `json:"lastDurationMs"`
	IntervalMs     int       `json:"intervalMs"`
	AgentsPolled   int       `json:"agentsPolled"`
}

// Poller owns the observation loop. One instance per daemon.
type Poller struct {
	cfg      *config.Config
	mgr      *manager.Manager
	bus      *eventbus.Bus
	mux      manager.Mux
	registry *provider.Registry
	log      *slog.Logger

	interval time.Duration
	polling  atomic.Bool

	mu    sync.Mutex
	stats Stats
}

// New wires a Poller against the manager's write surface.
func New(cfg *config.Config, mgr *manager.Manager, bus *eventbus.Bus, mux manager.Mux, reg *provider.Registry, log *slog.Logger) *Poller {
	if log == nil {
		log = slog.Default()
	}
	return &Poller{
		cfg:      cfg,
		mgr:      mgr,
		bus:      bus,
		mux:      mux,
		registry: reg,
		log:      log.With("component", "poller"),
		interval: time.Duration(cfg.PollIntervalMs) * time.Millisecond,
	}
}

// Run ticks until ctx is cancelled. Returns ctx.Err().
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Tick()
		}
	}
}

// Tick runs one poll cycle over every non-exited agent. A cycle still
// in flight makes this tick a no-op; per-agent work runs in parallel
// and individual failures are logged without aborting the cycle.
func (p *Poller) Tick() {
	if !p.polling.CompareAndSwap(false, true) {
		p.mu.Lock()
		p.stats.SkippedTicks++
		p.mu.Unlock()
		return
	}
	defer p.polling.Store(false)

	start := time.Now()
	polled := 0

	var g errgroup.Group
	g.SetLimit(pollParallelism)
	for _, a := range p.mgr.ListAllAgents() {
		if a.Status == store.StatusExited {
			continue
		}
		polled++
		g.Go(func() error {
			p.pollAgent(a)
			return nil
		})
	}
	_ = g.Wait()

	p.mu.Lock()
	p.stats.Cycles++
	p.stats.LastCycleAt = start.UTC()
	p.stats.LastDurationMs = time.Since(start).Milliseconds()
	p.stats.IntervalMs = p.cfg.PollIntervalMs
	p.stats.AgentsPolled = polled
	p.mu.Unlock()
}

// Snapshot returns the current poller stats.
func (p *Poller) Snapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *Poller) pollAgent(a store.Agent) {
	dead, err := p.mux.GetPaneVar(a.MuxTarget, "pane_dead")
	if err != nil {
		if errors.Is(err, tmux.ErrWindowNotFound) || errors.Is(err, tmux.ErrSessionNotFound) {
			// The window vanished underneath us, same outcome as a
			// dead pane but with no exit status to read.
			if _, err := p.mgr.MarkAgentExited(a.ID, sourcePaneDead, nil); err != nil {
				p.log.Debug("mark exited", "agent", a.ID, "error", err)
			}
			return
		}
		p.log.Debug("pane_dead probe", "agent", a.ID, "error", err)
		return
	}
	if dead == "1" {
		if _, err := p.mgr.MarkAgentExited(a.ID, sourcePaneDead, p.paneExitCode(a.MuxTarget)); err != nil {
			p.log.Debug("mark exited", "agent", a.ID, "error", err)
		}
		return
	}

	raw, err := p.mux.CapturePane(a.MuxTarget, p.cfg.CaptureLines)
	if err != nil {
		p.log.Debug("capture", "agent", a.ID, "error", err)
		return
	}

	diff := outputDiff(a.LastOutput, raw)
	if err := p.mgr.UpdateAgentOutput(a.ID, raw, diff != ""); err != nil {
		// Deleted mid-cycle; nothing left to report on.
		return
	}

	if a.SessionFile == "" && a.RuntimeDir != "" && a.Provider == provider.TagClaudeCode {
		if path := transcript.NewestSession(a.RuntimeDir, a.CreatedAt); path != "" {
			if err := p.mgr.SetAgentSessionFile(a.ID, path); err == nil {
				a.SessionFile = path
				p.log.Debug("session file backfilled", "agent", a.ID, "file", path)
			}
		}
	}

	strat, err := p.registry.Get(a.Provider)
	if err != nil {
		p.log.Debug("no strategy", "agent", a.ID, "provider", a.Provider)
		return
	}

	var provEvents []provider.Event
	if diff != "" {
		provEvents = strat.ParseOutputDiff(diff)
	}

	cmd, _ := p.mux.GetPaneVar(a.MuxTarget, "pane_current_command")
	alive := cmd != "" && !manager.IsShell(cmd)

	fused, source := p.fuseStatus(a, strat.ParseStatus(raw), provEvents, diff, alive, raw)
	if fused != a.Status {
		if _, err := p.mgr.UpdateAgentStatus(a.ID, fused, source); err != nil {
			p.log.Debug("status update", "agent", a.ID, "to", fused, "error", err)
		}
	}

	for _, pe := range provEvents {
		p.emitProviderEvent(a, pe)
	}
}

// fuseStatus folds the tick's observations into one verdict. Rules
// apply in order; the first hit wins:
//
//  1. codex with a freshly written session file is processing,
//     whatever the terminal shows (source "internals")
//  2. a conclusive UI-parser verdict is accepted
//  3. classified events map directly, error outranking permission and
//     question, those outranking tool starts, those outranking
//     completions
//  4. any fresh output means processing
//  5. processing with a live pane and no diff for idleAfter means the
//     turn finished
//  6. starting with a live pane and any output at all means the CLI is
//     up and waiting
//  7. otherwise keep what we have
func (p *Poller) fuseStatus(a store.Agent, parsed store.Status, provEvents []provider.Event, diff string, alive bool, raw string) (store.Status, string) {
	if a.Provider == provider.TagCodex {
		if at, ok := transcript.LastWriteAt(a.SessionFile, a.RuntimeDir); ok && time.Since(at) <= internalsFreshFor {
			return store.StatusProcessing, sourceInternals
		}
	}

	if parsed != store.StatusStarting {
		return parsed, sourceUIParser
	}

	var permission, question, toolStart, completion bool
	for _, e := range provEvents {
		switch e.Kind {
		case provider.KindError:
			return store.StatusError, sourceUIParser
		case provider.KindPermission:
			permission = true
		case provider.KindQuestion:
			question = true
		case provider.KindToolStart:
			toolStart = true
		case provider.KindCompletion:
			completion = true
		}
	}
	switch {
	case permission, question:
		return store.StatusWaitingInput, sourceUIParser
	case toolStart:
		return store.StatusProcessing, sourceUIParser
	case completion:
		return store.StatusIdle, sourceUIParser
	}

	if diff != "" {
		return store.StatusProcessing, sourceUIParser
	}
	if a.Status == store.StatusProcessing && alive &&
		!a.LastDiffAt.IsZero() && time.Since(a.LastDiffAt) >= idleAfter {
		return store.StatusIdle, sourceUIParser
	}
	if a.Status == store.StatusStarting && alive && strings.TrimSpace(raw) != "" {
		return store.StatusIdle, sourceUIParser
	}
	return a.Status, ""
}

func (p *Poller) emitProviderEvent(a store.Agent, e provider.Event) {
	switch e.Kind {
	case provider.KindText:
		p.bus.Emit(events.NewOutput(a.Project, a.ID, e.Text))
	case provider.KindToolStart:
		p.bus.Emit(events.NewToolUse(a.Project, a.ID, e.Tool, e.Text))
	case provider.KindToolEnd:
		p.bus.Emit(events.NewToolResult(a.Project, a.ID, e.Tool, e.Text))
	case provider.KindError:
		p.bus.Emit(events.NewError(a.Project, a.ID, e.Text))
	case provider.KindPermission:
		p.bus.Emit(events.NewPermissionRequested(a.Project, a.ID, e.Text))
	case provider.KindQuestion:
		p.bus.Emit(events.NewQuestionAsked(a.Project, a.ID, e.Text, e.Options))
	case provider.KindUnknown:
		p.bus.Emit(events.NewUnknown(a.Project, a.ID, e.Text))
	case provider.KindCompletion:
		// status signal only, nothing to publish
	}
}

// paneExitCode reads the dead pane's exit status, nil when tmux can't
// report one.
func (p *Poller) paneExitCode(target string) *int {
	v, err := p.mux.GetPaneVar(target, "pane_dead_status")
	if err != nil || v == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return nil
	}
	return &n
}

// outputDiff returns the part of next that wasn't already at the tail
// of prev. Captures normally grow by appending, so the common-prefix
// case is exact when the cut lands on a line boundary; a cut mid-line
// means the tail line mutated in place (spinners do this every frame),
// so the differ instead re-locates the last few previous lines inside
// the new capture and returns what follows the match. A capture with
// no recognizable overlap (cleared pane, full repaint) counts as
// entirely new, which the event classifiers tolerate.
func outputDiff(prev, next string) string {
	if next == prev {
		return ""
	}
	if prev == "" {
		return next
	}
	if strings.HasPrefix(next, prev) {
		if rest := next[len(prev):]; rest[0] == '\n' || strings.HasSuffix(prev, "\n") {
			return rest
		}
	}

	nextLines := strings.Split(next, "\n")
	for _, anchor := range tailAnchors(prev, anchorLines) {
		for i := len(nextLines) - 1; i >= 0; i-- {
			if nextLines[i] == anchor {
				return strings.Join(nextLines[i+1:], "\n")
			}
		}
	}
	return next
}

// tailAnchors returns up to n trailing non-blank lines of s, newest
// first. Spinner lines mutate between captures, so the differ tries
// several before giving up.
func tailAnchors(s string, n int) []string {
	lines := strings.Split(s, "\n")
	var anchors []string
	for i := len(lines) - 1; i >= 0 && len(anchors) < n; i-- {
		if strings.TrimSpace(lines[i]) == "" {
			continue
		}
		anchors = append(anchors, lines[i])
	}
	return anchors
}
