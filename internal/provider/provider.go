// Package provider holds the per-CLI strategies the daemon uses to
// drive coding agents. A strategy knows how to launch its CLI, how to
// read lifecycle state out of raw terminal scrollback, and how to turn
// fresh output into classified events. Everything here is pure string
// work; the mux adapter owns the subprocess plumbing.
package provider

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/anthill/anthill/internal/config"
	"github.com/anthill/anthill/internal/store"
)

// Provider tags built in at startup.
const (
	TagClaudeCode = "claude-code"
	TagCodex      = "codex"
	TagPi         = "pi"
	TagOpencode   = "opencode"
)

// ErrUnknownProvider means no strategy is registered for the tag.
var ErrUnknownProvider = errors.New("unknown provider")

// Kind classifies one fragment of new terminal output.
type Kind string

const (
	KindText       Kind = "text"
	KindToolStart  Kind = "tool_start"
	KindToolEnd    Kind = "tool_end"
	KindError      Kind = "error"
	KindCompletion Kind = "completion"
	KindPermission Kind = "permission_requested"
	KindQuestion   Kind = "question_asked"
	KindUnknown    Kind = "unknown"
)

// Event is one classified fragment of fresh terminal output. Field use
// depends on Kind: Text carries the line body (tool input for
// tool_start, tool output for tool_end, the raw line for unknown);
// Tool names the tool for tool_start/tool_end; Options holds the menu
// entries of a question_asked.
type Event struct {
	Kind    Kind
	Text    string
	Tool    string
	Options []string
}

// InternalsHint names the on-disk locations where a provider process
// records its own session state. RuntimeDir is the directory worth
// watching; SessionFile is the concrete transcript once one is known
// (claude binds it after launch, other providers never set it).
type InternalsHint struct {
	RuntimeDir  string
	SessionFile string
}

// Strategy is the contract one provider CLI implements.
//
// ParseStatus and ParseOutputDiff receive raw capture text and must
// tolerate ANSI sequences; both strip them before matching.
type Strategy interface {
	// Tag returns the provider's registry key.
	Tag() string

	// BuildCommand returns the argv that launches the CLI: base
	// command, then --model when one is configured, then extra args.
	BuildCommand(cfg config.Provider) []string

	// BuildEnv returns a fresh copy of the configured environment.
	BuildEnv(cfg config.Provider) map[string]string

	// FormatInput rewrites a message for delivery to the CLI's input.
	FormatInput(message string) string

	// ExitCommand returns the text that makes the CLI quit cleanly.
	ExitCommand() string

	// IdlePattern matches scrollback once the CLI is ready for input.
	IdlePattern() *regexp.Regexp

	// ParseStatus infers lifecycle state from the tail of a capture.
	// Returns store.StatusStarting when nothing matches.
	ParseStatus(output string) store.Status

	// ParseOutputDiff classifies fresh output line by line.
	ParseOutputDiff(diff string) []Event

	// Internals reports where the CLI writes its own session state
	// for the given project directory. Zero value when it doesn't.
	Internals(projectDir, agentID string) InternalsHint
}

// Registry maps provider tags to strategies.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewRegistry returns a registry pre-loaded with the built-in
// strategies.
func NewRegistry() *Registry {
	r := &Registry{strategies: make(map[string]Strategy)}
	r.Register(newClaudeCode())
	r.Register(newCodex())
	r.Register(newPi())
	r.Register(newOpencode())
	return r
}

// Register adds or replaces the strategy for its tag.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Tag()] = s
}

// Get returns the strategy for tag or ErrUnknownProvider.
func (r *Registry) Get(tag string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[tag]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, tag)
	}
	return s, nil
}

// Tags returns all registered tags, sorted.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.strategies))
	for tag := range r.strategies {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// buildCommand is the shared argv assembly all built-ins use.
func buildCommand(cfg config.Provider, fallback string) []string {
	command := cfg.Command
	if command == "" {
		command = fallback
	}
	argv := []string{command}
	if cfg.Model != "" {
		argv = append(argv, "--model", cfg.Model)
	}
	return append(argv, cfg.ExtraArgs...)
}

// buildEnv copies the configured environment so callers can overlay
// subscription values without mutating shared config.
func buildEnv(cfg config.Provider) map[string]string {
	env := make(map[string]string, len(cfg.Env))
	for k, v := range cfg.Env {
		env[k] = v
	}
	return env
}
