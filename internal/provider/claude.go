package provider

import (
	"regexp"

	"github.com/anthill/anthill/internal/config"
	"github.com/anthill/anthill/internal/store"
)

// claudeCode drives the Claude Code CLI. Its TUI is the most
// structured of the built-ins: tool calls render as "● Tool(input)"
// with "⎿ result" continuations, the busy spinner always carries an
// "esc to interrupt" hint, and the idle input box brings back the
// "? for shortcuts" footer.
type claudeCode struct {
	pat         uiPatterns
	idlePattern *regexp.Regexp
}

func newClaudeCode() *claudeCode {
	return &claudeCode{
		pat: uiPatterns{
			busy: []string{
				"esc to interrupt",
				"ctrl+b to run in background",
				"✻", "✶", "✽", "✢",
			},
			idlePrompt: []string{
				"? for shortcuts",
				"shift+tab to cycle",
				"bypass permissions",
			},
			permission: []string{
				"do you want to",
				"yes, and don't ask again",
				"grant permission",
			},
			question: []string{
				"select an option",
				"choose an option",
			},
			errorMarks: []string{
				"api error",
				"rate limit reached",
				"error:",
			},
			completion: []string{
				"? for shortcuts",
			},
			chrome: []string{
				"welcome to claude code",
				"auto-accept edits",
				"plan mode on",
				"↵ send",
			},
			toolStart:  regexp.MustCompile(`^[●⏺]\s+(\w+)\((.*)\)$`),
			toolEnd:    regexp.MustCompile(`^⎿\s+(.*)$`),
			option:     regexp.MustCompile(`^❯?\s*\d+[.)]\s+(.*)$`),
			promptLine: regexp.MustCompile(`^│?\s*>(\s|$)`),
		},
		idlePattern: regexp.MustCompile(`\? for shortcuts|^\s*│?\s*>`),
	}
}

func (c *claudeCode) Tag() string { return TagClaudeCode }

func (c *claudeCode) BuildCommand(cfg config.Provider) []string {
	return buildCommand(cfg, "claude")
}

func (c *claudeCode) BuildEnv(cfg config.Provider) map[string]string {
	return buildEnv(cfg)
}

func (c *claudeCode) FormatInput(message string) string {
	return message + "\n"
}

func (c *claudeCode) ExitCommand() string { return "/exit" }

func (c *claudeCode) IdlePattern() *regexp.Regexp { return c.idlePattern }

func (c *claudeCode) ParseStatus(output string) store.Status {
	return scanStatus(output, &c.pat)
}

func (c *claudeCode) ParseOutputDiff(diff string) []Event {
	return classifyDiff(diff, &c.pat)
}

// Internals points at Claude Code's per-project transcript directory.
// The concrete session JSONL isn't knowable at launch (the CLI names
// it after a session uuid), so SessionFile stays empty until the
// transcript binder observes one appear.
func (c *claudeCode) Internals(projectDir, _ string) InternalsHint {
	dir := claudeProjectsDir(projectDir)
	if dir == "" {
		return InternalsHint{}
	}
	return InternalsHint{RuntimeDir: dir}
}
