package provider

import (
	"regexp"
	"strings"

	"github.com/anthill/anthill/internal/config"
	"github.com/anthill/anthill/internal/store"
)

// codex drives the OpenAI Codex CLI. Tool activity renders as
// "• Ran <cmd>" bullets with "└ output" continuations, and every
// finished turn prints a "tokens used" summary, which doubles as the
// completion marker.
type codex struct {
	pat         uiPatterns
	idlePattern *regexp.Regexp
}

func newCodex() *codex {
	return &codex{
		pat: uiPatterns{
			busy: []string{
				"esc to interrupt",
				"• working",
				"• thinking",
			},
			idlePrompt: []string{
				"⏎ send",
				"ctrl+j newline",
				"ctrl+t transcript",
			},
			permission: []string{
				"allow command",
				"do you approve",
				"not now",
			},
			question: []string{
				"select one",
			},
			errorMarks: []string{
				"stream error",
				"error:",
			},
			completion: []string{
				"tokens used",
			},
			chrome: []string{
				"ctrl+c quit",
				"codex v",
			},
			toolStart:  regexp.MustCompile(`^•\s+(Ran|Read|Edited|Wrote|Searched)\s+(.*)$`),
			toolEnd:    regexp.MustCompile(`^└\s+(.*)$`),
			option:     regexp.MustCompile(`^>?\s*\d+[.)]\s+(.*)$`),
			promptLine: regexp.MustCompile(`^[▌›]\s?`),
		},
		idlePattern: regexp.MustCompile(`⏎ send|tokens used`),
	}
}

func (c *codex) Tag() string { return TagCodex }

func (c *codex) BuildCommand(cfg config.Provider) []string {
	return buildCommand(cfg, "codex")
}

func (c *codex) BuildEnv(cfg config.Provider) map[string]string {
	return buildEnv(cfg)
}

// FormatInput flattens newlines: codex's input box submits on every
// pasted line break, which would split one prompt into several turns.
func (c *codex) FormatInput(message string) string {
	return strings.ReplaceAll(message, "\n", " ") + "\n"
}

func (c *codex) ExitCommand() string { return "/quit" }

func (c *codex) IdlePattern() *regexp.Regexp { return c.idlePattern }

func (c *codex) ParseStatus(output string) store.Status {
	return scanStatus(output, &c.pat)
}

func (c *codex) ParseOutputDiff(diff string) []Event {
	return classifyDiff(diff, &c.pat)
}

// Internals points at the date-bucketed rollout directory codex writes
// session JSONL files into.
func (c *codex) Internals(_, _ string) InternalsHint {
	return InternalsHint{RuntimeDir: homeSubdir(".codex", "sessions")}
}
