package provider

import (
	"regexp"

	"github.com/anthill/anthill/internal/config"
	"github.com/anthill/anthill/internal/store"
)

// pi drives the pi coding agent. Its TUI has no stable tool-call
// glyphs, so tool activity surfaces as plain text events and only the
// spinner, prompt, and dialog markers are matched.
type pi struct {
	pat         uiPatterns
	idlePattern *regexp.Regexp
}

// braille spinner frames pi cycles through while a turn runs.
var piSpinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

func newPi() *pi {
	return &pi{
		pat: uiPatterns{
			busy: append([]string{"esc to cancel"}, piSpinnerFrames...),
			idlePrompt: []string{
				"/help for commands",
				"ctrl+d to exit",
			},
			permission: []string{
				"allow tool",
				"[y/n]",
			},
			question: []string{
				"select an option",
			},
			errorMarks: []string{
				"error:",
			},
			option:     regexp.MustCompile(`^>?\s*\d+[.)]\s+(.*)$`),
			promptLine: regexp.MustCompile(`^>(\s|$)`),
		},
		idlePattern: regexp.MustCompile(`(?m)^>(\s|$)`),
	}
}

func (p *pi) Tag() string { return TagPi }

func (p *pi) BuildCommand(cfg config.Provider) []string {
	return buildCommand(cfg, "pi")
}

func (p *pi) BuildEnv(cfg config.Provider) map[string]string {
	return buildEnv(cfg)
}

func (p *pi) FormatInput(message string) string {
	return message + "\n"
}

func (p *pi) ExitCommand() string { return "/exit" }

func (p *pi) IdlePattern() *regexp.Regexp { return p.idlePattern }

func (p *pi) ParseStatus(output string) store.Status {
	return scanStatus(output, &p.pat)
}

func (p *pi) ParseOutputDiff(diff string) []Event {
	return classifyDiff(diff, &p.pat)
}

func (p *pi) Internals(_, _ string) InternalsHint {
	return InternalsHint{RuntimeDir: homeSubdir(".pi", "sessions")}
}
