package provider

import (
	"regexp"

	"github.com/anthill/anthill/internal/config"
	"github.com/anthill/anthill/internal/store"
)

// opencode drives the opencode CLI. Like pi it exposes no stable
// tool-call glyphs, so only dialogs, the spinner, and the prompt are
// matched and everything else flows through as text.
type opencode struct {
	pat         uiPatterns
	idlePattern *regexp.Regexp
}

func newOpencode() *opencode {
	return &opencode{
		pat: uiPatterns{
			busy: []string{
				"esc interrupt",
				"working...",
			},
			idlePrompt: []string{
				"ctrl+enter newline",
				"/ for commands",
			},
			permission: []string{
				"permission required",
				"allow once",
				"always allow",
			},
			question: []string{
				"select an option",
			},
			errorMarks: []string{
				"error:",
			},
			chrome: []string{
				"opencode v",
			},
			option:     regexp.MustCompile(`^>?\s*\d+[.)]\s+(.*)$`),
			promptLine: regexp.MustCompile(`^>(\s|$)`),
		},
		idlePattern: regexp.MustCompile(`(?m)^>(\s|$)`),
	}
}

func (o *opencode) Tag() string { return TagOpencode }

func (o *opencode) BuildCommand(cfg config.Provider) []string {
	return buildCommand(cfg, "opencode")
}

func (o *opencode) BuildEnv(cfg config.Provider) map[string]string {
	return buildEnv(cfg)
}

func (o *opencode) FormatInput(message string) string {
	return message + "\n"
}

func (o *opencode) ExitCommand() string { return "/exit" }

func (o *opencode) IdlePattern() *regexp.Regexp { return o.idlePattern }

func (o *opencode) ParseStatus(output string) store.Status {
	return scanStatus(output, &o.pat)
}

func (o *opencode) ParseOutputDiff(diff string) []Event {
	return classifyDiff(diff, &o.pat)
}

// Internals points at opencode's shared storage tree, which holds
// session, message, and diff records as JSON files.
func (o *opencode) Internals(_, _ string) InternalsHint {
	return InternalsHint{RuntimeDir: homeSubdir(".local", "share", "opencode", "storage")}
}
