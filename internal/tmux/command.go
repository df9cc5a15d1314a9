package tmux

import (
	"regexp"
	"sort"
	"strings"
)

// safeArgRe matches strings that can be embedded in a shell command
// line without quoting.
var safeArgRe = regexp.MustCompile(`^[A-Za-z0-9_@%+=:,./-]+$`)

// shellQuote returns s as a single shell word. Safe strings pass
// through untouched; everything else is single-quoted with embedded
// single quotes escaped as '\''.
func shellQuote(s string) string {
	if s != "" && safeArgRe.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// BuildCommandLine renders argv plus environment overrides as one
// shell command string, the form new-window expects. When env or
// unsetEnv are present the command is wrapped in env(1):
//
//	env -u KEY ... K=V ... argv...
//
// Env keys are emitted in sorted order and unset keys are deduplicated
// and sorted, so identical inputs always render identical strings.
// Returns "" when there is nothing to run.
func BuildCommandLine(argv []string, env map[string]string, unsetEnv []string) string {
	if len(argv) == 0 && len(env) == 0 && len(unsetEnv) == 0 {
		return ""
	}

	var parts []string
	if len(env) > 0 || len(unsetEnv) > 0 {
		parts = append(parts, "env")

		seen := make(map[string]bool, len(unsetEnv))
		unset := make([]string, 0, len(unsetEnv))
		for _, k := range unsetEnv {
			if k == "" || seen[k] {
				continue
			}
			seen[k] = true
			unset = append(unset, k)
		}
		sort.Strings(unset)
		for _, k := range unset {
			parts = append(parts, "-u", shellQuote(k))
		}

		keys := make([]string, 0, len(env))
		for k := range env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, shellQuote(k+"="+env[k]))
		}
	}

	for _, a := range argv {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}
