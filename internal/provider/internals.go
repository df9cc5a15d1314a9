package provider

import (
	"os"
	"path/filepath"
)

// userHomeDir is swapped out by tests.
var userHomeDir = os.UserHomeDir

// claudeProjectsDir locates Claude Code's per-project transcript
// directory for projectDir. v1.0.30+ writes under the XDG config path;
// older installs used ~/.claude. Prefers whichever exists, defaulting
// to the XDG path for fresh installs.
func claudeProjectsDir(projectDir string) string {
	home, err := userHomeDir()
	if err != nil {
		return ""
	}
	encoded := encodeClaudeProjectDir(projectDir)
	candidates := []string{
		filepath.Join(home, ".config", "claude", "projects", encoded),
		filepath.Join(home, ".claude", "projects", encoded),
	}
	for _, dir := range candidates {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	return candidates[0]
}

// encodeClaudeProjectDir maps an absolute project path onto Claude
// Code's directory-name encoding: every character outside [a-zA-Z0-9-]
// becomes a dash, so /tmp/my_app renders as -tmp-my-app.
func encodeClaudeProjectDir(absPath string) string {
	out := make([]byte, 0, len(absPath))
	for _, r := range absPath {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			out = append(out, byte(r))
		default:
			out = append(out, '-')
		}
	}
	return string(out)
}

// homeSubdir joins parts under the user's home, or returns "" when the
// home directory cannot be resolved.
func homeSubdir(parts ...string) string {
	home, err := userHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(append([]string{home}, parts...)...)
}
