// Package tmux shells out to the tmux binary and is the only place in
// the daemon that does so. Every agent lives in a tmux window; the
// adapter creates sessions and windows, injects input through paste
// buffers, captures scrollback, and maps tmux's stderr chatter onto
// typed errors the rest of the daemon can branch on.
package tmux

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Session geometry and input timing. Agents render against a fixed
// virtual terminal so capture output is stable regardless of any
// attached client's real window size.
const (
	sessionWidth  = 220
	sessionHeight = 50

	// defaultSettleDelay is the pause between paste-buffer and the
	// Enter keypress. TUI agents need a beat to ingest the paste
	// before Enter submits it.
	defaultSettleDelay = 120 * time.Millisecond
)

var (
	// ErrNotInstalled means the tmux binary was not found on PATH.
	ErrNotInstalled = errors.New("tmux not installed")

	// ErrSessionNotFound means the target session does not exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNoServer means no tmux server is running at all. It wraps
	// ErrSessionNotFound since a missing server implies a missing
	// session; callers that care about the distinction (listSessions)
	// can still match it directly.
	ErrNoServer = fmt.Errorf("no tmux server running: %w", ErrSessionNotFound)

	// ErrSessionExists means a session with that name already exists.
	ErrSessionExists = errors.New("session already exists")

	// ErrWindowNotFound means the target window or pane does not exist.
	ErrWindowNotFound = errors.New("window not found")
)

// CommandError is a tmux invocation failure that didn't match any
// known stderr pattern. It preserves the full command for logs.
type CommandError struct {
	Args     []string
	Stderr   string
	ExitCode int
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("tmux %s: %s (exit %d)", strings.Join(e.Args, " "), e.Stderr, e.ExitCode)
}

// SessionInfo describes one tmux session from list-sessions.
type SessionInfo struct {
	Name      string    `json:"name"`
	Windows   int       `json:"windowCount"`
	CreatedAt time.Time `json:"createdAt"`
	Attached  bool      `json:"attached"`
}

// WindowInfo describes one window from list-windows.
type WindowInfo struct {
	Index  int    `json:"index"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
	PaneID string `json:"paneId"`
}

// runner executes one tmux invocation and returns stdout, stderr, and
// the raw exec error. Tests swap in a fake to script tmux behavior.
type runner func(args ...string) (stdout, stderr string, err error)

// Tmux wraps the tmux binary. The zero value is not usable; construct
// with NewTmux.
type Tmux struct {
	bin    string
	settle time.Duration
	run    runner
}

// NewTmux returns an adapter that runs the tmux binary from PATH.
func NewTmux() *Tmux {
	t := &Tmux{bin: "tmux", settle: defaultSettleDelay}
	t.run = t.execRun
	return t
}

// SetSettleDelay overrides the pause between paste-buffer and Enter.
func (t *Tmux) SetSettleDelay(d time.Duration) {
	t.settle = d
}

func (t *Tmux) execRun(args ...string) (string, string, error) {
	cmd := exec.Command(t.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// exec runs one tmux command and classifies any failure.
func (t *Tmux) exec(args ...string) (string, error) {
	stdout, stderr, err := t.run(args...)
	if err != nil {
		return stdout, t.wrapError(err, stderr, args)
	}
	return stdout, nil
}

// wrapError maps tmux failures onto typed errors by matching stderr
// substrings. Anything unrecognized becomes a CommandError.
func (t *Tmux) wrapError(err error, stderr string, args []string) error {
	var execErr *exec.Error
	if errors.As(err, &execErr) && errors.Is(execErr.Err, exec.ErrNotFound) {
		return ErrNotInstalled
	}

	s := strings.ToLower(stderr)
	switch {
	case strings.Contains(s, "no server running"),
		strings.Contains(s, "error connecting to"):
		return ErrNoServer
	case strings.Contains(s, "duplicate session"):
		return ErrSessionExists
	case strings.Contains(s, "session not found"),
		strings.Contains(s, "can't find session"):
		return ErrSessionNotFound
	case strings.Contains(s, "window not found"),
		strings.Contains(s, "can't find window"),
		strings.Contains(s, "can't find pane"):
		return ErrWindowNotFound
	}

	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	return &CommandError{Args: args, Stderr: strings.TrimSpace(stderr), ExitCode: exitCode}
}

// Installed reports whether the tmux binary is on PATH and returns its
// version string. Called once at daemon startup.
func (t *Tmux) Installed() (string, error) {
	out, err := t.exec("-V")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// CreateSession creates a detached session with the fixed virtual
// geometry and pins the options agents depend on: remain-on-exit keeps
// dead panes around for inspection, and rename suppression keeps
// session:window targets stable. Calling it for an existing session is
// a no-op.
func (t *Tmux) CreateSession(name, dir string) error {
	args := []string{"new-session", "-d", "-s", name,
		"-x", strconv.Itoa(sessionWidth), "-y", strconv.Itoa(sessionHeight)}
	if dir != "" {
		args = append(args, "-c", dir)
	}
	if _, err := t.exec(args...); err != nil {
		if errors.Is(err, ErrSessionExists) {
			return nil
		}
		return err
	}

	for _, opt := range [][2]string{
		{"remain-on-exit", "on"},
		{"allow-rename", "off"},
		{"automatic-rename", "off"},
	} {
		if _, err := t.exec("set-option", "-t", name, opt[0], opt[1]); err != nil {
			return err
		}
	}
	return nil
}

// CreateWindow opens a new window in session running the given argv
// under env overrides, and returns the new pane's id (e.g. "%12").
// With no argv/env the window gets the default shell.
func (t *Tmux) CreateWindow(session, name, dir string, argv []string, env map[string]string, unsetEnv []string) (string, error) {
	args := []string{"new-window", "-t", session, "-n", name}
	if dir != "" {
		args = append(args, "-c", dir)
	}
	args = append(args, "-P", "-F", "#{pane_id}")
	if cmdline := BuildCommandLine(argv, env, unsetEnv); cmdline != "" {
		args = append(args, cmdline)
	}
	out, err := t.exec(args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// SendInput delivers text to a pane through a tmux paste buffer:
// send-keys alone mangles newlines and trips bracketed-paste handling
// in TUI agents. The text round-trips through a temp file into
// load-buffer, is pasted non-bracketed, and after a settle delay a
// single Enter submits it.
func (t *Tmux) SendInput(target, text string) error {
	f, err := os.CreateTemp("", "anthill-input-*")
	if err != nil {
		return fmt.Errorf("create input buffer: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	if _, err := f.WriteString(text); err != nil {
		f.Close()
		return fmt.Errorf("write input buffer: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("write input buffer: %w", err)
	}

	if _, err := t.exec("load-buffer", path); err != nil {
		return err
	}
	if _, err := t.exec("paste-buffer", "-t", target, "-d"); err != nil {
		return err
	}
	time.Sleep(t.settle)
	_, err = t.exec("send-keys", "-t", target, "Enter")
	return err
}

// SendKeys sends raw key names (e.g. "C-c", "Escape", "Enter") or
// literal text to a pane, bypassing the paste-buffer protocol.
func (t *Tmux) SendKeys(target string, keys ...string) error {
	args := append([]string{"send-keys", "-t", target}, keys...)
	_, err := t.exec(args...)
	return err
}

// CapturePane returns the pane's visible content plus up to lines of
// scrollback above it, as plain text.
func (t *Tmux) CapturePane(target string, lines int) (string, error) {
	return t.exec("capture-pane", "-t", target, "-p", "-S", "-"+strconv.Itoa(lines))
}

// StartPipePane tees all future pane output into the file at path.
func (t *Tmux) StartPipePane(target, path string) error {
	_, err := t.exec("pipe-pane", "-t", target, "cat >> "+shellQuote(path))
	return err
}

// StopPipePane cancels an active pipe on the pane. pipe-pane with no
// command is tmux's own idiom for "stop piping".
func (t *Tmux) StopPipePane(target string) error {
	_, err := t.exec("pipe-pane", "-t", target)
	return err
}

// KillWindow destroys the window containing target.
func (t *Tmux) KillWindow(target string) error {
	_, err := t.exec("kill-window", "-t", target)
	return err
}

// KillSession destroys the named session and every window in it.
func (t *Tmux) KillSession(name string) error {
	_, err := t.exec("kill-session", "-t", name)
	return err
}

// HasSession reports whether the named session exists. A missing
// server counts as "no", not an error. The "=" prefix forces an exact
// name match; bare names match by prefix in tmux.
func (t *Tmux) HasSession(name string) (bool, error) {
	_, err := t.exec("has-session", "-t", "="+name)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrSessionNotFound) {
		return false, nil
	}
	return false, err
}

const listSessionsFormat = "#{session_name}\t#{session_windows}\t#{session_created}\t#{session_attached}"

// ListSessions returns the sessions whose names start with "<prefix>-",
// or all sessions when prefix is empty. A missing server yields an
// empty list.
func (t *Tmux) ListSessions(prefix string) ([]SessionInfo, error) {
	out, err := t.exec("list-sessions", "-F", listSessionsFormat)
	if err != nil {
		if errors.Is(err, ErrNoServer) {
			return nil, nil
		}
		return nil, err
	}

	var sessions []SessionInfo
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(strings.TrimRight(line, "\r"), "\t")
		if len(fields) != 4 {
			continue
		}
		if prefix != "" && !strings.HasPrefix(fields[0], prefix+"-") {
			continue
		}
		windows, _ := strconv.Atoi(fields[1])
		created, _ := strconv.ParseInt(fields[2], 10, 64)
		sessions = append(sessions, SessionInfo{
			Name:      fields[0],
			Windows:   windows,
			CreatedAt: time.Unix(created, 0).UTC(),
			Attached:  fields[3] != "0",
		})
	}
	return sessions, nil
}

const listWindowsFormat = "#{window_index}\t#{window_name}\t#{window_active}\t#{pane_id}"

// ListWindows returns the windows of the named session in index order.
func (t *Tmux) ListWindows(session string) ([]WindowInfo, error) {
	out, err := t.exec("list-windows", "-t", session, "-F", listWindowsFormat)
	if err != nil {
		return nil, err
	}

	var windows []WindowInfo
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(strings.TrimRight(line, "\r"), "\t")
		if len(fields) != 4 {
			continue
		}
		index, _ := strconv.Atoi(fields[0])
		windows = append(windows, WindowInfo{
			Index:  index,
			Name:   fields[1],
			Active: fields[2] == "1",
			PaneID: fields[3],
		})
	}
	return windows, nil
}

// GetPaneVar expands one tmux format variable (e.g. "pane_dead",
// "pane_current_command") against the target pane.
func (t *Tmux) GetPaneVar(target, name string) (string, error) {
	out, err := t.exec("display-message", "-t", target, "-p", "#{"+name+"}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// SetEnvironment sets a key in the session's tmux environment, visible
// to processes spawned in later windows.
func (t *Tmux) SetEnvironment(session, key, value string) error {
	_, err := t.exec("set-environment", "-t", session, key, value)
	return err
}
