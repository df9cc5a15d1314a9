package daemon

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/anthill/anthill/internal/config"
)

// ErrNotRunning means no live daemon was found for the runtime dir.
var ErrNotRunning = errors.New("daemon not running")

const (
	stopWait     = 2 * time.Second
	stopPollStep = 50 * time.Millisecond
)

// PIDPath returns the daemon pid file location.
func PIDPath(cfg *config.Config) string {
	return filepath.Join(cfg.RuntimeDir, pidFileName)
}

// LogPath returns the daemon log file location.
func LogPath(cfg *config.Config) string {
	return filepath.Join(cfg.LogDir, logFileName)
}

// ReadPID parses the pid file.
func ReadPID(cfg *config.Config) (int, error) {
	data, err := os.ReadFile(PIDPath(cfg))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid file %s: %w", PIDPath(cfg), err)
	}
	return pid, nil
}

// IsRunning reports whether a daemon process is alive for this runtime
// dir. The flock in Run is the authoritative duplicate guard; this is
// for status checks. Stale pid files, including pids reused by an
// unrelated process, are removed.
func IsRunning(cfg *config.Config) (bool, int, error) {
	pid, err := ReadPID(cfg)
	if errors.Is(err, os.ErrNotExist) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}

	if err := unix.Kill(pid, 0); err != nil {
		_ = os.Remove(PIDPath(cfg))
		return false, 0, nil
	}
	if !looksLikeDaemon(pid) {
		_ = os.Remove(PIDPath(cfg))
		return false, 0, nil
	}
	return true, pid, nil
}

// looksLikeDaemon guards against pid reuse: the recorded pid must
// still belong to an anthill process.
func looksLikeDaemon(pid int) bool {
	out, err := exec.Command("ps", "-p", strconv.Itoa(pid), "-o", "command=").Output()
	if err != nil {
		return false
	}
	return strings.Contains(strings.TrimSpace(string(out)), "anthill")
}

// Stop terminates the running daemon: SIGTERM, a short wait for
// graceful shutdown, then SIGKILL if it is still alive.
func Stop(cfg *config.Config) error {
	running, pid, err := IsRunning(cfg)
	if err != nil {
		return err
	}
	if !running {
		return ErrNotRunning
	}

	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM to %d: %w", pid, err)
	}

	deadline := time.Now().Add(stopWait)
	for time.Now().Before(deadline) {
		time.Sleep(stopPollStep)
		if unix.Kill(pid, 0) != nil {
			_ = os.Remove(PIDPath(cfg))
			return nil
		}
	}

	_ = unix.Kill(pid, unix.SIGKILL)
	_ = os.Remove(PIDPath(cfg))
	return nil
}
