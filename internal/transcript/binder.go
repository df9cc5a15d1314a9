package transcript

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultBindTimeout is how long a binder waits for an agent's
// transcript to show up before giving up. CLIs create the file on
// their first model call, which can lag well behind process start.
const DefaultBindTimeout = 2 * time.Minute

const (
	bindRescanInterval = 500 * time.Millisecond
	// Tolerance when comparing file mtimes against the agent start
	// time; coarse filesystem timestamps can land slightly early.
	bindMtimeSlack = 2 * time.Second
)

// ErrNoSession means the bind timeout elapsed with no transcript.
var ErrNoSession = errors.New("no session file appeared")

// Binder waits for a session transcript to appear under a provider
// runtime directory. One binder serves one agent.
type Binder struct {
	dir     string
	since   time.Time
	timeout time.Duration
}

// NewBinder watches dir for transcripts modified after since.
func NewBinder(dir string, since time.Time) *Binder {
	return &Binder{dir: dir, since: since, timeout: DefaultBindTimeout}
}

// SetTimeout overrides the bind timeout. Zero and negative values are
// ignored.
func (b *Binder) SetTimeout(d time.Duration) {
	if d > 0 {
		b.timeout = d
	}
}

// WaitForSession blocks until a transcript qualifies, the timeout
// elapses, or ctx is cancelled. It pairs an fsnotify watch with a
// slow rescan loop so files written before the watch was registered
// still bind, and so a missing runtime directory (not created until
// the CLI's first write) is picked up once it exists.
func (b *Binder) WaitForSession(ctx context.Context) (string, error) {
	if p := b.newestSession(); p != "" {
		return p, nil
	}

	var (
		events <-chan fsnotify.Event
		werrs  <-chan error
	)
	watcher, err := fsnotify.NewWatcher()
	watching := false
	if err == nil {
		defer watcher.Close()
		events = watcher.Events
		werrs = watcher.Errors
		if watcher.Add(b.dir) == nil {
			watching = true
		}
	}

	ticker := time.NewTicker(bindRescanInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(b.timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", fmt.Errorf("%w in %s after %s", ErrNoSession, b.dir, b.timeout)
		case ev := <-events:
			if !strings.HasSuffix(ev.Name, ".jsonl") {
				continue
			}
			if p := b.newestSession(); p != "" {
				return p, nil
			}
		case <-werrs:
			// watch errors are survivable, the rescan loop still runs
		case <-ticker.C:
			if watcher != nil && !watching {
				if watcher.Add(b.dir) == nil {
					watching = true
				}
			}
			if p := b.newestSession(); p != "" {
				return p, nil
			}
		}
	}
}

func (b *Binder) newestSession() string {
	return NewestSession(b.dir, b.since)
}

// NewestSession returns the most recently modified transcript in dir
// written after since, or "" when none qualifies. agent-*.jsonl files
// are sub-agent transcripts, never the main session. The poller uses
// this directly to backfill bindings the watcher missed.
func NewestSession(dir string, since time.Time) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var (
		best    string
		bestMod time.Time
	)
	cutoff := since.Add(-bindMtimeSlack)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".jsonl") || strings.HasPrefix(name, "agent-") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			continue
		}
		if best == "" || info.ModTime().After(bestMod) {
			best = filepath.Join(dir, name)
			bestMod = info.ModTime()
		}
	}
	return best
}
