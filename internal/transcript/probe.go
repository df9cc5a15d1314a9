package transcript

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// probeMaxDepth bounds the descent through date-bucketed layouts like
// codex's sessions/YYYY/MM/DD/rollout-*.jsonl.
const probeMaxDepth = 3

// LastWriteAt reports when the provider last wrote to its own session
// state: the bound session file's mtime when one is known, otherwise
// the newest transcript reachable under the runtime dir. ok is false
// when neither yields a file, which callers treat as "no internals
// signal", not as idle.
func LastWriteAt(sessionFile, runtimeDir string) (time.Time, bool) {
	if sessionFile != "" {
		if info, err := os.Stat(sessionFile); err == nil {
			return info.ModTime(), true
		}
	}
	if runtimeDir == "" {
		return time.Time{}, false
	}
	path, mtime := newestTranscript(runtimeDir, probeMaxDepth)
	if path == "" {
		return time.Time{}, false
	}
	return mtime, true
}

// newestTranscript finds the freshest .jsonl at or below dir. Flat
// layouts are scanned directly; when a level holds only directories,
// the lexically greatest one is followed (date buckets sort that way),
// so a months-deep sessions tree costs a handful of ReadDirs rather
// than a walk.
func newestTranscript(dir string, depth int) (string, time.Time) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", time.Time{}
	}

	var (
		best    string
		bestMod time.Time
		subdirs []string
	)
	for _, e := range entries {
		if e.IsDir() {
			subdirs = append(subdirs, e.Name())
			continue
		}
		if !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if best == "" || info.ModTime().After(bestMod) {
			best = filepath.Join(dir, e.Name())
			bestMod = info.ModTime()
		}
	}
	if best != "" {
		return best, bestMod
	}
	if depth == 0 || len(subdirs) == 0 {
		return "", time.Time{}
	}
	sort.Strings(subdirs)
	return newestTranscript(filepath.Join(dir, subdirs[len(subdirs)-1]), depth-1)
}
