// Package subscription loads opaque credential records that agents
// can reference at creation time. Records are TOML files dropped into
// the daemon's config directory by whatever provisions credentials;
// the daemon never validates their contents beyond shape.
package subscription

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// ErrNotFound means no record carries the requested id.
var ErrNotFound = errors.New("subscription not found")

// Record is one credential handle. Env holds the variables injected
// into an agent's environment when the record is attached; UnsetEnv
// names variables scrubbed from it (subscription-mode auth typically
// requires API-key vars to be absent, not empty).
type Record struct {
	ID       string            `toml:"id"`
	Provider string            `toml:"provider"`
	Mode     string            `toml:"mode"`
	Metadata map[string]string `toml:"metadata"`
	Env      map[string]string `toml:"env"`
	UnsetEnv []string          `toml:"unsetEnv"`
}

// Summary is the listable view of a record. Env values never leave
// the daemon; only the key names are reported.
type Summary struct {
	ID       string            `json:"id"`
	Provider string            `json:"provider"`
	Mode     string            `json:"mode,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	EnvKeys  []string          `json:"envKeys,omitempty"`
	UnsetEnv []string          `json:"unsetEnv,omitempty"`
}

// Store holds the records loaded at startup.
type Store struct {
	mu      sync.RWMutex
	records map[string]Record
}

// Load reads every *.toml file under dir. A missing directory is an
// empty store, not an error. Records without an id get a generated
// UUID; duplicate ids across files are rejected.
func Load(dir string) (*Store, error) {
	s := &Store{records: make(map[string]Record)}

	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read subscriptions dir: %w", err)
	}

	sources := make(map[string]string)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".toml") {
			continue
		}
		path := filepath.Join(dir, name)

		var rec Record
		md, err := toml.DecodeFile(path, &rec)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("parse %s: unknown key %q", path, undecoded[0].String())
		}
		if rec.Provider == "" {
			return nil, fmt.Errorf("parse %s: provider is required", path)
		}
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		if prev, dup := sources[rec.ID]; dup {
			return nil, fmt.Errorf("duplicate subscription id %q (%s and %s)", rec.ID, prev, path)
		}
		sources[rec.ID] = path
		s.records[rec.ID] = rec
	}
	return s, nil
}

// Get returns the record with the given id.
func (s *Store) Get(id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

// List returns summaries for all records, sorted by id.
func (s *Store) List() []Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Summary, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len reports how many records are loaded.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (r Record) summary() Summary {
	sum := Summary{
		ID:       r.ID,
		Provider: r.Provider,
		Mode:     r.Mode,
		Metadata: r.Metadata,
		UnsetEnv: r.UnsetEnv,
	}
	for k := range r.Env {
		sum.EnvKeys = append(sum.EnvKeys, k)
	}
	sort.Strings(sum.EnvKeys)
	return sum
}

// EnvOverrides returns a copy of the record's env block, safe for the
// caller to merge and mutate.
func (r Record) EnvOverrides() map[string]string {
	if len(r.Env) == 0 {
		return nil
	}
	out := make(map[string]string, len(r.Env))
	for k, v := range r.Env {
		out[k] = v
	}
	return out
}
