// Package namegen produces the adjective-noun pairs used to name
// agents when the caller doesn't supply an id.
package namegen

import (
	"math/rand"
	"sync"
	"time"
)

var adjectives = []string{
	"agile", "amber", "bold", "brave", "bright",
	"brisk", "calm", "clever", "cosmic", "crisp",
	"daring", "deft", "eager", "fleet", "gentle",
	"golden", "handy", "hardy", "keen", "lively",
	"lucid", "merry", "mighty", "nimble", "noble",
	"plucky", "proud", "quick", "quiet", "rapid",
	"sharp", "silent", "sleek", "solid", "spry",
	"steady", "sturdy", "swift", "tidy", "witty",
}

var nouns = []string{
	"ant", "badger", "beetle", "bison", "crane",
	"cricket", "falcon", "ferret", "finch", "firefly",
	"fox", "gecko", "hamster", "heron", "hornet",
	"ibis", "jackal", "kestrel", "lemur", "lynx",
	"magpie", "mantis", "marmot", "marten", "mole",
	"newt", "otter", "owl", "panda", "pika",
	"raven", "shrew", "sparrow", "stoat", "swallow",
	"tern", "vole", "wasp", "weasel", "wren",
}

// Generator hands out random name pairs. Safe for concurrent use.
type Generator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// New returns a generator seeded for reproducible sequences.
func New(seed int64) *Generator {
	return &Generator{rng: rand.New(rand.NewSource(seed))}
}

// NewRandom returns a generator seeded from the clock.
func NewRandom() *Generator {
	return New(time.Now().UnixNano())
}

// Pair returns one "adjective-noun" name. Collisions are the caller's
// problem; with 1600 combinations they happen, and the manager
// disambiguates with a numeric suffix.
func (g *Generator) Pair() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return adjectives[g.rng.Intn(len(adjectives))] + "-" + nouns[g.rng.Intn(len(nouns))]
}
