// Package eventbus implements the daemon's append-only event ring with
// synchronous fan-out. The SSE layer and the webhook dispatcher are its two
// standing subscribers; both must queue on their own side, because callbacks
// run while the bus lock is held.
package eventbus

import (
	"sync"
	"time"

	"github.com/anthill/anthill/internal/events"
)

// Filter selects a subset of the stream. The zero value matches every event.
type Filter struct {
	Project string
	AgentID string
	Types   []events.Type
}

// Match reports whether e passes the filter.
func (f Filter) Match(e events.Event) bool {
	if f.Project != "" && e.Project != f.Project {
		return false
	}
	if f.AgentID != "" && e.AgentID != f.AgentID {
		return false
	}
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if e.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Callback receives matching events during emit. Callbacks must not block
// and must not call back into the bus.
type Callback func(events.Event)

type subscriber struct {
	filter Filter
	fn     Callback
}

// Stats is the diagnostic snapshot exposed on the debug endpoints.
type Stats struct {
	Capacity    int    `json:"capacity"`
	Size        int    `json:"size"`
	NextID      uint64 `json:"nextId"`
	OldestID    string `json:"oldestId,omitempty"`
	NewestID    string `json:"newestId,omitempty"`
	Subscribers int    `json:"subscribers"`
}

// Bus is a bounded ring of normalized events with strictly monotonic ids.
// Ids are never reused: eviction discards records, not the counter.
type Bus struct {
	mu      sync.RWMutex
	buf     []events.Event
	start   int
	count   int
	nextID  uint64
	subs    map[int]*subscriber
	nextSub int
	closed  bool

	now func() time.Time
}

// New returns a Bus holding at most capacity events.
func New(capacity int) *Bus {
	if capacity < 1 {
		capacity = 1
	}
	return &Bus{
		buf:    make([]events.Event, capacity),
		nextID: 1,
		subs:   make(map[int]*subscriber),
		now:    time.Now,
	}
}

// Emit stamps the event with the next id and the current time, appends it to
// the ring (evicting the oldest record when full), and synchronously delivers
// it to every matching subscriber. The stamped event is returned. Emitting on
// a closed bus is a no-op and returns the event unstamped.
func (b *Bus) Emit(e events.Event) events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return e
	}

	e.ID = events.FormatID(b.nextID)
	e.TS = b.now().UTC()
	b.nextID++

	if b.count < len(b.buf) {
		b.buf[(b.start+b.count)%len(b.buf)] = e
		b.count++
	} else {
		b.buf[b.start] = e
		b.start = (b.start + 1) % len(b.buf)
	}

	for _, s := range b.subs {
		if s.filter.Match(e) {
			s.fn(e)
		}
	}
	return e
}

// Subscribe registers fn for every future event matching the filter and
// returns an unsubscribe func. Unsubscribing twice is harmless.
func (b *Bus) Subscribe(f Filter, fn Callback) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.nextSub
	b.nextSub++
	b.subs[id] = &subscriber{filter: f, fn: fn}

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// History returns retained events with numeric id strictly greater than
// after, oldest first, filtered, capped at limit when limit > 0.
func (b *Bus) History(f Filter, after uint64, limit int) []events.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []events.Event
	for i := 0; i < b.count; i++ {
		e := b.buf[(b.start+i)%len(b.buf)]
		n, err := events.ParseID(e.ID)
		if err != nil || n <= after {
			continue
		}
		if !f.Match(e) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Snapshot reports ring occupancy for diagnostics.
func (b *Bus) Snapshot() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := Stats{
		Capacity:    len(b.buf),
		Size:        b.count,
		NextID:      b.nextID,
		Subscribers: len(b.subs),
	}
	if b.count > 0 {
		s.OldestID = b.buf[b.start].ID
		s.NewestID = b.buf[(b.start+b.count-1)%len(b.buf)].ID
	}
	return s
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close drops all subscribers and makes further emits no-ops. Retained
// history stays readable so shutdown diagnostics can still inspect it.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[int]*subscriber)
}
