package web

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anthill/anthill/internal/eventbus"
	"github.com/anthill/anthill/internal/events"
)

const (
	sseHeartbeat = 15 * time.Second

	// sseQueueSize bounds the per-connection buffer between the bus and the
	// writer; sseDropLimit is the cumulative drop count after which a
	// consumer is considered dead and the connection closed.
	sseQueueSize = 1024
	sseDropLimit = 1024
)

func (s *Server) handleProjectEvents(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")
	if _, err := s.mgr.GetProject(project); err != nil {
		s.fail(w, err)
		return
	}
	s.streamEvents(w, r, eventbus.Filter{Project: project})
}

func (s *Server) handleAgentEvents(w http.ResponseWriter, r *http.Request) {
	project, agent := r.PathValue("project"), r.PathValue("agent")
	if _, err := s.mgr.GetAgent(project, agent); err != nil {
		s.fail(w, err)
		return
	}
	s.streamEvents(w, r, eventbus.Filter{Project: project, AgentID: agent})
}

// streamEvents serves one SSE connection: replay history strictly after
// ?since, then stream live events, with a heartbeat frame every 15s. The
// bus callback must not block, so events pass through a bounded queue that
// drops oldest on overflow; a consumer that accumulates sseDropLimit drops
// gets disconnected instead of stalling the daemon.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, f eventbus.Filter) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, codeInternal, "streaming unsupported")
		return
	}

	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		n, err := events.ParseID(raw)
		if err != nil {
			s.sendError(w, http.StatusBadRequest, codeInvalidBody, err.Error())
			return
		}
		since = n
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	queue := make(chan events.Event, sseQueueSize)
	slow := make(chan struct{})
	var slowOnce sync.Once
	var dropped atomic.Int64

	// Subscribe before replaying so no event falls between history and the
	// live stream; the id check in the loop dedupes any overlap.
	unsubscribe := s.bus.Subscribe(f, func(e events.Event) {
		select {
		case queue <- e:
			return
		default:
		}
		select {
		case <-queue:
		default:
		}
		if dropped.Add(1) > sseDropLimit {
			slowOnce.Do(func() { close(slow) })
			return
		}
		select {
		case queue <- e:
		default:
		}
	})
	defer unsubscribe()

	var lastID uint64
	for _, e := range s.bus.History(f, since, 0) {
		if err := writeEvent(w, e); err != nil {
			return
		}
		if n, err := events.ParseID(e.ID); err == nil {
			lastID = n
		}
	}
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-slow:
			s.log.Warn("dropping slow event stream consumer",
				"project", f.Project, "agent", f.AgentID, "dropped", dropped.Load())
			return
		case <-heartbeat.C:
			if _, err := io.WriteString(w, "event: heartbeat\ndata: \n\n"); err != nil {
				return
			}
			flusher.Flush()
		case e := <-queue:
			n, err := events.ParseID(e.ID)
			if err != nil || n <= lastID {
				continue
			}
			if err := writeEvent(w, e); err != nil {
				return
			}
			lastID = n
			flusher.Flush()
		}
	}
}

// writeEvent renders one frame: id, event type, single-line JSON data.
func writeEvent(w io.Writer, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data)
	return err
}
