package web

import (
	"errors"
	"net/http"
	"os"
	"strconv"

	"github.com/anthill/anthill/internal/transcript"
)

// agentSessionFile resolves the transcript path for an agent, failing with
// NO_INTERNALS when the provider never produced one.
func (s *Server) agentSessionFile(w http.ResponseWriter, r *http.Request) (string, bool) {
	a, err := s.mgr.GetAgent(r.PathValue("project"), r.PathValue("agent"))
	if err != nil {
		s.fail(w, err)
		return "", false
	}
	if a.SessionFile == "" {
		s.sendError(w, http.StatusNotFound, codeNoInternals,
			"agent has no bound session file")
		return "", false
	}
	return a.SessionFile, true
}

// handleAgentMessages serves the provider transcript as structured records.
// Parse problems are reported alongside the messages, never as a failure.
func (s *Server) handleAgentMessages(w http.ResponseWriter, r *http.Request) {
	path, ok := s.agentSessionFile(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.sendError(w, http.StatusBadRequest, codeInvalidBody, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	role := r.URL.Query().Get("role")
	switch role {
	case "", "user", "assistant":
	default:
		s.sendError(w, http.StatusBadRequest, codeInvalidBody, "role must be user or assistant")
		return
	}

	msgs, stats, err := transcript.Messages(path, limit, role)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.sendError(w, http.StatusNotFound, codeNoInternals, "session file missing: "+path)
			return
		}
		s.fail(w, err)
		return
	}
	if msgs == nil {
		msgs = []transcript.Message{}
	}
	s.sendJSON(w, http.StatusOK, map[string]any{
		"messages":        msgs,
		"parseErrorCount": stats.ParseErrorCount,
		"warnings":        stats.Warnings,
	})
}

func (s *Server) handleAgentLastMessage(w http.ResponseWriter, r *http.Request) {
	path, ok := s.agentSessionFile(w, r)
	if !ok {
		return
	}

	msg, stats, err := transcript.LastAssistant(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.sendError(w, http.StatusNotFound, codeNoInternals, "session file missing: "+path)
			return
		}
		s.fail(w, err)
		return
	}
	if msg == nil {
		s.sendError(w, http.StatusNotFound, codeNotFound, "no assistant message yet")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{
		"message":         msg,
		"parseErrorCount": stats.ParseErrorCount,
		"warnings":        stats.Warnings,
	})
}
