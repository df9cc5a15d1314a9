package web

import (
	"net/http"
	"strconv"

	"github.com/anthill/anthill/internal/eventbus"
	"github.com/anthill/anthill/internal/manager"
	"github.com/anthill/anthill/internal/poller"
)

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.mgr.ListAgents(r.PathValue("project"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var spec manager.AgentSpec
	if err := decodeBody(r, &spec); err != nil {
		s.sendError(w, http.StatusBadRequest, codeInvalidBody, "decoding body: "+err.Error())
		return
	}
	if spec.Provider == "" {
		s.sendError(w, http.StatusBadRequest, codeInvalidBody, "provider is required")
		return
	}

	a, err := s.mgr.CreateAgent(r.PathValue("project"), spec)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, map[string]any{"agent": a})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.mgr.GetAgent(r.PathValue("project"), r.PathValue("agent"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, a)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.DeleteAgent(r.PathValue("project"), r.PathValue("agent")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAgentInput(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, codeInvalidBody, "decoding body: "+err.Error())
		return
	}
	if req.Text == "" {
		s.sendError(w, http.StatusBadRequest, codeInvalidBody, "text is required")
		return
	}

	if err := s.mgr.SendInput(r.PathValue("project"), r.PathValue("agent"), req.Text); err != nil {
		s.fail(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"delivered": true})
}

func (s *Server) handleAgentAbort(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.AbortAgent(r.PathValue("project"), r.PathValue("agent")); err != nil {
		s.fail(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"aborted": true})
}

// handleAgentOutput serves scrollback: the stored capture by default, or a
// fresh one when lines=N is given.
func (s *Server) handleAgentOutput(w http.ResponseWriter, r *http.Request) {
	lines := 0
	if raw := r.URL.Query().Get("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.sendError(w, http.StatusBadRequest, codeInvalidBody, "lines must be a non-negative integer")
			return
		}
		lines = n
	}

	out, err := s.mgr.AgentOutput(r.PathValue("project"), r.PathValue("agent"), lines)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"output": out})
}

// debugResponse bundles the agent's diagnostic state with the poller and
// bus snapshots taken at request time.
type debugResponse struct {
	manager.AgentDebug
	Poller poller.Stats   `json:"poller"`
	Bus    eventbus.Stats `json:"bus"`
}

func (s *Server) handleAgentDebug(w http.ResponseWriter, r *http.Request) {
	dbg, err := s.mgr.GetAgentDebug(r.PathValue("project"), r.PathValue("agent"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, debugResponse{
		AgentDebug: dbg,
		Poller:     s.poll.Snapshot(),
		Bus:        s.bus.Snapshot(),
	})
}
