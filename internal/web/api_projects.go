package web

import (
	"net/http"

	"github.com/anthill/anthill/internal/store"
)

// createProjectRequest accepts "cwd" as an alias for "dir"; older clients
// send the former.
type createProjectRequest struct {
	Name     string          `json:"name"`
	Dir      string          `json:"dir"`
	Cwd      string          `json:"cwd"`
	Callback *store.Callback `json:"callback,omitempty"`
}

type patchProjectRequest struct {
	Callback *store.Callback `json:"callback"`
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]any{"projects": s.mgr.ListProjects()})
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, codeInvalidBody, "decoding body: "+err.Error())
		return
	}
	dir := req.Dir
	if dir == "" {
		dir = req.Cwd
	}
	if req.Name == "" || dir == "" {
		s.sendError(w, http.StatusBadRequest, codeInvalidBody, "name and dir are required")
		return
	}

	p, err := s.mgr.CreateProject(req.Name, dir, req.Callback)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.mgr.GetProject(r.PathValue("project"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, p)
}

// handlePatchProject updates the project's default callback, the only
// mutable project field.
func (s *Server) handlePatchProject(w http.ResponseWriter, r *http.Request) {
	var req patchProjectRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, codeInvalidBody, "decoding body: "+err.Error())
		return
	}

	p, err := s.mgr.UpdateProject(r.PathValue("project"), req.Callback)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.DeleteProject(r.PathValue("project")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
