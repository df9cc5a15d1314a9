package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrProjectExists   = errors.New("project already exists")
	ErrProjectNotFound = errors.New("project not found")
	ErrProjectNotEmpty = errors.New("project still has agents")
	ErrAgentExists     = errors.New("agent id already taken")
	ErrAgentNotFound   = errors.New("agent not found")
)

// Store indexes projects and agents. Writers are serialized by the manager;
// the internal lock only protects against concurrent readers.
type Store struct {
	mu              sync.RWMutex
	projects        map[string]*Project
	agents          map[string]*Agent
	agentsByProject map[string][]string
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		projects:        make(map[string]*Project),
		agents:          make(map[string]*Agent),
		agentsByProject: make(map[string][]string),
	}
}

// CreateProject registers p. The name must be unused.
func (s *Store) CreateProject(p Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[p.Name]; ok {
		return fmt.Errorf("%w: %s", ErrProjectExists, p.Name)
	}
	cp := p.copy()
	s.projects[p.Name] = &cp
	return nil
}

// GetProject returns a copy of the named project.
func (s *Store) GetProject(name string) (Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.projects[name]
	if !ok {
		return Project{}, fmt.Errorf("%w: %s", ErrProjectNotFound, name)
	}
	return p.copy(), nil
}

// UpdateProject applies fn to the stored project under the lock.
func (s *Store) UpdateProject(name string, fn func(*Project)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrProjectNotFound, name)
	}
	fn(p)
	return nil
}

// DeleteProject removes the named project. Its agents must be deleted first.
func (s *Store) DeleteProject(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[name]; !ok {
		return fmt.Errorf("%w: %s", ErrProjectNotFound, name)
	}
	if len(s.agentsByProject[name]) > 0 {
		return fmt.Errorf("%w: %s", ErrProjectNotEmpty, name)
	}
	delete(s.projects, name)
	delete(s.agentsByProject, name)
	return nil
}

// ListProjects returns copies of all projects sorted by name.
func (s *Store) ListProjects() []Project {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p.copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ProjectCount returns the number of registered projects.
func (s *Store) ProjectCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.projects)
}

// HasAgent reports whether id is taken anywhere in the process.
func (s *Store) HasAgent(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.agents[id]
	return ok
}

// CreateAgent registers a. The project must exist and the id must be unused
// process-wide.
func (s *Store) CreateAgent(a Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[a.Project]; !ok {
		return fmt.Errorf("%w: %s", ErrProjectNotFound, a.Project)
	}
	if _, ok := s.agents[a.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAgentExists, a.ID)
	}
	cp := a.copy()
	s.agents[a.ID] = &cp
	s.agentsByProject[a.Project] = append(s.agentsByProject[a.Project], a.ID)
	return nil
}

// GetAgent returns a copy of the agent with the given id.
func (s *Store) GetAgent(id string) (Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agents[id]
	if !ok {
		return Agent{}, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return a.copy(), nil
}

// GetAgentIn returns the agent only when it belongs to the named project.
func (s *Store) GetAgentIn(project, id string) (Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agents[id]
	if !ok || a.Project != project {
		return Agent{}, fmt.Errorf("%w: %s/%s", ErrAgentNotFound, project, id)
	}
	return a.copy(), nil
}

// UpdateAgent applies fn to the stored agent under the lock.
func (s *Store) UpdateAgent(id string, fn func(*Agent)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	fn(a)
	return nil
}

// DeleteAgent removes the agent from both indexes.
func (s *Store) DeleteAgent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	delete(s.agents, id)

	ids := s.agentsByProject[a.Project]
	for i, aid := range ids {
		if aid == id {
			s.agentsByProject[a.Project] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

// ListAgents returns copies of the project's agents, oldest first.
func (s *Store) ListAgents(project string) []Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.agentsByProject[project]
	out := make([]Agent, 0, len(ids))
	for _, id := range ids {
		if a, ok := s.agents[id]; ok {
			out = append(out, a.copy())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ListAllAgents returns copies of every agent in the process.
func (s *Store) ListAllAgents() []Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a.copy())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Project != out[j].Project {
			return out[i].Project < out[j].Project
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// AgentCount returns the number of registered agents.
func (s *Store) AgentCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.agents)
}
