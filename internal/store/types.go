// Package store holds the daemon's process-local index of projects and
// agents. All mutation goes through the manager; reads return value copies
// so callers never share memory with the index.
package store

import (
	"regexp"
	"time"
)

// Status is an agent's lifecycle state.
type Status string

const (
	StatusStarting     Status = "starting"
	StatusIdle         Status = "idle"
	StatusProcessing   Status = "processing"
	StatusWaitingInput Status = "waiting_input"
	StatusError        Status = "error"
	StatusExited       Status = "exited"
)

// ValidStatus reports whether s is one of the defined lifecycle states.
func ValidStatus(s Status) bool {
	switch s {
	case StatusStarting, StatusIdle, StatusProcessing, StatusWaitingInput, StatusError, StatusExited:
		return true
	}
	return false
}

// CanTransition reports whether from → to is a legal move. exited is
// terminal; every other distinct pair is allowed (starting is never a
// destination, only an origin, which the distinct-pair rule already covers
// because transitions back to starting are never requested with from==to
// filtered out by callers).
func CanTransition(from, to Status) bool {
	if !ValidStatus(from) || !ValidStatus(to) {
		return false
	}
	if from == StatusExited || from == to {
		return false
	}
	if to == StatusStarting {
		return false
	}
	return true
}

var (
	// ProjectNameRe constrains caller-supplied project names.
	ProjectNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,38}$`)

	// AgentIDRe constrains caller-supplied agent ids.
	AgentIDRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{2,40}$`)
)

// Callback is a webhook destination attached to a project or an agent.
type Callback struct {
	URL            string `json:"url"`
	Token          string `json:"token,omitempty"`
	DiscordChannel string `json:"discordChannel,omitempty"`
	SessionKey     string `json:"sessionKey,omitempty"`
}

// Project groups agents sharing a working directory and a tmux session.
type Project struct {
	Name       string    `json:"name"`
	Dir        string    `json:"dir"`
	MuxSession string    `json:"muxSession"`
	CreatedAt  time.Time `json:"createdAt"`
	Callback   *Callback `json:"callback,omitempty"`
}

// Agent is one provider CLI hosted in one tmux window.
type Agent struct {
	ID             string    `json:"id"`
	Project        string    `json:"project"`
	Provider       string    `json:"provider"`
	Task           string    `json:"task,omitempty"`
	Model          string    `json:"model,omitempty"`
	SubscriptionID string    `json:"subscription,omitempty"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivity   time.Time `json:"lastActivity"`
	LastDiffAt     time.Time `json:"lastDiffAt,omitzero"`
	WindowName     string    `json:"windowName"`
	MuxTarget      string    `json:"muxTarget"`
	AttachCommand  string    `json:"attachCommand"`
	Callback       *Callback `json:"callback,omitempty"`

	// Filesystem hints written by the provider process, used for
	// internals-backed status and the messages endpoints.
	RuntimeDir  string `json:"providerRuntimeDir,omitempty"`
	SessionFile string `json:"providerSessionFile,omitempty"`

	// LastOutput is the raw text of the most recent capture. It feeds the
	// poller's diffing and is deliberately kept off the JSON surface; the
	// output endpoint serves it explicitly.
	LastOutput string `json:"-"`
}

func (c *Callback) clone() *Callback {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

func (p Project) copy() Project {
	p.Callback = p.Callback.clone()
	return p
}

func (a Agent) copy() Agent {
	a.Callback = a.Callback.clone()
	return a
}
