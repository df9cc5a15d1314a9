// Package events defines the normalized event shapes published on the bus.
//
// Events are the daemon's only export format: the SSE stream, the webhook
// dispatcher, and the debug endpoints all consume these records. Payloads are
// built through the constructors below so each type keeps a stable key set.
package events

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Type discriminates the payload shape of an Event.
type Type string

const (
	AgentStarted        Type = "agent_started"
	StatusChanged       Type = "status_changed"
	Output              Type = "output"
	ToolUse             Type = "tool_use"
	ToolResult          Type = "tool_result"
	Error               Type = "error"
	AgentExited         Type = "agent_exited"
	InputSent           Type = "input_sent"
	PermissionRequested Type = "permission_requested"
	QuestionAsked       Type = "question_asked"
	Unknown             Type = "unknown"
	Heartbeat           Type = "heartbeat"
)

// Event is the canonical record every subscriber sees. ID and TS are assigned
// by the bus at emit time; constructors leave them zero.
type Event struct {
	ID      string         `json:"id"`
	TS      time.Time      `json:"ts"`
	Project string         `json:"project"`
	AgentID string         `json:"agentId,omitempty"`
	Type    Type           `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Text returns the payload "text" value for output/input_sent events.
func (e Event) Text() string {
	s, _ := e.Payload["text"].(string)
	return s
}

// StatusTo returns the payload "to" value for status_changed events.
func (e Event) StatusTo() string {
	s, _ := e.Payload["to"].(string)
	return s
}

// FormatID renders a numeric event id as the wire form "evt-<n>".
func FormatID(n uint64) string {
	return "evt-" + strconv.FormatUint(n, 10)
}

// ParseID extracts the numeric part of an "evt-<n>" id.
func ParseID(id string) (uint64, error) {
	rest, ok := strings.CutPrefix(id, "evt-")
	if !ok {
		return 0, fmt.Errorf("event id %q: missing evt- prefix", id)
	}
	n, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("event id %q: %w", id, err)
	}
	return n, nil
}

// NewAgentStarted announces a freshly created agent.
func NewAgentStarted(project, agentID, provider string) Event {
	return Event{
		Project: project,
		AgentID: agentID,
		Type:    AgentStarted,
		Payload: map[string]any{"provider": provider},
	}
}

// NewStatusChanged records a lifecycle transition. source is omitted when
// empty; otherwise one of internals, ui-parser, pane-dead, delete, create.
func NewStatusChanged(project, agentID, from, to, source string) Event {
	p := map[string]any{"from": from, "to": to}
	if source != "" {
		p["source"] = source
	}
	return Event{Project: project, AgentID: agentID, Type: StatusChanged, Payload: p}
}

// NewOutput carries new assistant-visible terminal text.
func NewOutput(project, agentID, text string) Event {
	return Event{Project: project, AgentID: agentID, Type: Output, Payload: map[string]any{"text": text}}
}

// NewToolUse records a tool invocation observed in the scrollback.
func NewToolUse(project, agentID, tool, input string) Event {
	p := map[string]any{"tool": tool}
	if input != "" {
		p["input"] = input
	}
	return Event{Project: project, AgentID: agentID, Type: ToolUse, Payload: p}
}

// NewToolResult records a completed tool invocation.
func NewToolResult(project, agentID, tool, output string) Event {
	p := map[string]any{"tool": tool}
	if output != "" {
		p["output"] = output
	}
	return Event{Project: project, AgentID: agentID, Type: ToolResult, Payload: p}
}

// NewError reports a provider-surfaced or daemon-surfaced failure.
func NewError(project, agentID, message string) Event {
	return Event{Project: project, AgentID: agentID, Type: Error, Payload: map[string]any{"message": message}}
}

// NewAgentExited marks the end of an agent's pane. exitCode is nil when the
// mux could not report one; the key is always present so consumers see an
// explicit null.
func NewAgentExited(project, agentID string, exitCode *int) Event {
	var code any
	if exitCode != nil {
		code = *exitCode
	}
	return Event{Project: project, AgentID: agentID, Type: AgentExited, Payload: map[string]any{"exitCode": code}}
}

// NewInputSent records prompt text injected into the agent's pane.
func NewInputSent(project, agentID, text string) Event {
	return Event{Project: project, AgentID: agentID, Type: InputSent, Payload: map[string]any{"text": text}}
}

// NewPermissionRequested records a provider permission prompt.
func NewPermissionRequested(project, agentID, description string) Event {
	return Event{Project: project, AgentID: agentID, Type: PermissionRequested, Payload: map[string]any{"description": description}}
}

// NewQuestionAsked records a provider question prompt with its options, when
// the parser could extract any.
func NewQuestionAsked(project, agentID, question string, options []string) Event {
	p := map[string]any{"question": question}
	if len(options) > 0 {
		p["options"] = options
	}
	return Event{Project: project, AgentID: agentID, Type: QuestionAsked, Payload: p}
}

// NewUnknown preserves unclassifiable scrollback for debugging.
func NewUnknown(project, agentID, raw string) Event {
	return Event{Project: project, AgentID: agentID, Type: Unknown, Payload: map[string]any{"raw": raw}}
}

// NewHeartbeat is the keepalive frame SSE connections receive every 15s.
func NewHeartbeat(project string) Event {
	return Event{Project: project, Type: Heartbeat}
}
