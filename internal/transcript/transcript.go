// Package transcript reads the JSONL session files Claude Code writes
// next to each conversation and exposes them as structured messages.
// Parse failures are never fatal: bad lines are counted and reported
// so one corrupt record can't hide an otherwise healthy transcript.
package transcript

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// maxWarnings bounds how many per-line notes a single read reports.
const maxWarnings = 5

// Scanner sizing: tool results routinely exceed bufio's 64 KiB default
// line limit.
const (
	scanBufSize = 64 * 1024
	scanBufMax  = 8 * 1024 * 1024
)

// Message is one user or assistant turn.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Model     string    `json:"model,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	ToolUses  []ToolUse `json:"toolUses,omitempty"`
}

// ToolUse is a tool invocation inside an assistant turn, with its
// result filled in once the paired tool_result line arrives.
type ToolUse struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Input  string `json:"input,omitempty"`
	Result string `json:"result,omitempty"`
}

// Stats reports parse health for one read.
type Stats struct {
	ParseErrorCount int      `json:"parseErrorCount"`
	Warnings        []string `json:"warnings,omitempty"`
}

// Raw line shapes, matching what Claude Code writes.
type rawLine struct {
	Type      string      `json:"type"`
	UUID      string      `json:"uuid"`
	SessionID string      `json:"sessionId"`
	Timestamp time.Time   `json:"timestamp"`
	Message   *rawMessage `json:"message,omitempty"`
}

type rawMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Model   string          `json:"model,omitempty"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// Read parses the whole transcript at path. Only user and assistant
// lines become messages; everything else (summaries, file-history
// snapshots) is skipped silently. Tool results are linked back onto
// the assistant tool use they answer via tool_use_id.
func Read(path string) ([]Message, Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var (
		messages []Message
		stats    Stats
		// tool_use id → location of the ToolUse awaiting its result
		pending = make(map[string]*ToolUse)
		lineNo  int
	)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, scanBufSize), scanBufMax)
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var raw rawLine
		if err := json.Unmarshal(line, &raw); err != nil {
			stats.ParseErrorCount++
			if len(stats.Warnings) < maxWarnings {
				stats.Warnings = append(stats.Warnings, fmt.Sprintf("line %d: %v", lineNo, err))
			}
			continue
		}
		if raw.Type != "user" && raw.Type != "assistant" || raw.Message == nil {
			continue
		}

		msg := Message{
			ID:        raw.UUID,
			Role:      raw.Message.Role,
			Model:     raw.Message.Model,
			Timestamp: raw.Timestamp,
		}
		text, uses, results := parseContent(raw.Message.Content)
		msg.Text = text
		msg.ToolUses = uses

		for i := range msg.ToolUses {
			pending[msg.ToolUses[i].ID] = &msg.ToolUses[i]
		}
		for id, result := range results {
			if tu, ok := pending[id]; ok {
				tu.Result = result
				delete(pending, id)
			}
		}

		// Tool-result-only user lines are plumbing, not conversation.
		if msg.Text == "" && len(msg.ToolUses) == 0 && len(results) > 0 {
			continue
		}
		messages = append(messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return messages, stats, fmt.Errorf("read transcript: %w", err)
	}
	return messages, stats, nil
}

// parseContent handles both content encodings: a plain string, or an
// array of typed blocks. Returns joined text, tool uses, and any tool
// results keyed by the tool_use id they answer.
func parseContent(content json.RawMessage) (string, []ToolUse, map[string]string) {
	if len(content) == 0 {
		return "", nil, nil
	}

	var asString string
	if err := json.Unmarshal(content, &asString); err == nil {
		return asString, nil, nil
	}

	var blocks []contentBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return "", nil, nil
	}

	var (
		parts   []string
		uses    []ToolUse
		results map[string]string
	)
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		case "tool_use":
			uses = append(uses, ToolUse{
				ID:    b.ID,
				Name:  b.Name,
				Input: compactJSON(b.Input),
			})
		case "tool_result":
			if results == nil {
				results = make(map[string]string)
			}
			results[b.ToolUseID] = resultText(b.Content)
		}
		// thinking blocks are deliberately dropped
	}
	return strings.Join(parts, "\n"), uses, results
}

// resultText flattens a tool_result content field, which is either a
// string or another block array.
func resultText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(content, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return compactJSON(content)
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// Messages returns transcript turns filtered by role ("" keeps all)
// and trimmed to the last limit entries (0 keeps all).
func Messages(path string, limit int, role string) ([]Message, Stats, error) {
	all, stats, err := Read(path)
	if err != nil {
		return nil, stats, err
	}
	if role != "" {
		filtered := all[:0]
		for _, m := range all {
			if m.Role == role {
				filtered = append(filtered, m)
			}
		}
		all = filtered
	}
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, stats, nil
}

// LastAssistant returns the most recent assistant turn that carries
// text, or nil when the transcript has none yet.
func LastAssistant(path string) (*Message, Stats, error) {
	all, stats, err := Read(path)
	if err != nil {
		return nil, stats, err
	}
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Role == "assistant" && all[i].Text != "" {
			m := all[i]
			return &m, stats, nil
		}
	}
	return nil, stats, nil
}
