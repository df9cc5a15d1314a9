package transcript

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTranscript(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.jsonl")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const (
	fixtureUser      = `{"type":"user","uuid":"u1","sessionId":"s1","timestamp":"2026-08-25T10:00:00Z","message":{"role":"user","content":"fix the login bug"}}`
	fixtureAssistant = `{"type":"assistant","uuid":"a1","sessionId":"s1","timestamp":"2026-08-25T10:00:05Z","message":{"role":"assistant","model":"claude-opus-4","content":[{"type":"text","text":"Looking at the handler now."},{"type":"tool_use","id":"tool-1","name":"Read","input":{"file_path":"auth.go"}}]}}`
	fixtureResult    = `{"type":"user","uuid":"u2","sessionId":"s1","timestamp":"2026-08-25T10:00:06Z","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tool-1","content":"package auth"}]}}`
	fixtureAnswer    = `{"type":"assistant","uuid":"a2","sessionId":"s1","timestamp":"2026-08-25T10:00:09Z","message":{"role":"assistant","model":"claude-opus-4","content":[{"type":"thinking","thinking":"checking expiry"},{"type":"text","text":"Found it. The token check inverts the expiry comparison."}]}}`
	fixtureSummary   = `{"type":"summary","summary":"login bug session"}`
)

func TestReadBasic(t *testing.T) {
	path := writeTranscript(t,
		fixtureUser,
		fixtureAssistant,
		fixtureResult,
		fixtureAnswer,
		fixtureSummary,
	)

	msgs, stats, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if stats.ParseErrorCount != 0 {
		t.Fatalf("ParseErrorCount = %d, want 0 (warnings: %v)", stats.ParseErrorCount, stats.Warnings)
	}
	// The tool-result-only user line carries no conversation and is
	// folded into the preceding tool use instead.
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3: %+v", len(msgs), msgs)
	}

	if msgs[0].Role != "user" || msgs[0].Text != "fix the login bug" {
		t.Errorf("msgs[0] = %q %q", msgs[0].Role, msgs[0].Text)
	}
	if msgs[1].ID != "a1" || msgs[1].Model != "claude-opus-4" {
		t.Errorf("msgs[1] id/model = %q %q", msgs[1].ID, msgs[1].Model)
	}
	if msgs[1].Text != "Looking at the handler now." {
		t.Errorf("msgs[1].Text = %q", msgs[1].Text)
	}
	if len(msgs[1].ToolUses) != 1 {
		t.Fatalf("msgs[1].ToolUses = %+v, want one entry", msgs[1].ToolUses)
	}
	tu := msgs[1].ToolUses[0]
	if tu.Name != "Read" || tu.Input != `{"file_path":"auth.go"}` {
		t.Errorf("tool use = %+v", tu)
	}
	if tu.Result != "package auth" {
		t.Errorf("tool result = %q, want linked from the following line", tu.Result)
	}
	if !strings.Contains(msgs[2].Text, "inverts the expiry") {
		t.Errorf("msgs[2].Text = %q", msgs[2].Text)
	}
	if strings.Contains(msgs[2].Text, "checking expiry") {
		t.Errorf("thinking block leaked into text: %q", msgs[2].Text)
	}
}

func TestReadCountsBadLines(t *testing.T) {
	lines := []string{fixtureUser}
	for i := 0; i < 10; i++ {
		lines = append(lines, fmt.Sprintf("garbage line %d {", i))
	}
	lines = append(lines, fixtureAnswer)
	path := writeTranscript(t, lines...)

	msgs, stats, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(msgs) != 2 {
		t.Errorf("got %d messages, want 2", len(msgs))
	}
	if stats.ParseErrorCount != 10 {
		t.Errorf("ParseErrorCount = %d, want 10", stats.ParseErrorCount)
	}
	if len(stats.Warnings) != maxWarnings {
		t.Errorf("got %d warnings, want cap of %d", len(stats.Warnings), maxWarnings)
	}
}

func TestReadToolResultBlockArray(t *testing.T) {
	result := `{"type":"user","uuid":"u2","timestamp":"2026-08-25T10:00:06Z","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tool-1","content":[{"type":"text","text":"line one"},{"type":"text","text":"line two"}]}]}}`
	path := writeTranscript(t, fixtureAssistant, result)

	msgs, _, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got := msgs[0].ToolUses[0].Result; got != "line one\nline two" {
		t.Errorf("result = %q", got)
	}
}

func TestReadLongLine(t *testing.T) {
	big := strings.Repeat("x", 100*1024)
	line := fmt.Sprintf(`{"type":"assistant","uuid":"a9","timestamp":"2026-08-25T10:00:00Z","message":{"role":"assistant","content":[{"type":"text","text":"%s"}]}}`, big)
	path := writeTranscript(t, line)

	msgs, stats, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if stats.ParseErrorCount != 0 || len(msgs) != 1 || len(msgs[0].Text) != len(big) {
		t.Errorf("long line mangled: errs=%d msgs=%d textLen=%d", stats.ParseErrorCount, len(msgs), len(msgs[0].Text))
	}
}

func TestReadMissingFile(t *testing.T) {
	if _, _, err := Read(filepath.Join(t.TempDir(), "nope.jsonl")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestMessagesRoleAndLimit(t *testing.T) {
	path := writeTranscript(t, fixtureUser, fixtureAssistant, fixtureResult, fixtureAnswer)

	assistants, _, err := Messages(path, 0, "assistant")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(assistants) != 2 {
		t.Fatalf("got %d assistant messages, want 2", len(assistants))
	}

	last, _, err := Messages(path, 1, "")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(last) != 1 || last[0].ID != "a2" {
		t.Errorf("limit 1 = %+v, want just a2", last)
	}
}

func TestLastAssistant(t *testing.T) {
	path := writeTranscript(t, fixtureUser, fixtureAssistant, fixtureResult, fixtureAnswer)

	msg, _, err := LastAssistant(path)
	if err != nil {
		t.Fatalf("LastAssistant: %v", err)
	}
	if msg == nil || msg.ID != "a2" {
		t.Fatalf("LastAssistant = %+v, want a2", msg)
	}

	empty := writeTranscript(t, fixtureUser)
	msg, _, err = LastAssistant(empty)
	if err != nil {
		t.Fatalf("LastAssistant: %v", err)
	}
	if msg != nil {
		t.Errorf("LastAssistant on user-only transcript = %+v, want nil", msg)
	}
}
