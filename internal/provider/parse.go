package provider

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/anthill/anthill/internal/store"
)

// statusScanLines bounds how far back ParseStatus looks. Agent TUIs
// redraw their footer and prompt within the last screenful, so a short
// tail is enough and keeps stale markers from resurfacing.
const statusScanLines = 20

// uiPatterns collects the terminal markers one provider's TUI renders.
// Marker lists are matched case-insensitively against lowercased
// lines; regexes run against the original text.
type uiPatterns struct {
	busy       []string // spinner or in-flight markers
	idlePrompt []string // ready-for-input markers
	permission []string
	question   []string
	errorMarks []string
	completion []string // turn-finished markers
	chrome     []string // footer hints never worth an event

	toolStart  *regexp.Regexp // groups: tool name, input
	toolEnd    *regexp.Regexp // group: output
	option     *regexp.Regexp // group: menu entry text
	promptLine *regexp.Regexp // the bare input prompt line
}

// scanStatus infers a lifecycle status from the tail of a capture.
// Precedence: a visible permission or question dialog outranks a
// spinner, a spinner outranks error text (agents print errors and keep
// working), errors outrank the idle prompt, and a bare shell prompt on
// the last line means the agent process is gone.
func scanStatus(output string, pat *uiPatterns) store.Status {
	lines := lastLines(StripANSI(output), statusScanLines)
	if len(lines) == 0 {
		return store.StatusStarting
	}

	var busy, errored, idle bool
	for _, line := range lines {
		lower := strings.ToLower(line)
		switch {
		case containsAny(lower, pat.permission):
			return store.StatusWaitingInput
		case containsAny(lower, pat.question):
			return store.StatusWaitingInput
		case containsAny(lower, pat.busy):
			busy = true
		case containsAny(lower, pat.errorMarks):
			errored = true
		case containsAny(lower, pat.idlePrompt),
			pat.promptLine != nil && pat.promptLine.MatchString(line):
			idle = true
		}
	}
	switch {
	case busy:
		return store.StatusProcessing
	case errored:
		return store.StatusError
	case idle:
		return store.StatusIdle
	case shellPromptRe.MatchString(lines[len(lines)-1]):
		return store.StatusExited
	}
	return store.StatusStarting
}

// shellPromptRe matches a trailing shell prompt, the tell that the
// agent process exited and dropped back to the user's shell.
var shellPromptRe = regexp.MustCompile(`[$%#]\s*$`)

// classifyDiff turns fresh output into events, line by line. Check
// order is fixed: tool start, tool end, permission, question,
// completion, error, then plain text; prompt, spinner, and chrome
// lines are dropped; leftovers without a single letter or digit are
// preserved as unknown for debugging.
func classifyDiff(diff string, pat *uiPatterns) []Event {
	var events []Event
	var lastTool string
	var lastQuestion *Event

	for _, raw := range strings.Split(StripANSI(diff), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)

		switch {
		case pat.toolStart != nil && pat.toolStart.MatchString(line):
			m := pat.toolStart.FindStringSubmatch(line)
			events = append(events, Event{Kind: KindToolStart, Tool: m[1], Text: strings.TrimSpace(m[2])})
			lastTool = m[1]
			lastQuestion = nil

		case pat.toolEnd != nil && pat.toolEnd.MatchString(line):
			m := pat.toolEnd.FindStringSubmatch(line)
			events = append(events, Event{Kind: KindToolEnd, Tool: lastTool, Text: strings.TrimSpace(m[1])})
			lastQuestion = nil

		case containsAny(lower, pat.permission):
			events = append(events, Event{Kind: KindPermission, Text: line})
			lastQuestion = nil

		case lastQuestion != nil && pat.option != nil && pat.option.MatchString(line):
			m := pat.option.FindStringSubmatch(line)
			lastQuestion.Options = append(lastQuestion.Options, strings.TrimSpace(m[1]))

		case containsAny(lower, pat.question):
			events = append(events, Event{Kind: KindQuestion, Text: line})
			lastQuestion = &events[len(events)-1]

		case containsAny(lower, pat.completion):
			events = append(events, Event{Kind: KindCompletion, Text: line})
			lastQuestion = nil

		case containsAny(lower, pat.errorMarks):
			events = append(events, Event{Kind: KindError, Text: line})
			lastQuestion = nil

		case isChromeLine(line, lower, pat):
			// prompt / spinner / footer noise

		case hasAlnum(line):
			events = append(events, Event{Kind: KindText, Text: line})
			lastQuestion = nil

		default:
			events = append(events, Event{Kind: KindUnknown, Text: line})
			lastQuestion = nil
		}
	}
	return events
}

func isChromeLine(line, lower string, pat *uiPatterns) bool {
	if containsAny(lower, pat.busy) || containsAny(lower, pat.idlePrompt) || containsAny(lower, pat.chrome) {
		return true
	}
	if pat.promptLine != nil && pat.promptLine.MatchString(line) {
		return true
	}
	return isBoxDrawingLine(line)
}

func containsAny(lower string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// isBoxDrawingLine reports whether a line is mostly box-drawing
// characters, the separators TUIs draw around panels.
func isBoxDrawingLine(line string) bool {
	boxChars, totalChars := 0, 0
	for _, r := range line {
		if unicode.IsSpace(r) {
			continue
		}
		totalChars++
		if r >= 0x2500 && r <= 0x257F {
			boxChars++
		}
	}
	return totalChars >= 3 && float64(boxChars)/float64(totalChars) > 0.5
}

func hasAlnum(line string) bool {
	for _, r := range line {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

// lastLines returns up to n trailing non-blank lines, trimmed.
func lastLines(s string, n int) []string {
	all := strings.Split(s, "\n")
	var lines []string
	for i := len(all) - 1; i >= 0 && len(lines) < n; i-- {
		line := strings.TrimSpace(all[i])
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	// reverse back into top-down order
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines
}
