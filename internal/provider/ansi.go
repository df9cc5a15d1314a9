package provider

import (
	"regexp"
	"strings"
)

// Terminal escape sequence classes stripped before any pattern
// matching. Agent TUIs emit all of these: CSI for color and cursor
// movement, OSC for window titles and hyperlinks, charset selection
// from line-drawing mode, and bare two-byte escapes.
var (
	csiRe     = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	oscRe     = regexp.MustCompile(`\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)?`)
	charsetRe = regexp.MustCompile(`\x1b[()][0-9A-Za-z]`)
	escRe     = regexp.MustCompile(`\x1b[@-_]`)
)

// StripANSI removes terminal escape sequences and normalizes
// non-breaking spaces, leaving plain text suitable for substring and
// regex matching.
func StripANSI(s string) string {
	if strings.IndexByte(s, 0x1b) >= 0 {
		s = csiRe.ReplaceAllString(s, "")
		s = oscRe.ReplaceAllString(s, "")
		s = charsetRe.ReplaceAllString(s, "")
		s = escRe.ReplaceAllString(s, "")
	}
	if strings.Contains(s, " ") {
		s = strings.ReplaceAll(s, " ", " ")
	}
	return s
}
