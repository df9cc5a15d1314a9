// Package style centralizes terminal presentation for the CLI: color
// policy, the status palette, and a small fixed-width table renderer.
package style

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var (
	// Accent marks identifiers the eye should land on first.
	Accent = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)

	// Dim de-emphasizes supporting detail.
	Dim = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))

	// Err marks failures in command output.
	Err = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)

	// OK marks healthy state in command output.
	OK = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
)

var statusStyles = map[string]lipgloss.Style{
	"starting":      lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	"processing":    lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
	"waiting_input": lipgloss.NewStyle().Foreground(lipgloss.Color("171")),
	"idle":          lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
	"error":         lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true),
	"exited":        lipgloss.NewStyle().Foreground(lipgloss.Color("243")),
}

// StatusStyle returns the palette entry for an agent status. Unknown
// statuses render dim rather than loud.
func StatusStyle(status string) lipgloss.Style {
	if s, ok := statusStyles[status]; ok {
		return s
	}
	return Dim
}

// Status renders a status string in its palette color.
func Status(status string) string {
	return StatusStyle(status).Render(status)
}

var titleCaser = cases.Title(language.English)

// ProviderTitle renders a provider tag as a display name,
// "claude-code" becomes "Claude Code".
func ProviderTitle(tag string) string {
	return titleCaser.String(strings.ReplaceAll(tag, "-", " "))
}

// Setup applies the color policy process-wide. Must run before any
// styled output is produced.
func Setup() {
	if !ShouldUseColor() {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}
