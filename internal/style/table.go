package style

import (
	"regexp"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Alignment controls cell padding within a column.
type Alignment int

const (
	AlignLeft Alignment = iota
	AlignRight
	AlignCenter
)

// Column describes one fixed-width table column.
type Column struct {
	Name  string
	Width int
	Align Alignment
}

// Table renders rows under a fixed-width header. Widths are enforced
// per column; overlong cells are clipped with an ellipsis.
type Table struct {
	columns   []Column
	rows      [][]string
	indent    string
	headerSep bool
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	sepStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// NewTable returns a table with a two-space indent and a header
// separator, the default listing look of the CLI.
func NewTable(cols ...Column) *Table {
	return &Table{
		columns:   cols,
		indent:    "  ",
		headerSep: true,
	}
}

// SetIndent replaces the per-line prefix.
func (t *Table) SetIndent(indent string) *Table {
	t.indent = indent
	return t
}

// SetHeaderSeparator toggles the rule under the header.
func (t *Table) SetHeaderSeparator(on bool) *Table {
	t.headerSep = on
	return t
}

// AddRow appends one row. Missing cells are padded with empty strings;
// extra cells beyond the column count are dropped.
func (t *Table) AddRow(values ...string) *Table {
	row := make([]string, len(t.columns))
	copy(row, values)
	t.rows = append(t.rows, row)
	return t
}

// Render returns the table as a newline-terminated block, or an empty
// string when no columns are configured.
func (t *Table) Render() string {
	if len(t.columns) == 0 {
		return ""
	}

	var b strings.Builder

	b.WriteString(t.indent)
	for i, col := range t.columns {
		if i > 0 {
			b.WriteString("  ")
		}
		b.WriteString(t.pad(headerStyle.Render(col.Name), col.Name, col.Width, col.Align))
	}
	b.WriteString("\n")

	if t.headerSep {
		b.WriteString(t.indent)
		for i, col := range t.columns {
			if i > 0 {
				b.WriteString("  ")
			}
			b.WriteString(sepStyle.Render(strings.Repeat("─", col.Width)))
		}
		b.WriteString("\n")
	}

	for _, row := range t.rows {
		b.WriteString(t.indent)
		for i, col := range t.columns {
			if i > 0 {
				b.WriteString("  ")
			}
			cell := truncate(row[i], col.Width)
			b.WriteString(t.pad(cell, stripAnsi(cell), col.Width, col.Align))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// pad pads styled out to width, measuring with plain so ANSI escape
// sequences don't count against the column.
func (t *Table) pad(styled, plain string, width int, align Alignment) string {
	gap := width - len(plain)
	if gap <= 0 {
		return styled
	}
	switch align {
	case AlignRight:
		return strings.Repeat(" ", gap) + styled
	case AlignCenter:
		left := gap / 2
		return strings.Repeat(" ", left) + styled + strings.Repeat(" ", gap-left)
	default:
		return styled + strings.Repeat(" ", gap)
	}
}

// truncate clips a cell to width, marking the cut with an ellipsis.
// Clipped cells lose their styling; slicing through escape sequences
// would corrupt the stream.
func truncate(cell string, width int) string {
	plain := stripAnsi(cell)
	if len(plain) <= width {
		return cell
	}
	if width <= 3 {
		return plain[:width]
	}
	return plain[:width-3] + "..."
}

var ansiRe = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// stripAnsi removes SGR sequences for width measurement.
func stripAnsi(s string) string {
	return ansiRe.ReplaceAllString(s, "")
}
