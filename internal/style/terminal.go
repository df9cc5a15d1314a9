package style

import (
	"os"

	"golang.org/x/term"
)

// IsTerminal reports whether stdout is connected to a TTY.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// Width returns the terminal width in columns, or 0 when stdout is
// not a terminal.
func Width() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 0
	}
	return w
}

// ShouldUseColor decides whether ANSI color codes belong in the
// output. Respects the NO_COLOR (https://no-color.org/), CLICOLOR,
// and CLICOLOR_FORCE conventions.
func ShouldUseColor() bool {
	if _, exists := os.LookupEnv("NO_COLOR"); exists {
		return false
	}
	if os.Getenv("CLICOLOR") == "0" {
		return false
	}
	if _, exists := os.LookupEnv("CLICOLOR_FORCE"); exists {
		return true
	}
	return IsTerminal()
}
