// anthill supervises AI coding-assistant CLIs running in tmux windows.
package main

import (
	"os"

	"github.com/anthill/anthill/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
