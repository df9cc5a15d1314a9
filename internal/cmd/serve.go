package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/anthill/anthill/internal/daemon"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: GroupDaemon,
	Short:   "Run the daemon in the foreground",
	Long: `Run the anthill daemon in the foreground.

The daemon creates and owns the tmux sessions, polls each agent pane,
fans events out over SSE, and serves the HTTP API. Stop it with Ctrl-C
or SIGTERM; shutdown drains in-flight requests before exiting.

Use 'anthill daemon start' to run it in the background instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return launchDaemon(true)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// launchDaemon builds the app from the effective config and runs it until
// the process is signaled. Foreground mode mirrors the log to stderr.
func launchDaemon(foreground bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := daemon.New(daemon.Options{
		ConfigPath: cfgFile,
		Foreground: foreground,
	})
	if err != nil {
		return err
	}

	if err := app.Run(ctx); err != nil {
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			return fmt.Errorf("daemon already running; stop it with 'anthill daemon stop'")
		}
		return err
	}
	return nil
}
