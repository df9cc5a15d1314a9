// Package cmd provides the CLI commands for the anthill tool.
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/anthill/anthill/internal/config"
	"github.com/anthill/anthill/internal/style"
	"github.com/anthill/anthill/internal/version"
)

var rootCmd = &cobra.Command{
	Use:     "anthill",
	Short:   "anthill - local supervisor for AI coding agents in tmux",
	Version: version.String(),
	Long: `anthill runs AI coding-assistant CLIs (claude-code, codex, pi, opencode)
inside tmux windows and supervises them through a local daemon.

The daemon owns the tmux sessions, polls each agent pane for status,
streams normalized events over SSE, and exposes everything through an
HTTP API on localhost. The other commands talk to that API.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		style.Setup()
	},
}

// cfgFile is the --config override shared by every command.
var cfgFile string

// Execute runs the root command and returns an exit code.
// The caller (main) should call os.Exit with this code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		// Errors are already printed by cobra.
		return 1
	}
	return 0
}

// Command group IDs - used by subcommands to organize help output
const (
	GroupDaemon  = "daemon"
	GroupInspect = "inspect"
	GroupConfig  = "config"
)

func init() {
	// Enable prefix matching for subcommands (e.g., "anthill dae st" -> "anthill daemon start")
	cobra.EnablePrefixMatching = true

	rootCmd.AddGroup(
		&cobra.Group{ID: GroupDaemon, Title: "Daemon:"},
		&cobra.Group{ID: GroupInspect, Title: "Inspection:"},
		&cobra.Group{ID: GroupConfig, Title: "Configuration:"},
	)

	rootCmd.SetHelpCommandGroupID(GroupConfig)
	rootCmd.SetCompletionCommandGroupID(GroupConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default "+config.DefaultPath()+")")
}

// loadConfig resolves the effective configuration for a command invocation,
// honoring the --config flag.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// buildCommandPath walks the command hierarchy to build the full command path.
// For example: "anthill daemon start", "anthill status", etc.
func buildCommandPath(cmd *cobra.Command) string {
	var parts []string
	for c := cmd; c != nil; c = c.Parent() {
		parts = append([]string{c.Name()}, parts...)
	}
	return strings.Join(parts, " ")
}

// requireSubcommand returns a RunE function for parent commands that require
// a subcommand. Without this, Cobra silently shows help and exits 0 for
// unknown subcommands like "anthill config foobar", masking errors.
func requireSubcommand(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("requires a subcommand\n\nRun '%s --help' for usage", buildCommandPath(cmd))
	}
	return fmt.Errorf("unknown command %q for %q\n\nRun '%s --help' for available commands",
		args[0], buildCommandPath(cmd), buildCommandPath(cmd))
}
