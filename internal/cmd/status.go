package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/anthill/anthill/internal/daemon"
	"github.com/anthill/anthill/internal/style"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: GroupInspect,
	Short:   "Show daemon health",
	Long: `Show the daemon's health as reported by its API: uptime, project and
agent counts, and whether tmux is answering.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output in JSON format")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	running, pid, err := daemon.IsRunning(cfg)
	if err != nil {
		return fmt.Errorf("checking daemon status: %w", err)
	}
	if !running {
		if statusJSON {
			return printJSON(map[string]any{"running": false})
		}
		fmt.Printf("%s daemon not running\n", style.Dim.Render("○"))
		fmt.Printf("  Start with: %s\n", style.Dim.Render("anthill daemon start"))
		return nil
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	h, err := clientForConfig(cfg).Health(ctx)
	if err != nil {
		return fmt.Errorf("daemon running (PID %d) but not answering: %w", pid, err)
	}

	if statusJSON {
		return printJSON(map[string]any{
			"running":      true,
			"pid":          pid,
			"version":      h.Version,
			"uptime":       h.Uptime,
			"projects":     h.Projects,
			"agents":       h.Agents,
			"muxAvailable": h.MuxAvailable,
		})
	}

	fmt.Printf("%s daemon running (PID %d, v%s)\n", style.OK.Render("●"), pid, h.Version)
	fmt.Println()
	fmt.Printf("  Uptime:    %s\n", (time.Duration(h.Uptime) * time.Second).String())
	fmt.Printf("  Projects:  %d\n", h.Projects)
	fmt.Printf("  Agents:    %d\n", h.Agents)
	if h.MuxAvailable {
		fmt.Printf("  Tmux:      %s\n", style.OK.Render("available"))
	} else {
		fmt.Printf("  Tmux:      %s\n", style.Err.Render("unavailable"))
	}
	return nil
}
