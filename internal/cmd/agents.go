package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/anthill/anthill/internal/style"
)

var agentsJSON bool

var agentsCmd = &cobra.Command{
	Use:     "agents <project>",
	GroupID: GroupInspect,
	Short:   "List a project's agents",
	Args:    cobra.ExactArgs(1),
	RunE:    runAgents,
}

func init() {
	agentsCmd.Flags().BoolVar(&agentsJSON, "json", false, "Output in JSON format")
	rootCmd.AddCommand(agentsCmd)
}

func runAgents(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	agents, err := clientForConfig(cfg).ListAgents(ctx, args[0])
	if err != nil {
		return err
	}

	if agentsJSON {
		return printJSON(agents)
	}
	if len(agents) == 0 {
		fmt.Printf("No agents in %s.\n", args[0])
		return nil
	}

	tbl := style.NewTable(
		style.Column{Name: "ID", Width: 24},
		style.Column{Name: "PROVIDER", Width: 12},
		style.Column{Name: "STATUS", Width: 13},
		style.Column{Name: "AGE", Width: 6},
		style.Column{Name: "ACTIVE", Width: 6},
		style.Column{Name: "TASK", Width: 36},
	)
	for _, a := range agents {
		tbl.AddRow(
			a.ID,
			style.ProviderTitle(a.Provider),
			style.Status(string(a.Status)),
			age(a.CreatedAt),
			age(a.LastActivity),
			a.Task,
		)
	}
	fmt.Print(tbl.Render())
	return nil
}
