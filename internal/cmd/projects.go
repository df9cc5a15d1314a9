package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/anthill/anthill/internal/style"
)

var projectsJSON bool

var projectsCmd = &cobra.Command{
	Use:     "projects",
	GroupID: GroupInspect,
	Short:   "List projects",
	Args:    cobra.NoArgs,
	RunE:    runProjects,
}

var projectsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects",
	Args:  cobra.NoArgs,
	RunE:  runProjects,
}

func init() {
	projectsCmd.Flags().BoolVar(&projectsJSON, "json", false, "Output in JSON format")
	projectsListCmd.Flags().BoolVar(&projectsJSON, "json", false, "Output in JSON format")
	projectsCmd.AddCommand(projectsListCmd)
	rootCmd.AddCommand(projectsCmd)
}

func runProjects(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	projects, err := clientForConfig(cfg).ListProjects(ctx)
	if err != nil {
		return err
	}

	if projectsJSON {
		return printJSON(projects)
	}
	if len(projects) == 0 {
		fmt.Println("No projects.")
		return nil
	}

	tbl := style.NewTable(
		style.Column{Name: "NAME", Width: 20},
		style.Column{Name: "SESSION", Width: 16},
		style.Column{Name: "AGE", Width: 6},
		style.Column{Name: "DIR", Width: 48},
	)
	for _, p := range projects {
		tbl.AddRow(p.Name, p.MuxSession, age(p.CreatedAt), p.Dir)
	}
	fmt.Print(tbl.Render())
	return nil
}

// age formats how long ago t was, compact enough for a table cell.
func age(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
