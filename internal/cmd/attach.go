package cmd

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
)

var attachPrint bool

var attachCmd = &cobra.Command{
	Use:     "attach <project>",
	GroupID: GroupInspect,
	Short:   "Attach to a project's tmux session",
	Long: `Attach the current terminal to the tmux session hosting a project's
agents. Inside tmux this switches the client instead of nesting.

The session name is derived from the configured prefix, so this works
even when the daemon is not answering.`,
	Args: cobra.ExactArgs(1),
	RunE: runAttach,
}

func init() {
	attachCmd.Flags().BoolVar(&attachPrint, "print", false, "Print the attach command instead of executing it")
	rootCmd.AddCommand(attachCmd)
}

func runAttach(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Mirrors the session name the daemon creates for the project.
	session := cfg.MuxPrefix + "-" + args[0]

	if attachPrint {
		fmt.Printf("tmux attach -t %s\n", session)
		return nil
	}

	tmuxPath, err := exec.LookPath("tmux")
	if err != nil {
		return fmt.Errorf("tmux not found: %w", err)
	}

	var attach *exec.Cmd
	if os.Getenv("TMUX") != "" {
		attach = exec.Command(tmuxPath, "switch-client", "-t", session)
	} else {
		attach = exec.Command(tmuxPath, "attach-session", "-t", session)
	}
	attach.Stdin = os.Stdin
	attach.Stdout = os.Stdout
	attach.Stderr = os.Stderr
	return attach.Run()
}
