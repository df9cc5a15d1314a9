package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"github.com/anthill/anthill/internal/style"
	"github.com/anthill/anthill/internal/transcript"
)

var (
	messagesLast  bool
	messagesRole  string
	messagesLimit int
	messagesJSON  bool
)

var messagesCmd = &cobra.Command{
	Use:     "messages <project> <agent>",
	GroupID: GroupInspect,
	Short:   "Show an agent's transcript messages",
	Long: `Show the structured messages the daemon parsed from the agent's
provider session file. Requires a provider that writes a transcript
(claude-code does); agents without one report NO_INTERNALS.

With --last, only the final assistant message is shown, rendered as
markdown when stdout is a terminal.`,
	Args: cobra.ExactArgs(2),
	RunE: runMessages,
}

func init() {
	messagesCmd.Flags().BoolVar(&messagesLast, "last", false, "Show only the last assistant message")
	messagesCmd.Flags().StringVar(&messagesRole, "role", "", "Filter by role (user or assistant)")
	messagesCmd.Flags().IntVar(&messagesLimit, "limit", 0, "Show at most N most recent messages")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output in JSON format")
	rootCmd.AddCommand(messagesCmd)
}

func runMessages(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	client := clientForConfig(cfg)
	project, agent := args[0], args[1]

	if messagesLast {
		msg, err := client.LastMessage(ctx, project, agent)
		if err != nil {
			return err
		}
		if messagesJSON {
			return printJSON(msg)
		}
		printMarkdown(msg.Text)
		if msg.Model != "" {
			fmt.Println(style.Dim.Render("model: " + msg.Model))
		}
		return nil
	}

	msgs, parseErrors, err := client.Messages(ctx, project, agent, messagesLimit, messagesRole)
	if err != nil {
		return err
	}
	if messagesJSON {
		return printJSON(msgs)
	}

	if len(msgs) == 0 {
		fmt.Println("No messages yet.")
		return nil
	}
	for _, m := range msgs {
		printMessage(m)
	}
	if parseErrors > 0 {
		fmt.Fprintln(os.Stderr, style.Dim.Render(
			fmt.Sprintf("%d transcript lines failed to parse", parseErrors)))
	}
	return nil
}

func printMessage(m transcript.Message) {
	head := m.Role
	if !m.Timestamp.IsZero() {
		head = m.Timestamp.Local().Format("15:04:05") + " " + head
	}
	if m.Model != "" {
		head += " (" + m.Model + ")"
	}
	fmt.Println(style.Accent.Render(head))
	fmt.Println(m.Text)
	for _, tu := range m.ToolUses {
		fmt.Println(style.Dim.Render("  tool: " + tu.Name))
	}
	fmt.Println()
}

// printMarkdown renders text as terminal markdown, falling back to plain
// output when rendering is unavailable or fails.
func printMarkdown(text string) {
	if !style.ShouldUseColor() {
		fmt.Println(text)
		return
	}

	wrap := style.Width()
	if wrap <= 0 || wrap > 120 {
		wrap = 100
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(wrap),
	)
	if err != nil {
		fmt.Println(text)
		return
	}
	out, err := r.Render(text)
	if err != nil {
		fmt.Println(text)
		return
	}
	fmt.Print(out)
}
