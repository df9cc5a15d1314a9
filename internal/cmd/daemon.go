package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/anthill/anthill/internal/daemon"
	"github.com/anthill/anthill/internal/style"
	"github.com/anthill/anthill/internal/version"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: GroupDaemon,
	Short:   "Manage the background daemon",
	RunE:    requireSubcommand,
	Long: `Manage the anthill daemon as a background process.

'start' spawns the daemon detached from the terminal and verifies it
came up; 'stop' sends SIGTERM and waits for a clean exit. The daemon
writes its PID file and log under the configured runtime directory.`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon in the background",
	RunE:  runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon",
	RunE:  runDaemonStop,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the daemon is running",
	RunE:  runDaemonStatus,
}

var daemonLogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View the daemon log",
	RunE:  runDaemonLogs,
}

var daemonRestartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the daemon",
	Long:  `Stop and start the daemon. Useful after upgrading anthill.`,
	RunE:  runDaemonRestart,
}

// daemonRunCmd is the detached process spawned by 'daemon start'. Hidden
// because users should reach for 'serve' or 'daemon start'.
var daemonRunCmd = &cobra.Command{
	Use:    "run",
	Short:  "Run the daemon in the foreground without mirroring logs (internal)",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return launchDaemon(false)
	},
}

var (
	daemonLogLines  int
	daemonLogFollow bool
)

func init() {
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
	daemonCmd.AddCommand(daemonLogsCmd)
	daemonCmd.AddCommand(daemonRestartCmd)
	daemonCmd.AddCommand(daemonRunCmd)

	daemonLogsCmd.Flags().IntVarP(&daemonLogLines, "lines", "n", 50, "Number of lines to show")
	daemonLogsCmd.Flags().BoolVarP(&daemonLogFollow, "follow", "f", false, "Follow log output")

	rootCmd.AddCommand(daemonCmd)
}

// spawnDaemon re-execs this binary as 'anthill daemon run', detached from
// the terminal, and returns the child PID.
func spawnDaemon() (int, error) {
	exePath, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("finding executable: %w", err)
	}

	argv := []string{"daemon", "run"}
	if cfgFile != "" {
		argv = append(argv, "--config", cfgFile)
	}
	proc := exec.Command(exePath, argv...)
	proc.Stdin = nil
	proc.Stdout = nil
	proc.Stderr = nil

	if err := proc.Start(); err != nil {
		return 0, fmt.Errorf("starting daemon: %w", err)
	}
	return proc.Process.Pid, nil
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	running, pid, err := daemon.IsRunning(cfg)
	if err != nil {
		return fmt.Errorf("checking daemon status: %w", err)
	}
	if running {
		return fmt.Errorf("daemon already running (PID %d)", pid)
	}

	childPid, err := spawnDaemon()
	if err != nil {
		return err
	}

	// Wait a moment for the child to take the lock and write its PID file.
	time.Sleep(200 * time.Millisecond)

	running, pid, err = daemon.IsRunning(cfg)
	if err != nil {
		return fmt.Errorf("checking daemon status: %w", err)
	}
	if !running {
		return fmt.Errorf("daemon failed to start (check 'anthill daemon logs')")
	}

	// If a concurrent start won the race, our child lost the lock and
	// exited; the PID file carries the winner.
	if pid != childPid {
		fmt.Printf("%s daemon already running (PID %d)\n", style.Dim.Render("○"), pid)
		return nil
	}

	fmt.Printf("%s daemon started (PID %d, %s)\n", style.OK.Render("●"), pid, version.String())
	return nil
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	running, pid, err := daemon.IsRunning(cfg)
	if err != nil {
		return fmt.Errorf("checking daemon status: %w", err)
	}
	if !running {
		return fmt.Errorf("daemon is not running")
	}

	if err := daemon.Stop(cfg); err != nil {
		return fmt.Errorf("stopping daemon: %w", err)
	}

	fmt.Printf("%s daemon stopped (was PID %d)\n", style.OK.Render("●"), pid)
	return nil
}

func runDaemonStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	running, pid, err := daemon.IsRunning(cfg)
	if err != nil {
		return fmt.Errorf("checking daemon status: %w", err)
	}

	if running {
		fmt.Printf("%s daemon running (PID %d)\n", style.OK.Render("●"), pid)
		fmt.Printf("  Log:   %s\n", daemon.LogPath(cfg))
		fmt.Printf("  API:   %s\n", style.Dim.Render("anthill status"))
	} else {
		fmt.Printf("%s daemon not running\n", style.Dim.Render("○"))
		fmt.Printf("  Start with: %s\n", style.Dim.Render("anthill daemon start"))
	}
	return nil
}

func runDaemonLogs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logFile := daemon.LogPath(cfg)
	if _, err := os.Stat(logFile); os.IsNotExist(err) {
		return fmt.Errorf("no log file found at %s", logFile)
	}

	var tailCmd *exec.Cmd
	if daemonLogFollow {
		tailCmd = exec.Command("tail", "-f", logFile)
	} else {
		tailCmd = exec.Command("tail", "-n", strconv.Itoa(daemonLogLines), logFile)
	}
	tailCmd.Stdout = os.Stdout
	tailCmd.Stderr = os.Stderr
	return tailCmd.Run()
}

func runDaemonRestart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	running, oldPid, err := daemon.IsRunning(cfg)
	if err != nil {
		return fmt.Errorf("checking daemon status: %w", err)
	}
	if running {
		fmt.Printf("Stopping daemon (PID %d)...\n", oldPid)
		if err := daemon.Stop(cfg); err != nil {
			return fmt.Errorf("stopping daemon: %w", err)
		}
		time.Sleep(200 * time.Millisecond)
	}

	childPid, err := spawnDaemon()
	if err != nil {
		return err
	}
	time.Sleep(200 * time.Millisecond)

	running, pid, err := daemon.IsRunning(cfg)
	if err != nil {
		return fmt.Errorf("checking daemon status: %w", err)
	}
	if !running {
		return fmt.Errorf("daemon failed to start (check 'anthill daemon logs')")
	}
	if pid != childPid {
		fmt.Printf("%s daemon already running (PID %d)\n", style.Dim.Render("○"), pid)
		return nil
	}

	if oldPid > 0 {
		fmt.Printf("%s daemon restarted (PID %d -> %d, %s)\n", style.OK.Render("●"), oldPid, pid, version.String())
	} else {
		fmt.Printf("%s daemon started (PID %d, %s)\n", style.OK.Render("●"), pid, version.String())
	}
	return nil
}
