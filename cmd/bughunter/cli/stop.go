package cli

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"bughunter/internal/daemon"

	"github.com/spf13/cobra"
)

var stopWait time.Duration

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the bughunter daemon",
	Long:  "Sends SIGTERM so running jobs record their outcome, then optionally waits for the daemon to exit.",
	RunE:  runStop,
}

func init() {
	stopCmd.Flags().DurationVar(&stopWait, "wait", 0, "wait up to this long for the daemon to exit (e.g. 40s)")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return stopDaemon(cfg.PIDFile, stopWait)
}

func stopDaemon(pidFile string, wait time.Duration) error {
	pid, err := daemon.ReadPID(pidFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("daemon is not running (no pid file at %s)", pidFile)
		}
		return err
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		// The process is gone; the PID file is stale.
		daemon.RemovePID(pidFile)
		return fmt.Errorf("signal daemon (pid %d): %w", pid, err)
	}
	fmt.Printf("Sent SIGTERM to daemon (pid %d)\n", pid)
	if wait <= 0 {
		return nil
	}

	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if !daemon.IsRunning(pidFile) {
			fmt.Println("Daemon stopped.")
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("daemon (pid %d) still running after %s", pid, wait)
}
