package cli

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"bughunter/internal/config"
	"bughunter/internal/daemon"

	"github.com/spf13/cobra"
)

var foreground bool

// startupTimeout bounds how long a detached start waits for the daemon to
// write its PID file.
const startupTimeout = 5 * time.Second

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the bughunter daemon",
	Long:  "Starts the event server and job coordinator. Without --foreground the daemon detaches and logs to log_file.",
	RunE:  runStart,
}

func init() {
	startCmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "run in this process instead of detaching")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	return runStartWith(loadConfig, daemon.IsRunning, runForeground, runDetached)
}

type daemonRunningFunc func(string) bool
type startRunnerFunc func(*config.Config) error

func runStartWith(
	loadConfigFn func() (*config.Config, error),
	isDaemonRunning daemonRunningFunc,
	runForegroundFn startRunnerFunc,
	runDetachedFn startRunnerFunc,
) error {
	cfg, err := loadConfigFn()
	if err != nil {
		return err
	}
	if isDaemonRunning(cfg.PIDFile) {
		return fmt.Errorf("daemon is already running (pid file %s)", cfg.PIDFile)
	}
	if foreground {
		return runForegroundFn(cfg)
	}
	return runDetachedFn(cfg)
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

// runForeground runs the daemon in this process with JSON logs in log_file,
// or text logs on stderr when no log file is configured.
func runForeground(cfg *config.Config) error {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	handler := slog.Handler(slog.NewTextHandler(os.Stderr, opts))
	if cfg.LogFile != "" {
		f, err := openLogFile(cfg.LogFile)
		if err != nil {
			return err
		}
		defer f.Close()
		handler = slog.NewJSONHandler(f, opts)
	}
	slog.SetDefault(slog.New(handler))

	fmt.Printf("bughunter listening on %s (pid %d)\n", cfg.Frontend.ListenAddr, os.Getpid())
	return daemon.Run(cfg)
}

// runDetached re-runs this binary as `start --foreground` in a new session
// and waits until the child has written its PID file.
func runDetached(cfg *config.Config) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	args := []string{"start", "--foreground"}
	if cfgPath != "" {
		args = append(args, "--config", cfgPath)
	}

	logFile, err := openLogFile(cfg.LogFile)
	if err != nil {
		return err
	}
	defer logFile.Close()

	child := exec.Command(exe, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	// Reaping the child is the only way to notice an early exit; a zombie
	// still answers signal 0.
	exited := make(chan error, 1)
	go func() { exited <- child.Wait() }()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(startupTimeout)
	for {
		select {
		case err := <-exited:
			if err == nil {
				err = fmt.Errorf("exit status 0")
			}
			return fmt.Errorf("daemon exited during startup (%v); see %s", err, cfg.LogFile)
		case <-ticker.C:
			if pid, err := daemon.ReadPID(cfg.PIDFile); err == nil && pid == child.Process.Pid {
				fmt.Printf("Daemon started (pid %d). Log: %s\n", pid, cfg.LogFile)
				return nil
			}
		case <-deadline:
			return fmt.Errorf("daemon (pid %d) did not write %s within %s; see %s",
				child.Process.Pid, cfg.PIDFile, startupTimeout, cfg.LogFile)
		}
	}
}
