package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"bughunter/internal/config"
	"bughunter/internal/db"

	"github.com/spf13/cobra"
)

var (
	cfgPath string
	verbose bool
	jsonOut bool
	version = config.Version
	commit  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "bughunter",
	Short:   "bughunter turns forum bug reports into pull requests",
	Long:    "bughunter receives bug-report threads from a chat frontend, runs a coding agent on an isolated worktree once an owner approves, and opens a pull request with the fix.",
	Version: fmt.Sprintf("%s (%s)", version, commit),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output JSON")
}

func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return err
	}
	return nil
}

// configCandidates lists the config files tried in order when --config is
// not given.
func configCandidates() []string {
	candidates := []string{"bughunter.toml"}
	if global, err := config.GlobalConfigPath(); err == nil {
		candidates = append(candidates, global)
	}
	return candidates
}

func resolveConfigPath() (string, error) {
	if cfgPath != "" {
		return cfgPath, nil
	}
	candidates := configCandidates()
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no config file found (tried %s); run 'bughunter init' or pass --config", strings.Join(candidates, ", "))
}

func loadConfig() (*config.Config, error) {
	path, err := resolveConfigPath()
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}

func openStore(cfg *config.Config) (*db.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	// WAL sidecars without their database would be replayed into a new one.
	if _, err := os.Stat(cfg.DBPath); os.IsNotExist(err) {
		for _, suffix := range []string{"-shm", "-wal"} {
			_ = os.Remove(cfg.DBPath + suffix)
		}
	}
	return db.Open(cfg.DBPath)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		slog.Warn("encode json output", "err", err)
	}
}
