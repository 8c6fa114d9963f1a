package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"bughunter/internal/agent"
	"bughunter/internal/command"
	"bughunter/internal/config"
	"bughunter/internal/db"
	"bughunter/internal/frontend"
	"bughunter/internal/git"
	"bughunter/internal/llm"
	"bughunter/internal/pipeline"
	"bughunter/internal/webhook"
)

// shutdownTimeout bounds how long in-flight runs get to finish after a
// shutdown signal.
const shutdownTimeout = 30 * time.Second

// Run starts the daemon: event server, coordinator and agent sessions.
// Blocks until SIGINT/SIGTERM is received.
func Run(cfg *config.Config) error {
	if cfg.Frontend.CallbackURL == "" {
		return fmt.Errorf("frontend.callback_url is required to start the daemon")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.PIDFile), 0o755); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	if err := WritePID(cfg.PIDFile); err != nil {
		return err
	}
	defer RemovePID(cfg.PIDFile)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create db dir: %w", err)
	}
	if err := os.MkdirAll(cfg.WorktreeRoot, 0o755); err != nil {
		return fmt.Errorf("create worktree root: %w", err)
	}
	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer store.Close()

	// Crash recovery: the active-job set did not survive the restart.
	recovered, err := store.RecoverInterruptedJobs(context.Background())
	if err != nil {
		return fmt.Errorf("crash recovery: %w", err)
	}
	if recovered > 0 {
		slog.Info("marked interrupted jobs failed", "count", recovered)
	}
	recoveredTurns, err := store.RecoverRunningTurns(context.Background())
	if err != nil {
		return fmt.Errorf("recover running turns: %w", err)
	}
	if recoveredTurns > 0 {
		slog.Info("recovered stale agent turns", "count", recoveredTurns)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connector := llm.NewCLIConnector(llm.Config{
		Command:        cfg.Agent.Command,
		Model:          cfg.Agent.Model,
		AllowedTools:   cfg.Agent.AllowedTools,
		PermissionMode: cfg.Agent.PermissionMode,
		MaxTurns:       cfg.Agent.MaxTurns,
		SystemPrompt:   cfg.Agent.SystemPrompt,
	})
	sessions := agent.NewManager(connector, agent.Config{IdleTTL: cfg.IdleTimeout()})

	coordinator := pipeline.New(ctx, pipeline.Deps{
		Config:    cfg,
		Store:     store,
		Workspace: git.NewWorkspace(command.Exec{}),
		Sessions:  sessions,
		Frontend:  frontend.NewHTTPBridge(cfg.Frontend.CallbackURL, cfg.Frontend.Secret, &http.Client{Timeout: 15 * time.Second}),
	})

	httpSrv := &http.Server{
		Addr:         cfg.Frontend.ListenAddr,
		Handler:      webhook.NewServer(cfg, store, coordinator),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	var wg sync.WaitGroup
	serveErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("event server starting", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("event server error", "err", err)
			serveErr <- err
			stop()
		}
	}()

	slog.Info("daemon started", "addr", cfg.Frontend.ListenAddr, "forums", len(cfg.Forums), "idle_ttl", cfg.IdleTimeout())

	<-ctx.Done()
	slog.Info("shutdown signal received, stopping...")

	// Force-exit on second signal.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Error("second signal received, forcing exit")
		os.Exit(1)
	}()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = httpSrv.Shutdown(shutdownCtx)
		coordinator.Wait()
		if err := sessions.CloseAll(); err != nil {
			slog.Warn("close agent sessions", "err", err)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("daemon stopped")
	case <-shutdownCtx.Done():
		slog.Error("shutdown timed out, forcing exit", "timeout", shutdownTimeout)
		os.Exit(1)
	}

	select {
	case err := <-serveErr:
		return fmt.Errorf("event server: %w", err)
	default:
		return nil
	}
}
