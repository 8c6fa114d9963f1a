package git

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// CreateWorktree adds an isolated checkout of repo at path on a fresh branch
// cut from baseBranch. It refuses to reuse an existing path.
func (w *Workspace) CreateWorktree(ctx context.Context, repo, path, branch, baseBranch string) error {
	if _, err := os.Lstat(path); err == nil {
		return fmt.Errorf("%s: %w", path, ErrWorktreeExists)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat worktree %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create worktree parent: %w", err)
	}
	if err := w.git(ctx, repo, "worktree", "add", "-b", branch, path, baseBranch); err != nil {
		return fmt.Errorf("create worktree: %w", err)
	}
	return nil
}

// RemoveWorktree deletes a checkout left behind by an earlier run together
// with its local branch. Missing pieces are not an error.
func (w *Workspace) RemoveWorktree(ctx context.Context, repo, path, branch string) error {
	if _, err := os.Lstat(path); err == nil {
		if err := w.git(ctx, repo, "worktree", "remove", "--force", path); err != nil {
			slog.Warn("git worktree remove failed, deleting directory", "path", path, "err", err)
			if err := os.RemoveAll(path); err != nil {
				return fmt.Errorf("remove worktree dir %s: %w", path, err)
			}
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat worktree %s: %w", path, err)
	}
	if err := w.git(ctx, repo, "worktree", "prune"); err != nil {
		return fmt.Errorf("prune worktrees: %w", err)
	}
	if branch != "" {
		if _, err := w.gitOutput(ctx, repo, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch); err == nil {
			if err := w.git(ctx, repo, "branch", "-D", branch); err != nil {
				return fmt.Errorf("delete branch %s: %w", branch, err)
			}
		}
	}
	return nil
}
