package git

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"bughunter/internal/command"

	"golang.org/x/sync/singleflight"
)

var (
	// ErrDirtyRepo is returned when the base repository has uncommitted changes.
	ErrDirtyRepo = errors.New("repository has uncommitted changes")
	// ErrWorktreeExists is returned when an isolated checkout path is taken.
	ErrWorktreeExists = errors.New("worktree path already exists")
)

// Workspace composes git and gh invocations into the checkout lifecycle of a
// job: sync the shared repository, carve out a worktree, then commit, push
// and open a pull request. Every step fails fast.
type Workspace struct {
	runner command.Runner

	// syncs collapses concurrent fetch+pull calls on the same repository
	// into one execution.
	syncs singleflight.Group
}

func NewWorkspace(runner command.Runner) *Workspace {
	return &Workspace{runner: runner}
}

// Sync fetches all remotes and fast-forwards the checked-out branch. It fails
// if the local branch has diverged. Concurrent calls for the same repository
// share one execution.
func (w *Workspace) Sync(ctx context.Context, repo string) error {
	key := filepath.Clean(repo)
	ch := w.syncs.DoChan(key, func() (any, error) {
		// Detached so one caller giving up does not fail the others.
		syncCtx := context.WithoutCancel(ctx)
		slog.Info("syncing repository", "repo", key)
		if err := w.git(syncCtx, key, "fetch", "--all"); err != nil {
			return nil, err
		}
		return nil, w.git(syncCtx, key, "pull", "--ff-only")
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return fmt.Errorf("sync %s: %w", key, res.Err)
		}
		return nil
	}
}

// HasChanges reports whether dir has staged, unstaged or untracked changes.
func (w *Workspace) HasChanges(ctx context.Context, dir string) (bool, error) {
	out, err := w.gitOutput(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// EnsureClean fails with ErrDirtyRepo if repo has uncommitted changes.
func (w *Workspace) EnsureClean(ctx context.Context, repo string) error {
	dirty, err := w.HasChanges(ctx, repo)
	if err != nil {
		return fmt.Errorf("check clean %s: %w", repo, err)
	}
	if dirty {
		return fmt.Errorf("%s: %w", repo, ErrDirtyRepo)
	}
	return nil
}

// CurrentBranch returns the checked-out branch name of dir.
func (w *Workspace) CurrentBranch(ctx context.Context, dir string) (string, error) {
	out, err := w.gitOutput(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Finalize commits every change in dir with title as the message and pushes
// branch upstream. A clean checkout is left untouched and reported as not
// pushed.
func (w *Workspace) Finalize(ctx context.Context, dir, branch, title string) (bool, error) {
	dirty, err := w.HasChanges(ctx, dir)
	if err != nil {
		return false, fmt.Errorf("check changes: %w", err)
	}
	if !dirty {
		return false, nil
	}
	if err := w.git(ctx, dir, "add", "-A"); err != nil {
		return false, fmt.Errorf("git add: %w", err)
	}
	if err := w.git(ctx, dir, "commit", "-m", title); err != nil {
		return false, fmt.Errorf("git commit: %w", err)
	}
	if err := w.git(ctx, dir, "push", "-u", "origin", branch); err != nil {
		return false, fmt.Errorf("git push: %w", err)
	}
	return true, nil
}

func (w *Workspace) git(ctx context.Context, dir string, args ...string) error {
	_, err := w.gitOutput(ctx, dir, args...)
	return err
}

func (w *Workspace) gitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	return w.runner.Run(ctx, "", "git", append([]string{"-C", dir}, args...)...)
}
