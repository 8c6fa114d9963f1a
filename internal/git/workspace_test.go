package git

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	"bughunter/internal/command"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

// setupRepo returns a bare remote and a clone of it with one commit on main.
func setupRepo(t *testing.T) (remote, repo string) {
	t.Helper()
	requireGit(t)
	tmp := t.TempDir()

	seed := filepath.Join(tmp, "seed")
	runGitCmd(t, "", "init", seed)
	configureIdentity(t, seed)
	writeFile(t, filepath.Join(seed, "README.md"), "hello\n")
	runGitCmd(t, seed, "add", "README.md")
	runGitCmd(t, seed, "commit", "-m", "init")
	runGitCmd(t, seed, "branch", "-M", "main")

	remote = filepath.Join(tmp, "remote.git")
	runGitCmd(t, "", "clone", "--bare", seed, remote)

	repo = filepath.Join(tmp, "repo")
	runGitCmd(t, "", "clone", remote, repo)
	configureIdentity(t, repo)
	return remote, repo
}

func configureIdentity(t *testing.T, dir string) {
	t.Helper()
	runGitCmd(t, dir, "config", "user.email", "test@example.com")
	runGitCmd(t, dir, "config", "user.name", "Test User")
}

func pushFromOtherClone(t *testing.T, remote, file, content string) {
	t.Helper()
	other := filepath.Join(t.TempDir(), "other")
	runGitCmd(t, "", "clone", remote, other)
	configureIdentity(t, other)
	writeFile(t, filepath.Join(other, file), content)
	runGitCmd(t, other, "add", file)
	runGitCmd(t, other, "commit", "-m", "upstream change")
	runGitCmd(t, other, "push", "origin", "main")
}

func TestSyncFastForwardsFromRemote(t *testing.T) {
	t.Parallel()
	remote, repo := setupRepo(t)
	pushFromOtherClone(t, remote, "upstream.txt", "new\n")

	ws := NewWorkspace(command.Exec{})
	if err := ws.Sync(context.Background(), repo); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if _, err := os.Stat(filepath.Join(repo, "upstream.txt")); err != nil {
		t.Fatalf("expected fast-forwarded file: %v", err)
	}
}

func TestSyncFailsWhenBranchDiverged(t *testing.T) {
	t.Parallel()
	remote, repo := setupRepo(t)
	pushFromOtherClone(t, remote, "upstream.txt", "new\n")

	writeFile(t, filepath.Join(repo, "local.txt"), "local\n")
	runGitCmd(t, repo, "add", "local.txt")
	runGitCmd(t, repo, "commit", "-m", "local change")

	ws := NewWorkspace(command.Exec{})
	err := ws.Sync(context.Background(), repo)
	if err == nil {
		t.Fatal("expected diverged sync to fail")
	}
	var cmdErr *command.Error
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected command error, got %T %v", err, err)
	}
}

func TestSyncSharesConcurrentCalls(t *testing.T) {
	t.Parallel()
	_, repo := setupRepo(t)

	rec := &recordingRunner{next: command.Exec{}}
	ws := NewWorkspace(rec)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = ws.Sync(context.Background(), repo)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("sync %d: %v", i, err)
		}
	}
	fetches := rec.count("fetch")
	if fetches < 1 || fetches > len(errs) {
		t.Fatalf("unexpected fetch count %d", fetches)
	}
}

func TestEnsureCleanRejectsDirtyRepo(t *testing.T) {
	t.Parallel()
	_, repo := setupRepo(t)
	ws := NewWorkspace(command.Exec{})

	if err := ws.EnsureClean(context.Background(), repo); err != nil {
		t.Fatalf("expected clean repo: %v", err)
	}
	writeFile(t, filepath.Join(repo, "scratch.txt"), "dirty\n")
	if err := ws.EnsureClean(context.Background(), repo); !errors.Is(err, ErrDirtyRepo) {
		t.Fatalf("expected ErrDirtyRepo, got %v", err)
	}
}

func TestCreateWorktreeRefusesExistingPath(t *testing.T) {
	t.Parallel()
	_, repo := setupRepo(t)
	ws := NewWorkspace(command.Exec{})
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "repo", "111")
	if err := ws.CreateWorktree(ctx, repo, path, "bughunter/thread-111", "main"); err != nil {
		t.Fatalf("create worktree: %v", err)
	}
	branch, err := ws.CurrentBranch(ctx, path)
	if err != nil {
		t.Fatalf("current branch: %v", err)
	}
	if branch != "bughunter/thread-111" {
		t.Fatalf("expected job branch, got %q", branch)
	}

	err = ws.CreateWorktree(ctx, repo, path, "bughunter/thread-111-b", "main")
	if !errors.Is(err, ErrWorktreeExists) {
		t.Fatalf("expected ErrWorktreeExists, got %v", err)
	}
}

func TestRemoveWorktreeAllowsRecreate(t *testing.T) {
	t.Parallel()
	_, repo := setupRepo(t)
	ws := NewWorkspace(command.Exec{})
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "repo", "222")
	branch := "bughunter/thread-222"
	if err := ws.CreateWorktree(ctx, repo, path, branch, "main"); err != nil {
		t.Fatalf("create worktree: %v", err)
	}
	writeFile(t, filepath.Join(path, "half-done.txt"), "x\n")

	if err := ws.RemoveWorktree(ctx, repo, path, branch); err != nil {
		t.Fatalf("remove worktree: %v", err)
	}
	if err := ws.RemoveWorktree(ctx, repo, path, branch); err != nil {
		t.Fatalf("second remove should be a no-op: %v", err)
	}
	if err := ws.CreateWorktree(ctx, repo, path, branch, "main"); err != nil {
		t.Fatalf("recreate worktree: %v", err)
	}
}

func TestRemoveWorktreeClearsBranchWhenDirectoryGone(t *testing.T) {
	t.Parallel()
	_, repo := setupRepo(t)
	ws := NewWorkspace(command.Exec{})
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "repo", "111")
	branch := "bughunter/thread-111"
	if err := ws.CreateWorktree(ctx, repo, path, branch, "main"); err != nil {
		t.Fatalf("create worktree: %v", err)
	}
	if err := os.RemoveAll(path); err != nil {
		t.Fatalf("remove checkout: %v", err)
	}
	if err := ws.CreateWorktree(ctx, repo, path, branch, "main"); err == nil {
		t.Fatal("expected create to fail while the old branch remains")
	}

	if err := ws.RemoveWorktree(ctx, repo, path, branch); err != nil {
		t.Fatalf("remove worktree: %v", err)
	}
	if err := ws.CreateWorktree(ctx, repo, path, branch, "main"); err != nil {
		t.Fatalf("recreate worktree: %v", err)
	}
}

func TestFinalizeSkipsCleanCheckout(t *testing.T) {
	t.Parallel()
	remote, repo := setupRepo(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "wt")
	branch := "bughunter/thread-333"

	rec := &recordingRunner{next: command.Exec{}}
	ws := NewWorkspace(rec)
	if err := ws.CreateWorktree(ctx, repo, path, branch, "main"); err != nil {
		t.Fatalf("create worktree: %v", err)
	}

	pushed, err := ws.Finalize(ctx, path, branch, "fix: nothing")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if pushed {
		t.Fatal("expected clean checkout to skip push")
	}
	for _, verb := range []string{"commit", "push"} {
		if n := rec.count(verb); n != 0 {
			t.Fatalf("expected no %s calls, got %d", verb, n)
		}
	}
	if out := runGitCmdOutput(t, "", "ls-remote", "--heads", remote, branch); strings.TrimSpace(out) != "" {
		t.Fatalf("expected branch absent on remote, got %q", out)
	}
}

func TestFinalizeCommitsAndPushesChanges(t *testing.T) {
	t.Parallel()
	remote, repo := setupRepo(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "wt")
	branch := "bughunter/thread-444"

	rec := &recordingRunner{next: command.Exec{}}
	ws := NewWorkspace(rec)
	if err := ws.CreateWorktree(ctx, repo, path, branch, "main"); err != nil {
		t.Fatalf("create worktree: %v", err)
	}
	writeFile(t, filepath.Join(path, "fix.go"), "package fix\n")

	pushed, err := ws.Finalize(ctx, path, branch, "fix: null check")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if !pushed {
		t.Fatal("expected push")
	}
	if rec.count("commit") != 1 || rec.count("push") != 1 {
		t.Fatalf("expected one commit and one push, calls=%v", rec.calls())
	}
	subject := runGitCmdOutput(t, path, "log", "-1", "--format=%s")
	if strings.TrimSpace(subject) != "fix: null check" {
		t.Fatalf("unexpected commit subject %q", subject)
	}
	if out := runGitCmdOutput(t, "", "ls-remote", "--heads", remote, branch); !strings.Contains(out, "refs/heads/"+branch) {
		t.Fatalf("expected branch on remote, got %q", out)
	}
}

func TestOpenPullRequestRunsGhInRepo(t *testing.T) {
	t.Parallel()
	fake := &fakeRunner{out: "Creating pull request for bughunter/thread-111 into main\n\nhttps://github.com/o/r/pull/42\n"}
	ws := NewWorkspace(fake)

	url, err := ws.OpenPullRequest(context.Background(), "/repos/r", "fix: null check", "body", "bughunter/thread-111", "main")
	if err != nil {
		t.Fatalf("open pr: %v", err)
	}
	if url != "https://github.com/o/r/pull/42" {
		t.Fatalf("unexpected url %q", url)
	}
	want := []string{"pr", "create", "--title", "fix: null check", "--body", "body", "--head", "bughunter/thread-111", "--base", "main"}
	if fake.dir != "/repos/r" || fake.name != "gh" || !reflect.DeepEqual(fake.args, want) {
		t.Fatalf("unexpected invocation dir=%s name=%s args=%v", fake.dir, fake.name, fake.args)
	}
}

func TestOpenPullRequestPropagatesCommandError(t *testing.T) {
	t.Parallel()
	fake := &fakeRunner{err: &command.Error{Name: "gh", Stderr: "already exists", Err: errors.New("exit status 1")}}
	ws := NewWorkspace(fake)

	_, err := ws.OpenPullRequest(context.Background(), "/repos/r", "t", "b", "h", "main")
	var cmdErr *command.Error
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected command error, got %v", err)
	}
}

type fakeRunner struct {
	out  string
	err  error
	dir  string
	name string
	args []string
}

func (f *fakeRunner) Run(_ context.Context, dir, name string, args ...string) (string, error) {
	f.dir, f.name, f.args = dir, name, args
	return f.out, f.err
}

// recordingRunner forwards to next and remembers each git subcommand.
type recordingRunner struct {
	next command.Runner
	mu   sync.Mutex
	log  []string
}

func (r *recordingRunner) Run(ctx context.Context, dir, name string, args ...string) (string, error) {
	verb := name
	for i := 0; i < len(args); i++ {
		if args[i] == "-C" {
			i++
			continue
		}
		verb = args[i]
		break
	}
	r.mu.Lock()
	r.log = append(r.log, verb)
	r.mu.Unlock()
	return r.next.Run(ctx, dir, name, args...)
}

func (r *recordingRunner) count(verb string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, v := range r.log {
		if v == verb {
			n++
		}
	}
	return n
}

func (r *recordingRunner) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.log...)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func runGitCmd(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s failed: %v\n%s", strings.Join(args, " "), err, string(out))
	}
}

func runGitCmdOutput(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("git %s failed: %v", strings.Join(args, " "), err)
	}
	return string(out)
}
