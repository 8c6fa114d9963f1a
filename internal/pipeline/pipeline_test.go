package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"bughunter/internal/agent"
	"bughunter/internal/config"
	"bughunter/internal/db"
	"bughunter/internal/frontend"
	"bughunter/internal/git"
)

const fixReply = `I looked into it.

## Cause
Saving dereferences a nil document.

## Spec
Saving an empty document writes an empty file.

## Summary
Added a null check before serializing.

## PR Title
fix: null check

## PR Body
Guards the save path against nil documents.
`

type fakeWorkspace struct {
	mu      sync.Mutex
	calls   []string
	dirty   bool
	prURL   string
	syncErr error
	titles  []string
	prs     []string

	// branches holds the local branches cut by CreateWorktree.
	branches map[string]bool
}

func (w *fakeWorkspace) record(call string) {
	w.mu.Lock()
	w.calls = append(w.calls, call)
	w.mu.Unlock()
}

func (w *fakeWorkspace) Sync(ctx context.Context, repo string) error {
	w.record("sync")
	return w.syncErr
}

func (w *fakeWorkspace) EnsureClean(ctx context.Context, repo string) error {
	w.record("ensure_clean")
	return nil
}

func (w *fakeWorkspace) CreateWorktree(ctx context.Context, repo, path, branch, baseBranch string) error {
	w.record("create_worktree " + branch + " " + baseBranch)
	if _, err := os.Stat(path); err == nil {
		return git.ErrWorktreeExists
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.branches[branch] {
		return fmt.Errorf("create worktree: a branch named '%s' already exists", branch)
	}
	if w.branches == nil {
		w.branches = make(map[string]bool)
	}
	w.branches[branch] = true
	return os.MkdirAll(path, 0o755)
}

func (w *fakeWorkspace) RemoveWorktree(ctx context.Context, repo, path, branch string) error {
	w.record("remove_worktree")
	w.mu.Lock()
	delete(w.branches, branch)
	w.mu.Unlock()
	return os.RemoveAll(path)
}

func (w *fakeWorkspace) CurrentBranch(ctx context.Context, dir string) (string, error) {
	w.record("current_branch")
	return "bughunter/thread-111", nil
}

func (w *fakeWorkspace) Finalize(ctx context.Context, dir, branch, title string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, "finalize")
	if w.dirty {
		w.titles = append(w.titles, title)
	}
	return w.dirty, nil
}

func (w *fakeWorkspace) OpenPullRequest(ctx context.Context, repo, title, body, head, base string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, "open_pr")
	w.prs = append(w.prs, title+"|"+body+"|"+head+"|"+base)
	return w.prURL, nil
}

func (w *fakeWorkspace) snapshot() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.calls...)
}

type fakeSessions struct {
	mu      sync.Mutex
	reply   string
	err     error
	panics  bool
	prompts []string
	opts    []agent.Options
	closed  []string
}

func (s *fakeSessions) Run(ctx context.Context, id string, opts agent.Options, prompt string, onProgress agent.ProgressFunc) (string, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	s.opts = append(s.opts, opts)
	reply, err, panics := s.reply, s.err, s.panics
	s.mu.Unlock()
	if panics {
		panic("agent exploded")
	}
	onProgress("Tool started: Edit (save.go)")
	return reply, err
}

func (s *fakeSessions) Close(id string) error {
	s.mu.Lock()
	s.closed = append(s.closed, id)
	s.mu.Unlock()
	return nil
}

type fakeFrontend struct {
	mu       sync.Mutex
	threads  map[string]frontend.Thread
	messages []string
	statuses []string
	deletes  int
	records  []frontend.CompletionRecord
}

func (f *fakeFrontend) FetchThread(ctx context.Context, ref string) (frontend.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	th, ok := f.threads[ref]
	if !ok {
		return frontend.Thread{}, frontend.ErrThreadNotFound
	}
	return th, nil
}

func (f *fakeFrontend) PostMessage(ctx context.Context, ref, text string) error {
	f.mu.Lock()
	f.messages = append(f.messages, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeFrontend) EditStatusMessage(ctx context.Context, ref, text string) error {
	f.mu.Lock()
	f.statuses = append(f.statuses, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeFrontend) DeleteStatusMessage(ctx context.Context, ref string) error {
	f.mu.Lock()
	f.deletes++
	f.mu.Unlock()
	return nil
}

func (f *fakeFrontend) PostCompletionRecord(ctx context.Context, rec frontend.CompletionRecord) error {
	f.mu.Lock()
	f.records = append(f.records, rec)
	f.mu.Unlock()
	return nil
}

func (f *fakeFrontend) hasMessage(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

type testEnv struct {
	coord    *Coordinator
	store    *db.Store
	ws       *fakeWorkspace
	sessions *fakeSessions
	fe       *fakeFrontend
	root     string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("eval temp dir: %v", err)
	}
	repo := filepath.Join(root, "repos", "app")
	if err := os.MkdirAll(repo, 0o755); err != nil {
		t.Fatalf("mkdir repo: %v", err)
	}

	store, err := db.Open(filepath.Join(root, "bughunter.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := &config.Config{
		RepoRoot:          filepath.Join(root, "repos"),
		WorktreeRoot:      filepath.Join(root, "worktrees"),
		Owners:            []string{"u-1"},
		DefaultBaseBranch: "main",
		Forums:            []config.ForumConfig{{ID: "forum-1", RepoPath: repo}},
		Frontend:          config.FrontendConfig{MaxMessageLen: 1900},
	}
	env := &testEnv{
		store:    store,
		ws:       &fakeWorkspace{dirty: true, prURL: "https://example.com/acme/app/pull/42"},
		sessions: &fakeSessions{reply: fixReply},
		fe: &fakeFrontend{threads: map[string]frontend.Thread{
			"111": {Ref: "111", ForumRef: "forum-1", Title: "Crash on save", Tags: []string{"bug"}, AuthorName: "reporter", AuthorID: "u-9", Body: "Saving an empty doc panics."},
		}},
		root: root,
	}
	env.coord = New(context.Background(), Deps{
		Config:    cfg,
		Store:     store,
		Workspace: env.ws,
		Sessions:  env.sessions,
		Frontend:  env.fe,
	})
	return env
}

func (e *testEnv) createJob(t *testing.T) db.Job {
	t.Helper()
	job, created, err := e.coord.HandleThreadCreated(context.Background(), frontend.ThreadCreated{ThreadRef: "111", ForumRef: "forum-1"})
	if err != nil || !created {
		t.Fatalf("create job: created=%v err=%v", created, err)
	}
	return job
}

func (e *testEnv) approve(t *testing.T, jobID int64) {
	t.Helper()
	job, err := e.coord.Approve(context.Background(), frontend.ApprovalRequested{ActorID: "u-1", JobID: jobID})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if job.Status != db.StatusApproved {
		t.Fatalf("expected approved, got %s", job.Status)
	}
	e.coord.Wait()
}

func (e *testEnv) job(t *testing.T, id int64) db.Job {
	t.Helper()
	job, err := e.store.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	return job
}

func TestThreadCreatedIsIdempotent(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.createJob(t)
	if first.Status != db.StatusPendingApproval {
		t.Fatalf("expected pending_approval, got %s", first.Status)
	}
	for range 3 {
		again, created, err := env.coord.HandleThreadCreated(ctx, frontend.ThreadCreated{ThreadRef: "111", ForumRef: "forum-1"})
		if err != nil || created {
			t.Fatalf("repeat intake: created=%v err=%v", created, err)
		}
		if again.ID != first.ID {
			t.Fatalf("expected job %d, got %d", first.ID, again.ID)
		}
	}
	jobs, err := env.store.ListJobs(ctx, "")
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected exactly one job, got %d", len(jobs))
	}
	if len(env.fe.messages) != 1 || env.fe.messages[0] != "Job 1 created. Awaiting approval." {
		t.Fatalf("unexpected intake messages %q", env.fe.messages)
	}
}

func TestThreadCreatedInUnmappedForum(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	_, _, err := env.coord.HandleThreadCreated(context.Background(), frontend.ThreadCreated{ThreadRef: "222", ForumRef: "elsewhere"})
	if !errors.Is(err, ErrUnmappedForum) {
		t.Fatalf("expected ErrUnmappedForum, got %v", err)
	}
	if !env.fe.hasMessage("No repository is configured for this forum.") {
		t.Fatalf("expected unmapped notice, got %q", env.fe.messages)
	}
	if _, err := env.store.GetJobByThread(context.Background(), "222"); !errors.Is(err, db.ErrJobNotFound) {
		t.Fatalf("expected no job, got %v", err)
	}
}

func TestRunOpensPullRequest(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	job := env.createJob(t)
	env.approve(t, job.ID)

	got := env.job(t, job.ID)
	if got.Status != db.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", got.Status, got.Error)
	}
	if got.PRURL != "https://example.com/acme/app/pull/42" {
		t.Fatalf("unexpected pr url %q", got.PRURL)
	}
	if got.Branch != "bughunter/thread-111" {
		t.Fatalf("unexpected branch %q", got.Branch)
	}
	if want := filepath.Join(env.root, "worktrees", "app", "111"); got.WorktreePath != want {
		t.Fatalf("expected worktree %q, got %q", want, got.WorktreePath)
	}
	if got.ApproverID != "u-1" {
		t.Fatalf("unexpected approver %q", got.ApproverID)
	}

	want := []string{"sync", "ensure_clean", "remove_worktree", "create_worktree bughunter/thread-111 main", "finalize", "open_pr"}
	if calls := env.ws.snapshot(); strings.Join(calls, ",") != strings.Join(want, ",") {
		t.Fatalf("expected calls %v, got %v", want, calls)
	}
	if len(env.ws.titles) != 1 || env.ws.titles[0] != "fix: null check" {
		t.Fatalf("unexpected commit titles %v", env.ws.titles)
	}
	if env.ws.prs[0] != "fix: null check|Guards the save path against nil documents.|bughunter/thread-111|main" {
		t.Fatalf("unexpected pull request %q", env.ws.prs[0])
	}

	if len(env.sessions.opts) != 1 || env.sessions.opts[0].ConversationID == "" || env.sessions.opts[0].Resume {
		t.Fatalf("unexpected agent options %+v", env.sessions.opts)
	}
	if env.sessions.opts[0].WorkDir != got.WorktreePath {
		t.Fatalf("agent ran in %q", env.sessions.opts[0].WorkDir)
	}
	if !strings.Contains(env.sessions.prompts[0], "Crash on save") {
		t.Fatal("expected thread title in prompt")
	}

	if !env.fe.hasMessage("Pull request opened: https://example.com/acme/app/pull/42") {
		t.Fatalf("expected pull request link, got %q", env.fe.messages)
	}
	if !env.fe.hasMessage("Added a null check") {
		t.Fatal("expected narrative to be posted")
	}
	if len(env.fe.records) != 1 || env.fe.records[0].PullRequestURL != got.PRURL || env.fe.records[0].Error != "" {
		t.Fatalf("unexpected completion records %+v", env.fe.records)
	}
	if env.fe.deletes != 1 {
		t.Fatalf("expected status message deleted once, got %d", env.fe.deletes)
	}
	sawAgent := false
	for _, s := range env.fe.statuses {
		if strings.Contains(s, "Agent: Tool started: Edit (save.go)") {
			sawAgent = true
		}
	}
	if !sawAgent {
		t.Fatalf("expected agent progress in status, got %q", env.fe.statuses)
	}

	turns, err := env.store.ListTurns(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if len(turns) != 1 || turns[0].Status != "completed" || turns[0].Kind != db.TurnInitial {
		t.Fatalf("unexpected turns %+v", turns)
	}
}

func TestRunWithoutChangesSkipsPullRequest(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.ws.dirty = false
	job := env.createJob(t)
	env.approve(t, job.ID)

	got := env.job(t, job.ID)
	if got.Status != db.StatusCompleted || got.PRURL != "" {
		t.Fatalf("expected completed without pr, got %+v", got)
	}
	for _, c := range env.ws.snapshot() {
		if c == "open_pr" {
			t.Fatal("pull request opened for a clean checkout")
		}
	}
	if !env.fe.hasMessage("no changes") {
		t.Fatalf("expected no changes notice, got %q", env.fe.messages)
	}
	if len(env.fe.records) != 1 || env.fe.records[0].PullRequestURL != "" {
		t.Fatalf("unexpected records %+v", env.fe.records)
	}
}

func TestApprovalRequiresOwner(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	job := env.createJob(t)

	_, err := env.coord.Approve(context.Background(), frontend.ApprovalRequested{ActorID: "intruder", JobID: job.ID})
	var verr *ValidationError
	if !errors.As(err, &verr) || !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized validation error, got %v", err)
	}
	env.coord.Wait()
	if got := env.job(t, job.ID); got.Status != db.StatusPendingApproval {
		t.Fatalf("expected job untouched, got %s", got.Status)
	}
	if calls := env.ws.snapshot(); len(calls) != 0 {
		t.Fatalf("expected no workspace calls, got %v", calls)
	}
}

func TestApprovalRejectsInvalidState(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	job := env.createJob(t)
	env.approve(t, job.ID)

	_, err := env.coord.Approve(context.Background(), frontend.ApprovalRequested{ActorID: "u-1", ThreadRef: "111"})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}

	_, err = env.coord.Approve(context.Background(), frontend.ApprovalRequested{ActorID: "u-1", JobID: 999})
	if !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestApprovalRejectsMissingThread(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	job := env.createJob(t)
	delete(env.fe.threads, "111")

	_, err := env.coord.Approve(context.Background(), frontend.ApprovalRequested{ActorID: "u-1", JobID: job.ID})
	if !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("expected ErrThreadNotFound, got %v", err)
	}
	if got := env.job(t, job.ID); got.Status != db.StatusPendingApproval {
		t.Fatalf("expected job untouched, got %s", got.Status)
	}
}

func TestAgentFailureFailsJobAndAllowsRetry(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.sessions.err = errors.New("agent crashed")
	job := env.createJob(t)
	env.approve(t, job.ID)

	got := env.job(t, job.ID)
	if got.Status != db.StatusFailed || !strings.Contains(got.Error, "agent crashed") {
		t.Fatalf("expected failed job with agent error, got %+v", got)
	}
	if len(env.fe.records) != 1 || !strings.Contains(env.fe.records[0].Error, "agent crashed") || env.fe.records[0].PullRequestURL != "" {
		t.Fatalf("unexpected records %+v", env.fe.records)
	}
	if env.coord.Active(job.ID) {
		t.Fatal("expected active marker cleared")
	}

	// The retry reuses the path of the leftover checkout.
	env.sessions.mu.Lock()
	env.sessions.err = nil
	env.sessions.mu.Unlock()
	env.approve(t, job.ID)

	got = env.job(t, job.ID)
	if got.Status != db.StatusCompleted {
		t.Fatalf("expected completed retry, got %+v", got)
	}
	removed := false
	for _, c := range env.ws.snapshot() {
		if c == "remove_worktree" {
			removed = true
		}
	}
	if !removed {
		t.Fatal("expected leftover worktree removed before retry")
	}
	if len(env.sessions.closed) != 2 {
		t.Fatalf("expected each fresh run to reset the session, got %v", env.sessions.closed)
	}
}

func TestRetryAfterCheckoutDeletedByHand(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.sessions.err = errors.New("agent crashed")
	job := env.createJob(t)
	env.approve(t, job.ID)

	failed := env.job(t, job.ID)
	if failed.Status != db.StatusFailed || failed.WorktreePath == "" {
		t.Fatalf("expected failed job with a recorded worktree, got %+v", failed)
	}
	// The directory goes away but the branch stays.
	if err := os.RemoveAll(failed.WorktreePath); err != nil {
		t.Fatalf("remove checkout: %v", err)
	}

	env.sessions.mu.Lock()
	env.sessions.err = nil
	env.sessions.mu.Unlock()
	env.approve(t, job.ID)

	if got := env.job(t, job.ID); got.Status != db.StatusCompleted {
		t.Fatalf("expected retry to complete, got %s (%s)", got.Status, got.Error)
	}
}

func TestSyncFailureFailsJob(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.ws.syncErr = errors.New("git pull --ff-only: not possible to fast-forward")
	job := env.createJob(t)
	env.approve(t, job.ID)

	got := env.job(t, job.ID)
	if got.Status != db.StatusFailed || !strings.Contains(got.Error, "fast-forward") {
		t.Fatalf("expected sync failure recorded, got %+v", got)
	}
	if len(env.sessions.prompts) != 0 {
		t.Fatal("agent ran after a failed sync")
	}
}

func TestRepositoryOutsideRootFailsJob(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	outside := filepath.Join(env.root, "elsewhere")
	if err := os.MkdirAll(outside, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	env.coord.cfg.Forums[0].RepoPath = outside
	job := env.createJob(t)
	env.approve(t, job.ID)

	got := env.job(t, job.ID)
	if got.Status != db.StatusFailed || !strings.Contains(got.Error, "outside safety root") {
		t.Fatalf("expected path guard failure, got %+v", got)
	}
	if calls := env.ws.snapshot(); len(calls) != 0 {
		t.Fatalf("expected no workspace calls, got %v", calls)
	}
}

func TestPanicMarksJobFailed(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.sessions.panics = true
	job := env.createJob(t)
	env.approve(t, job.ID)

	got := env.job(t, job.ID)
	if got.Status != db.StatusFailed || !strings.Contains(got.Error, "internal error: agent exploded") {
		t.Fatalf("expected panic recorded, got %+v", got)
	}
	if env.coord.Active(job.ID) {
		t.Fatal("expected active marker cleared after panic")
	}
}

func TestInstructionResumesConversation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	job := env.createJob(t)
	env.approve(t, job.ID)
	ctx := context.Background()

	if _, err := env.coord.Instruct(ctx, frontend.InstructionSubmitted{ActorID: "u-1", JobID: job.ID, Text: "also handle nil titles"}); err != nil {
		t.Fatalf("instruct: %v", err)
	}
	env.coord.Wait()

	got := env.job(t, job.ID)
	if got.Status != db.StatusCompleted || got.PRURL != "https://example.com/acme/app/pull/42" {
		t.Fatalf("unexpected job after instruction %+v", got)
	}
	opts := env.sessions.opts
	if len(opts) != 2 || !opts[1].Resume || opts[1].ConversationID != opts[0].ConversationID {
		t.Fatalf("expected resumed conversation, got %+v", opts)
	}
	if !strings.Contains(env.sessions.prompts[1], "Additional instructions") || !strings.Contains(env.sessions.prompts[1], "also handle nil titles") {
		t.Fatalf("unexpected instruction prompt %q", env.sessions.prompts[1])
	}
	prs := 0
	for _, c := range env.ws.snapshot() {
		if c == "open_pr" {
			prs++
		}
	}
	if prs != 1 {
		t.Fatalf("expected a single pull request, got %d", prs)
	}
	if !env.fe.hasMessage("Pushed new changes to bughunter/thread-111") {
		t.Fatalf("expected push notice, got %q", env.fe.messages)
	}
	if len(env.fe.records) != 2 {
		t.Fatalf("expected a completion record per run, got %d", len(env.fe.records))
	}
}

func TestInstructionValidation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	job := env.createJob(t)
	ctx := context.Background()

	tests := []struct {
		name string
		ev   frontend.InstructionSubmitted
		want error
	}{
		{"unauthorized", frontend.InstructionSubmitted{ActorID: "intruder", JobID: job.ID, Text: "x"}, ErrUnauthorized},
		{"empty", frontend.InstructionSubmitted{ActorID: "u-1", JobID: job.ID, Text: "  \n "}, ErrEmptyInstruction},
		{"unknown job", frontend.InstructionSubmitted{ActorID: "u-1", ThreadRef: "nope", Text: "x"}, ErrJobNotFound},
		{"no worktree", frontend.InstructionSubmitted{ActorID: "u-1", JobID: job.ID, Text: "x"}, ErrNoWorktree},
	}
	for _, tt := range tests {
		_, err := env.coord.Instruct(ctx, tt.ev)
		if !errors.Is(err, tt.want) {
			t.Fatalf("%s: expected %v, got %v", tt.name, tt.want, err)
		}
	}

	env.approve(t, job.ID)
	worktree := env.job(t, job.ID).WorktreePath
	if err := os.RemoveAll(worktree); err != nil {
		t.Fatalf("remove worktree: %v", err)
	}
	if _, err := env.coord.Instruct(ctx, frontend.InstructionSubmitted{ActorID: "u-1", JobID: job.ID, Text: "x"}); !errors.Is(err, ErrNoWorktree) {
		t.Fatalf("expected ErrNoWorktree for deleted checkout, got %v", err)
	}
	if got := env.job(t, job.ID); got.Status != db.StatusCompleted {
		t.Fatalf("expected job untouched, got %s", got.Status)
	}
}
