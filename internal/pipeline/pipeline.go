package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"bughunter/internal/agent"
	"bughunter/internal/config"
	"bughunter/internal/db"
	"bughunter/internal/frontend"
	"bughunter/internal/worker"

	"github.com/google/uuid"
)

var (
	ErrUnauthorized     = errors.New("actor is not authorized")
	ErrJobNotFound      = errors.New("job not found")
	ErrThreadNotFound   = errors.New("thread not found")
	ErrInvalidState     = errors.New("job is not in a valid state for this request")
	ErrEmptyInstruction = errors.New("instruction is empty")
	ErrNoWorktree       = errors.New("job has no worktree to continue in")
	ErrJobActive        = errors.New("job is already running")
	ErrUnmappedForum    = errors.New("no repository is configured for this forum")
)

// ValidationError rejects a request before any job state changes. Err is
// one of the sentinel errors above.
type ValidationError struct {
	Err    error
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return e.Err.Error()
	}
	return e.Err.Error() + ": " + e.Detail
}

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(err error, format string, args ...any) *ValidationError {
	return &ValidationError{Err: err, Detail: fmt.Sprintf(format, args...)}
}

// Workspace is the git side of a run.
type Workspace interface {
	Sync(ctx context.Context, repo string) error
	EnsureClean(ctx context.Context, repo string) error
	CreateWorktree(ctx context.Context, repo, path, branch, baseBranch string) error
	RemoveWorktree(ctx context.Context, repo, path, branch string) error
	CurrentBranch(ctx context.Context, dir string) (string, error)
	Finalize(ctx context.Context, dir, branch, title string) (bool, error)
	OpenPullRequest(ctx context.Context, repo, title, body, head, base string) (string, error)
}

// Sessions runs agent turns. *agent.Manager satisfies it.
type Sessions interface {
	Run(ctx context.Context, id string, opts agent.Options, prompt string, onProgress agent.ProgressFunc) (string, error)
	Close(id string) error
}

type Deps struct {
	Config    *config.Config
	Store     *db.Store
	Workspace Workspace
	Sessions  Sessions
	Frontend  frontend.Frontend
}

// Coordinator moves jobs through pending_approval -> approved -> running ->
// completed|failed. Each run executes on its own goroutine; at most one run
// per job is in flight.
type Coordinator struct {
	ctx      context.Context
	cfg      *config.Config
	store    *db.Store
	ws       Workspace
	sessions Sessions
	fe       frontend.Frontend
	group    *worker.Group
}

// New returns a Coordinator. Runs it spawns live under ctx, not under the
// context of the request that started them.
func New(ctx context.Context, d Deps) *Coordinator {
	c := &Coordinator{
		ctx:      ctx,
		cfg:      d.Config,
		store:    d.Store,
		ws:       d.Workspace,
		sessions: d.Sessions,
		fe:       d.Frontend,
	}
	c.group = worker.NewGroup(c.onPanic)
	return c
}

// Wait blocks until every spawned run has returned.
func (c *Coordinator) Wait() {
	c.group.Wait()
}

// Active reports whether a run for jobID is in flight in this process.
func (c *Coordinator) Active(jobID int64) bool {
	return c.group.Active(jobID)
}

// HandleThreadCreated creates the job for a new thread. It reports false
// when the thread already has one.
func (c *Coordinator) HandleThreadCreated(ctx context.Context, ev frontend.ThreadCreated) (db.Job, bool, error) {
	forum, ok := c.cfg.Forum(ev.ForumRef)
	if !ok {
		c.post(ctx, ev.ThreadRef, "No repository is configured for this forum.")
		return db.Job{}, false, invalid(ErrUnmappedForum, "forum %s", ev.ForumRef)
	}

	if job, err := c.store.GetJobByThread(ctx, ev.ThreadRef); err == nil {
		return job, false, nil
	} else if !errors.Is(err, db.ErrJobNotFound) {
		return db.Job{}, false, err
	}

	job, err := c.store.CreateJob(ctx, ev.ThreadRef, ev.ForumRef, forum.RepoPath)
	if errors.Is(err, db.ErrDuplicateThread) {
		// Lost a race with a concurrent delivery of the same event.
		job, err = c.store.GetJobByThread(ctx, ev.ThreadRef)
		return job, false, err
	}
	if err != nil {
		return db.Job{}, false, err
	}

	slog.Info("job created", "job", job.ID, "thread", job.ThreadRef, "repo", job.RepoPath)
	c.post(ctx, job.ThreadRef, fmt.Sprintf("Job %d created. Awaiting approval.", job.ID))
	return job, true, nil
}

// Approve approves a pending or failed job and spawns its run.
func (c *Coordinator) Approve(ctx context.Context, ev frontend.ApprovalRequested) (db.Job, error) {
	if !c.cfg.IsOwner(ev.ActorID) {
		return db.Job{}, invalid(ErrUnauthorized, "actor %q", ev.ActorID)
	}
	job, err := c.resolveJob(ctx, ev.JobID, ev.ThreadRef)
	if err != nil {
		return db.Job{}, err
	}
	if !db.IsApprovable(job.Status) {
		return db.Job{}, invalid(ErrInvalidState, "job %d is %s", job.ID, job.Status)
	}
	if c.group.Active(job.ID) {
		return db.Job{}, invalid(ErrJobActive, "job %d", job.ID)
	}
	thread, err := c.fetchThread(ctx, job.ThreadRef)
	if err != nil {
		return db.Job{}, err
	}

	var approved db.Job
	err = c.group.Go(job.ID, func() error {
		var err error
		approved, err = c.store.ApproveJob(ctx, job.ID, ev.ActorID)
		return err
	}, func() {
		c.runJob(c.ctx, approved, thread)
	})
	switch {
	case errors.Is(err, worker.ErrActive):
		return db.Job{}, invalid(ErrJobActive, "job %d", job.ID)
	case errors.Is(err, db.ErrInvalidTransition):
		return db.Job{}, invalid(ErrInvalidState, "job %d", job.ID)
	case err != nil:
		return db.Job{}, err
	}

	slog.Info("job approved", "job", approved.ID, "thread", approved.ThreadRef, "approver", ev.ActorID)
	return approved, nil
}

// Instruct sends a follow-up instruction into the job's conversation and
// finalizes whatever it changes.
func (c *Coordinator) Instruct(ctx context.Context, ev frontend.InstructionSubmitted) (db.Job, error) {
	if !c.cfg.IsOwner(ev.ActorID) {
		return db.Job{}, invalid(ErrUnauthorized, "actor %q", ev.ActorID)
	}
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return db.Job{}, &ValidationError{Err: ErrEmptyInstruction}
	}
	job, err := c.resolveJob(ctx, ev.JobID, ev.ThreadRef)
	if err != nil {
		return db.Job{}, err
	}
	if job.Status == db.StatusRunning || c.group.Active(job.ID) {
		return db.Job{}, invalid(ErrJobActive, "job %d", job.ID)
	}
	if job.WorktreePath == "" {
		return db.Job{}, invalid(ErrNoWorktree, "job %d", job.ID)
	}
	if info, err := os.Stat(job.WorktreePath); err != nil || !info.IsDir() {
		return db.Job{}, invalid(ErrNoWorktree, "%s is missing", job.WorktreePath)
	}

	// Resume the agent's conversation when it holds one; otherwise start a
	// new conversation that carries the whole report again.
	conv, resumable, err := c.store.LatestConversation(ctx, job.ID)
	if err != nil {
		return db.Job{}, err
	}
	var prompt string
	if resumable {
		prompt = BuildInstructionPrompt(text)
	} else {
		thread, err := c.fetchThread(ctx, job.ThreadRef)
		if err != nil {
			return db.Job{}, err
		}
		conv = uuid.NewString()
		prompt = BuildPrompt(thread, text)
	}
	turn := turnRequest{kind: db.TurnInstruction, conversationID: conv, resume: resumable, prompt: prompt}

	err = c.group.Go(job.ID, func() error {
		return c.store.UpdateJobStatus(ctx, job.ID, db.StatusRunning, db.JobUpdate{Error: db.Str("")})
	}, func() {
		c.runInstruction(c.ctx, job, turn)
	})
	switch {
	case errors.Is(err, worker.ErrActive):
		return db.Job{}, invalid(ErrJobActive, "job %d", job.ID)
	case errors.Is(err, db.ErrInvalidTransition):
		return db.Job{}, invalid(ErrInvalidState, "job %d", job.ID)
	case err != nil:
		return db.Job{}, err
	}

	slog.Info("instruction accepted", "job", job.ID, "thread", job.ThreadRef, "resume", resumable)
	job.Status = db.StatusRunning
	job.Error = ""
	return job, nil
}

func (c *Coordinator) resolveJob(ctx context.Context, jobID int64, threadRef string) (db.Job, error) {
	var (
		job db.Job
		err error
	)
	switch {
	case jobID != 0:
		job, err = c.store.GetJob(ctx, jobID)
	case threadRef != "":
		job, err = c.store.GetJobByThread(ctx, threadRef)
	default:
		return db.Job{}, invalid(ErrJobNotFound, "no job id or thread given")
	}
	if errors.Is(err, db.ErrJobNotFound) {
		if jobID != 0 {
			return db.Job{}, invalid(ErrJobNotFound, "job %d", jobID)
		}
		return db.Job{}, invalid(ErrJobNotFound, "thread %s", threadRef)
	}
	return job, err
}

func (c *Coordinator) fetchThread(ctx context.Context, threadRef string) (frontend.Thread, error) {
	th, err := c.fe.FetchThread(ctx, threadRef)
	if errors.Is(err, frontend.ErrThreadNotFound) {
		return frontend.Thread{}, invalid(ErrThreadNotFound, "thread %s", threadRef)
	}
	if err != nil {
		return frontend.Thread{}, fmt.Errorf("fetch thread %s: %w", threadRef, err)
	}
	return th, nil
}

func (c *Coordinator) post(ctx context.Context, threadRef, text string) {
	if err := c.fe.PostMessage(ctx, threadRef, text); err != nil {
		slog.Warn("post message", "thread", threadRef, "err", err)
	}
}

// onPanic fails a job whose run goroutine panicked.
func (c *Coordinator) onPanic(jobID int64, recovered any) {
	ctx, cancel := bookkeepingContext(c.ctx)
	defer cancel()
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		slog.Error("load panicked job", "job", jobID, "err", err)
		return
	}
	c.fail(ctx, job, job.Branch, fmt.Errorf("internal error: %v", recovered))
}
