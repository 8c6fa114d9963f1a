package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"bughunter/internal/agent"
	"bughunter/internal/command"
	"bughunter/internal/db"
	"bughunter/internal/frontend"
	"bughunter/internal/safepath"

	"github.com/google/uuid"
)

// maxErrorLen bounds the error text stored on a job and shown in a thread.
const maxErrorLen = 1000

const defaultMessageLen = 1900

// turnRequest is one prompt to send in a job's conversation.
type turnRequest struct {
	kind           string
	conversationID string
	resume         bool
	prompt         string
}

// outcome is what a successful run hands to the thread.
type outcome struct {
	branch    string
	prURL     string
	newPR     bool
	pushed    bool
	narrative string
}

func (c *Coordinator) runJob(ctx context.Context, job db.Job, thread frontend.Thread) {
	status := newStatusReporter(ctx, c.fe, job.ThreadRef, c.messageLen())
	start := time.Now()
	slog.Info("job started", "job", job.ID, "thread", job.ThreadRef)

	out, err := c.execute(ctx, job, thread, status)
	c.finish(ctx, job, status, out, err, start)
}

// execute is the first run of an approved job: checkout, one agent turn,
// finalize.
func (c *Coordinator) execute(ctx context.Context, job db.Job, thread frontend.Thread, status *statusReporter) (outcome, error) {
	if err := c.store.UpdateJobStatus(ctx, job.ID, db.StatusRunning, db.JobUpdate{}); err != nil {
		return outcome{}, err
	}

	repo, err := c.resolveRepo(job)
	if err != nil {
		return outcome{}, err
	}
	base := c.cfg.BaseBranch(job.ForumRef)
	branch := "bughunter/thread-" + job.ThreadRef
	out := outcome{branch: branch}

	worktree, err := safepath.Resolve(c.cfg.WorktreeRoot, c.cfg.WorktreePath(repo, job.ThreadRef))
	if err != nil {
		return out, err
	}

	status.Add("Syncing repository")
	if err := c.ws.Sync(ctx, repo); err != nil {
		return out, err
	}
	if err := c.ws.EnsureClean(ctx, repo); err != nil {
		return out, err
	}

	// A re-approved job may have left its checkout, its branch or stale
	// worktree metadata behind, even when the directory itself is gone.
	slog.Debug("clearing leftover worktree", "job", job.ID, "path", worktree)
	if err := c.ws.RemoveWorktree(ctx, repo, worktree, branch); err != nil {
		return out, err
	}
	status.Add("Creating worktree on " + branch)
	if err := c.ws.CreateWorktree(ctx, repo, worktree, branch, base); err != nil {
		return out, err
	}
	if err := c.store.UpdateJobStatus(ctx, job.ID, db.StatusRunning, db.JobUpdate{
		WorktreePath: db.Str(worktree),
		Branch:       db.Str(branch),
	}); err != nil {
		return out, err
	}

	// A fresh run never continues an earlier conversation.
	if err := c.sessions.Close(agent.SessionID(job.ID)); err != nil {
		slog.Warn("close previous agent session", "job", job.ID, "err", err)
	}
	status.Add("Running agent")
	text, err := c.runTurn(ctx, job.ID, worktree, turnRequest{
		kind:           db.TurnInitial,
		conversationID: uuid.NewString(),
		prompt:         BuildPrompt(thread, ""),
	}, status)
	if err != nil {
		return out, err
	}

	sections := ParseSections(text)
	out.narrative = sections.Narrative(text)
	status.Add("Finalizing changes")
	if err := c.deliver(ctx, job, repo, worktree, base, sections, &out); err != nil {
		return out, err
	}
	return out, nil
}

func (c *Coordinator) runInstruction(ctx context.Context, job db.Job, turn turnRequest) {
	status := newStatusReporter(ctx, c.fe, job.ThreadRef, c.messageLen())
	start := time.Now()
	slog.Info("instruction started", "job", job.ID, "thread", job.ThreadRef)

	out, err := c.continueJob(ctx, job, turn, status)
	c.finish(ctx, job, status, out, err, start)
}

// continueJob runs a follow-up turn in an existing worktree and pushes what
// it changed.
func (c *Coordinator) continueJob(ctx context.Context, job db.Job, turn turnRequest, status *statusReporter) (outcome, error) {
	out := outcome{branch: job.Branch, prURL: job.PRURL}

	repo, err := c.resolveRepo(job)
	if err != nil {
		return out, err
	}
	worktree, err := safepath.Resolve(c.cfg.WorktreeRoot, job.WorktreePath)
	if err != nil {
		return out, err
	}
	if out.branch == "" {
		if out.branch, err = c.ws.CurrentBranch(ctx, worktree); err != nil {
			return out, err
		}
	}

	status.Add("Running agent")
	text, err := c.runTurn(ctx, job.ID, worktree, turn, status)
	if err != nil {
		return out, err
	}

	sections := ParseSections(text)
	out.narrative = sections.Narrative(text)
	status.Add("Finalizing changes")
	if err := c.deliver(ctx, job, repo, worktree, c.cfg.BaseBranch(job.ForumRef), sections, &out); err != nil {
		return out, err
	}
	return out, nil
}

// deliver commits and pushes the worktree, opens a pull request when the
// push is the first for the job, and records the job as completed.
func (c *Coordinator) deliver(ctx context.Context, job db.Job, repo, worktree, base string, sections Sections, out *outcome) error {
	pushed, err := c.ws.Finalize(ctx, worktree, out.branch, sections.Title(job.ThreadRef))
	if err != nil {
		return err
	}
	out.pushed = pushed
	if pushed && out.prURL == "" {
		url, err := c.ws.OpenPullRequest(ctx, repo, sections.Title(job.ThreadRef), sections.Body(), out.branch, base)
		if err != nil {
			return err
		}
		out.prURL = url
		out.newPR = true
		slog.Info("pull request opened", "job", job.ID, "url", url)
	}
	return c.store.UpdateJobStatus(ctx, job.ID, db.StatusCompleted, db.JobUpdate{PRURL: db.Str(out.prURL)})
}

// runTurn sends one prompt through the job's session and records it in the
// turn log.
func (c *Coordinator) runTurn(ctx context.Context, jobID int64, workDir string, turn turnRequest, status *statusReporter) (string, error) {
	turnID, err := c.store.CreateTurn(ctx, jobID, turn.kind, turn.conversationID, turn.prompt)
	if err != nil {
		return "", err
	}

	start := time.Now()
	text, err := c.sessions.Run(ctx, agent.SessionID(jobID), agent.Options{
		WorkDir:        workDir,
		ConversationID: turn.conversationID,
		Resume:         turn.resume,
	}, turn.prompt, func(msg string) {
		status.Add("Agent: " + msg)
	})

	turnStatus, errMsg := "completed", ""
	if err != nil {
		turnStatus, errMsg = "failed", err.Error()
	}
	completeCtx, cancel := bookkeepingContext(ctx)
	defer cancel()
	if cerr := c.store.CompleteTurn(completeCtx, turnID, turnStatus, text, errMsg, int(time.Since(start).Milliseconds())); cerr != nil {
		slog.Warn("complete agent turn", "job", jobID, "turn", turnID, "err", cerr)
	}
	return text, err
}

// resolveRepo returns the job's repository, falling back to the forum's
// current mapping when the stored path is gone. The result is confined to
// repo_root.
func (c *Coordinator) resolveRepo(job db.Job) (string, error) {
	repo := job.RepoPath
	if !isDir(repo) {
		if f, ok := c.cfg.Forum(job.ForumRef); ok {
			repo = f.RepoPath
		}
	}
	resolved, err := safepath.Resolve(c.cfg.RepoRoot, repo)
	if err != nil {
		return "", err
	}
	if !isDir(resolved) {
		return "", fmt.Errorf("repository not found: %s", repo)
	}
	return resolved, nil
}

// finish records the terminal state and reports it to the thread. It runs
// detached from ctx so a shutdown still leaves the job consistent.
func (c *Coordinator) finish(ctx context.Context, job db.Job, status *statusReporter, out outcome, runErr error, start time.Time) {
	bctx, cancel := bookkeepingContext(ctx)
	defer cancel()
	status.Clear(bctx)

	if runErr != nil {
		c.fail(bctx, job, out.branch, runErr)
		return
	}

	slog.Info("job completed", "job", job.ID, "thread", job.ThreadRef, "pushed", out.pushed, "pr", out.prURL, "elapsed", time.Since(start).Round(time.Millisecond))
	switch {
	case out.newPR:
		c.post(bctx, job.ThreadRef, "Pull request opened: "+out.prURL)
	case out.pushed:
		c.post(bctx, job.ThreadRef, fmt.Sprintf("Pushed new changes to %s: %s", out.branch, out.prURL))
	default:
		c.post(bctx, job.ThreadRef, "The agent finished with no changes, so no pull request was opened.")
	}
	for _, chunk := range frontend.CodeBlockChunks(out.narrative, c.messageLen()) {
		c.post(bctx, job.ThreadRef, chunk)
	}
	c.record(bctx, frontend.CompletionRecord{
		JobID:          job.ID,
		ThreadRef:      job.ThreadRef,
		Branch:         out.branch,
		PullRequestURL: out.prURL,
	})
}

// fail marks job failed and posts its completion record.
func (c *Coordinator) fail(ctx context.Context, job db.Job, branch string, runErr error) {
	msg := frontend.Truncate(command.Redact(runErr.Error()), maxErrorLen)
	slog.Error("job failed", "job", job.ID, "thread", job.ThreadRef, "err", runErr)
	if err := c.store.UpdateJobStatus(ctx, job.ID, db.StatusFailed, db.JobUpdate{Error: db.Str(msg)}); err != nil && !errors.Is(err, db.ErrInvalidTransition) {
		slog.Error("record job failure", "job", job.ID, "err", err)
	}
	c.record(ctx, frontend.CompletionRecord{
		JobID:     job.ID,
		ThreadRef: job.ThreadRef,
		Branch:    branch,
		Error:     msg,
	})
}

func (c *Coordinator) record(ctx context.Context, rec frontend.CompletionRecord) {
	if err := c.fe.PostCompletionRecord(ctx, rec); err != nil {
		slog.Warn("post completion record", "job", rec.JobID, "err", err)
	}
}

func (c *Coordinator) messageLen() int {
	if c.cfg.Frontend.MaxMessageLen > 0 {
		return c.cfg.Frontend.MaxMessageLen
	}
	return defaultMessageLen
}

func bookkeepingContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
}

func isDir(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
