package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/mattn/go-sqlite3"
)

const (
	StatusPendingApproval = "pending_approval"
	StatusApproved        = "approved"
	StatusRunning         = "running"
	StatusCompleted       = "completed"
	StatusFailed          = "failed"
)

var (
	// ErrJobNotFound is returned when no job matches the lookup key.
	ErrJobNotFound = errors.New("job not found")
	// ErrDuplicateThread is returned when a job already exists for a thread.
	ErrDuplicateThread = errors.New("a job already exists for this thread")
	// ErrInvalidTransition is returned when a status change is not allowed
	// from the job's current status.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ValidTransitions defines the allowed job status changes. running -> running
// records fields mid-run; completed/failed -> running is a follow-up
// instruction on an existing checkout.
var ValidTransitions = map[string][]string{
	StatusPendingApproval: {StatusApproved},
	StatusApproved:        {StatusRunning, StatusFailed},
	StatusRunning:         {StatusRunning, StatusCompleted, StatusFailed},
	StatusCompleted:       {StatusRunning},
	StatusFailed:          {StatusApproved, StatusRunning},
}

// IsApprovable reports whether a job in status may be approved.
func IsApprovable(status string) bool {
	return slices.Contains(ValidTransitions[status], StatusApproved)
}

type Job struct {
	ID           int64  `json:"id"`
	ThreadRef    string `json:"thread_ref"`
	ForumRef     string `json:"forum_ref"`
	RepoPath     string `json:"repo_path"`
	Status       string `json:"status"`
	ApproverID   string `json:"approver_id,omitempty"`
	PRURL        string `json:"pr_url,omitempty"`
	WorktreePath string `json:"worktree_path,omitempty"`
	Branch       string `json:"branch,omitempty"`
	Error        string `json:"error,omitempty"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

// JobUpdate lists the optional fields of a status update. A nil field is left
// unchanged; a pointer to "" clears it.
type JobUpdate struct {
	PRURL        *string
	WorktreePath *string
	Branch       *string
	Error        *string
}

// Str returns a pointer to v for use in JobUpdate.
func Str(v string) *string { return &v }

const jobColumns = `id, thread_ref, forum_ref, repo_path, status,
       COALESCE(approver_id,''), COALESCE(pr_url,''), COALESCE(worktree_path,''),
       COALESCE(branch,''), COALESCE(error,''), created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var j Job
	err := row.Scan(
		&j.ID, &j.ThreadRef, &j.ForumRef, &j.RepoPath, &j.Status,
		&j.ApproverID, &j.PRURL, &j.WorktreePath,
		&j.Branch, &j.Error, &j.CreatedAt, &j.UpdatedAt,
	)
	return j, err
}

// CreateJob inserts a pending_approval job for threadRef. It returns
// ErrDuplicateThread if the thread already has a job.
func (s *Store) CreateJob(ctx context.Context, threadRef, forumRef, repoPath string) (Job, error) {
	const q = `INSERT INTO jobs(thread_ref, forum_ref, repo_path, status) VALUES(?,?,?,'pending_approval')`
	res, err := s.Writer.ExecContext(ctx, q, threadRef, forumRef, repoPath)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return Job{}, ErrDuplicateThread
		}
		return Job{}, fmt.Errorf("create job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Job{}, fmt.Errorf("create job: %w", err)
	}
	return s.getJob(ctx, s.Writer, id)
}

func (s *Store) GetJob(ctx context.Context, id int64) (Job, error) {
	return s.getJob(ctx, s.Reader, id)
}

func (s *Store) getJob(ctx context.Context, conn *sql.DB, id int64) (Job, error) {
	j, err := scanJob(conn.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, fmt.Errorf("job %d: %w", id, ErrJobNotFound)
		}
		return Job{}, fmt.Errorf("get job %d: %w", id, err)
	}
	return j, nil
}

func (s *Store) GetJobByThread(ctx context.Context, threadRef string) (Job, error) {
	j, err := scanJob(s.Reader.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE thread_ref = ?`, threadRef))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, fmt.Errorf("thread %s: %w", threadRef, ErrJobNotFound)
		}
		return Job{}, fmt.Errorf("get job for thread %s: %w", threadRef, err)
	}
	return j, nil
}

// ListJobs returns jobs most recently updated first. An empty status or "all"
// returns every job.
func (s *Store) ListJobs(ctx context.Context, status string) ([]Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if status != "" && status != "all" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY updated_at DESC, id DESC`

	rows, err := s.Reader.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// CountJobsByStatus returns the number of jobs per status.
func (s *Store) CountJobsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.Reader.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

// ApproveJob moves a pending_approval or failed job to approved, recording the
// approver and clearing the linkage fields of any earlier run. The status
// check and the write happen in one statement.
func (s *Store) ApproveJob(ctx context.Context, id int64, approverID string) (Job, error) {
	res, err := s.Writer.ExecContext(ctx, `
UPDATE jobs SET status = 'approved', approver_id = ?,
               pr_url = NULL, worktree_path = NULL, branch = NULL, error = NULL,
               updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
WHERE id = ? AND status IN ('pending_approval', 'failed')`, approverID, id)
	if err != nil {
		return Job{}, fmt.Errorf("approve job %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Job{}, s.transitionError(ctx, id, StatusApproved)
	}
	return s.getJob(ctx, s.Writer, id)
}

// UpdateJobStatus sets status and any non-nil fields of upd. The write only
// applies if the current status may transition to status.
func (s *Store) UpdateJobStatus(ctx context.Context, id int64, status string, upd JobUpdate) error {
	var from []string
	for st, next := range ValidTransitions {
		if slices.Contains(next, status) {
			from = append(from, st)
		}
	}
	if len(from) == 0 {
		return fmt.Errorf("%w: no status may move to %q", ErrInvalidTransition, status)
	}

	sets := []string{"status = ?", "updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')"}
	args := []any{status}
	for _, f := range []struct {
		column string
		value  *string
	}{
		{"pr_url", upd.PRURL},
		{"worktree_path", upd.WorktreePath},
		{"branch", upd.Branch},
		{"error", upd.Error},
	} {
		if f.value != nil {
			sets = append(sets, f.column+" = NULLIF(?, '')")
			args = append(args, *f.value)
		}
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	q := fmt.Sprintf(`UPDATE jobs SET %s WHERE id = ? AND status IN (%s)`, strings.Join(sets, ", "), placeholders)
	args = append(args, id)
	for _, st := range from {
		args = append(args, st)
	}

	res, err := s.Writer.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update job %d status %s: %w", id, status, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.transitionError(ctx, id, status)
	}
	return nil
}

// transitionError explains why a guarded update touched no rows.
func (s *Store) transitionError(ctx context.Context, id int64, to string) error {
	j, err := s.getJob(ctx, s.Writer, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("job %d %s -> %s: %w", id, j.Status, to, ErrInvalidTransition)
}
