package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const schemaVersion = 1

const schemaSQL = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER NOT NULL,
    applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
);

CREATE TABLE IF NOT EXISTS jobs (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    thread_ref    TEXT NOT NULL UNIQUE,
    forum_ref     TEXT NOT NULL,
    repo_path     TEXT NOT NULL,
    status        TEXT NOT NULL DEFAULT 'pending_approval'
        CHECK(status IN ('pending_approval','approved','running','completed','failed')),
    approver_id   TEXT,
    pr_url        TEXT,
    worktree_path TEXT,
    branch        TEXT,
    error         TEXT,
    created_at    TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
    updated_at    TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

CREATE TABLE IF NOT EXISTS agent_turns (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id          INTEGER NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
    kind            TEXT NOT NULL CHECK(kind IN ('initial','instruction')),
    conversation_id TEXT NOT NULL,
    prompt_text     TEXT NOT NULL DEFAULT '',
    response_text   TEXT,
    status          TEXT NOT NULL DEFAULT 'running' CHECK(status IN ('running','completed','failed')),
    error_message   TEXT,
    duration_ms     INTEGER,
    created_at      TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
    completed_at    TEXT
);

CREATE INDEX IF NOT EXISTS idx_turns_job ON agent_turns(job_id);
`

// Store wraps a single-connection writer and a pooled reader over the same
// SQLite file.
type Store struct {
	Writer *sql.DB
	Reader *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)

	writer, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}
	// SQLite allows one writer at a time; serialize in the pool instead of
	// surfacing SQLITE_BUSY.
	writer.SetMaxOpenConns(1)

	s := &Store{Writer: writer}
	if err := s.createSchema(); err != nil {
		writer.Close()
		return nil, err
	}

	reader, err := sql.Open("sqlite3", dsn)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("open reader: %w", err)
	}
	reader.SetMaxOpenConns(4)
	s.Reader = reader
	return s, nil
}

func (s *Store) Close() error {
	var errs []error
	if s.Reader != nil {
		errs = append(errs, s.Reader.Close())
	}
	errs = append(errs, s.Writer.Close())
	return errors.Join(errs...)
}

func (s *Store) createSchema() error {
	if _, err := s.Writer.Exec(schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	var count int
	if err := s.Writer.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&count); err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}
	if count == 0 {
		if _, err := s.Writer.Exec("INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("insert schema version: %w", err)
		}
	}
	return nil
}

const interruptedJobMessage = "interrupted by process restart; re-approve to run again"

// RecoverInterruptedJobs fails jobs left approved or running by a previous
// process. The in-memory active set did not survive, so nothing will finish
// them; re-approval starts them from scratch. Called on daemon startup.
func (s *Store) RecoverInterruptedJobs(ctx context.Context) (int64, error) {
	res, err := s.Writer.ExecContext(ctx,
		`UPDATE jobs SET status = 'failed', error = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		 WHERE status IN ('approved', 'running')`, interruptedJobMessage)
	if err != nil {
		return 0, fmt.Errorf("recover interrupted jobs: %w", err)
	}
	return res.RowsAffected()
}
