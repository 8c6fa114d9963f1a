package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const (
	TurnInitial     = "initial"
	TurnInstruction = "instruction"
)

// Turn is one prompt/response exchange with the agent on behalf of a job.
type Turn struct {
	ID             int64  `json:"id"`
	JobID          int64  `json:"job_id"`
	Kind           string `json:"kind"`
	ConversationID string `json:"conversation_id"`
	PromptText     string `json:"prompt_text"`
	ResponseText   string `json:"response_text"`
	Status         string `json:"status"`
	ErrorMessage   string `json:"error_message,omitempty"`
	DurationMS     int    `json:"duration_ms"`
	CreatedAt      string `json:"created_at"`
	CompletedAt    string `json:"completed_at,omitempty"`
}

const recoveredTurnMessage = "turn interrupted by process restart"

func (s *Store) CreateTurn(ctx context.Context, jobID int64, kind, conversationID, prompt string) (int64, error) {
	const q = `INSERT INTO agent_turns(job_id, kind, conversation_id, prompt_text) VALUES(?,?,?,?)`
	res, err := s.Writer.ExecContext(ctx, q, jobID, kind, conversationID, prompt)
	if err != nil {
		return 0, fmt.Errorf("create turn: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) CompleteTurn(ctx context.Context, turnID int64, status, responseText, errMsg string, durationMS int) error {
	_, err := s.Writer.ExecContext(ctx, `
UPDATE agent_turns SET status = ?, response_text = ?, error_message = NULLIF(?, ''), duration_ms = ?,
                       completed_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
WHERE id = ? AND status = 'running'`,
		status, responseText, errMsg, durationMS, turnID)
	if err != nil {
		return fmt.Errorf("complete turn %d: %w", turnID, err)
	}
	return nil
}

// RecoverRunningTurns marks turns left running by a previous process as failed.
func (s *Store) RecoverRunningTurns(ctx context.Context) (int64, error) {
	res, err := s.Writer.ExecContext(ctx, `
UPDATE agent_turns
SET status = 'failed',
    error_message = COALESCE(NULLIF(error_message, ''), ?),
    completed_at = COALESCE(completed_at, strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
WHERE status = 'running'`, recoveredTurnMessage)
	if err != nil {
		return 0, fmt.Errorf("recover running turns: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) ListTurns(ctx context.Context, jobID int64) ([]Turn, error) {
	const q = `
SELECT id, job_id, kind, conversation_id, prompt_text, COALESCE(response_text,''), status,
       COALESCE(error_message,''), COALESCE(duration_ms,0), created_at, COALESCE(completed_at,'')
FROM agent_turns WHERE job_id = ? ORDER BY id ASC`
	rows, err := s.Reader.QueryContext(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(
			&t.ID, &t.JobID, &t.Kind, &t.ConversationID, &t.PromptText, &t.ResponseText, &t.Status,
			&t.ErrorMessage, &t.DurationMS, &t.CreatedAt, &t.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// LatestConversation returns the conversation id of the job's most recent
// turn, and whether any turn in that conversation completed. A completed turn
// means the agent holds the conversation and it can be resumed.
func (s *Store) LatestConversation(ctx context.Context, jobID int64) (string, bool, error) {
	var conversationID string
	err := s.Reader.QueryRowContext(ctx,
		`SELECT conversation_id FROM agent_turns WHERE job_id = ? ORDER BY id DESC LIMIT 1`, jobID,
	).Scan(&conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("latest conversation for job %d: %w", jobID, err)
	}

	var completed int
	if err := s.Reader.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agent_turns WHERE job_id = ? AND conversation_id = ? AND status = 'completed'`,
		jobID, conversationID,
	).Scan(&completed); err != nil {
		return "", false, fmt.Errorf("count completed turns for job %d: %w", jobID, err)
	}
	return conversationID, completed > 0, nil
}
