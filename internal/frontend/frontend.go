// Package frontend defines the chat-side collaborator: the events it delivers
// and the effects the coordinator produces into a thread.
package frontend

import "context"

// Thread is the context of the report a job was created for.
type Thread struct {
	Ref         string   `json:"ref"`
	ForumRef    string   `json:"forum_ref"`
	Title       string   `json:"title"`
	Tags        []string `json:"tags,omitempty"`
	AuthorName  string   `json:"author_name,omitempty"`
	AuthorID    string   `json:"author_id,omitempty"`
	Body        string   `json:"body"`
	Attachments []string `json:"attachments,omitempty"`
	URL         string   `json:"url,omitempty"`
}

// CompletionRecord is posted exactly once per terminal run.
type CompletionRecord struct {
	JobID          int64  `json:"job_id"`
	ThreadRef      string `json:"thread_ref"`
	Branch         string `json:"branch,omitempty"`
	PullRequestURL string `json:"pull_request_url,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Frontend delivers effects into a thread.
type Frontend interface {
	FetchThread(ctx context.Context, threadRef string) (Thread, error)
	PostMessage(ctx context.Context, threadRef, text string) error
	// EditStatusMessage creates or replaces the single status message of the
	// thread.
	EditStatusMessage(ctx context.Context, threadRef, text string) error
	DeleteStatusMessage(ctx context.Context, threadRef string) error
	PostCompletionRecord(ctx context.Context, rec CompletionRecord) error
}

// ThreadCreated is delivered when a report thread is opened in a forum.
type ThreadCreated struct {
	ThreadRef string
	ForumRef  string
}

// ApprovalRequested asks to start the job. A zero JobID means the job of
// ThreadRef.
type ApprovalRequested struct {
	ActorID   string
	JobID     int64
	ThreadRef string
}

// InstructionSubmitted sends a follow-up instruction to a job's agent
// conversation. A zero JobID means the job of ThreadRef.
type InstructionSubmitted struct {
	ActorID   string
	JobID     int64
	ThreadRef string
	Text      string
}
