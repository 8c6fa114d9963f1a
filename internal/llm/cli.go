package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"bughunter/internal/agent"
)

var errConnClosed = errors.New("connection closed")

// CLIConnector opens agent connections backed by the claude CLI. Each turn is
// one `claude -p` process; the conversation is carried across processes by
// its session id, so a connection survives between turns without a process.
type CLIConnector struct {
	cfg Config
}

func NewCLIConnector(cfg Config) *CLIConnector {
	if cfg.Command == "" {
		cfg.Command = "claude"
	}
	return &CLIConnector{cfg: cfg}
}

func (c *CLIConnector) Connect(_ context.Context, opts agent.ConnectOptions) (agent.Conn, error) {
	if opts.ConversationID == "" {
		return nil, errors.New("conversation id is required")
	}
	path, err := exec.LookPath(c.cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", c.cfg.Command, err)
	}
	if opts.WorkDir != "" {
		info, err := os.Stat(opts.WorkDir)
		if err != nil {
			return nil, fmt.Errorf("work dir: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("work dir %s is not a directory", opts.WorkDir)
		}
	}
	return &cliConn{path: path, cfg: c.cfg, opts: opts, resume: opts.Resume}, nil
}

type cliConn struct {
	path string
	cfg  Config
	opts agent.ConnectOptions

	mu     sync.Mutex
	resume bool
	cancel context.CancelFunc
	closed bool
}

func (c *cliConn) Prompt(ctx context.Context, prompt string, onEvent func(agent.Event)) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", errConnClosed
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	args := c.buildArgs(c.resume)
	c.mu.Unlock()
	defer cancel()

	start := time.Now()
	slog.Debug("llm exec", "provider", "claude", "session", c.opts.SessionID, "workdir", c.opts.WorkDir, "args_count", len(args))

	cmd := exec.CommandContext(runCtx, c.path, args...)
	cmd.Dir = c.opts.WorkDir
	cmd.Stdin = strings.NewReader(prompt)
	stderr := &tailBuffer{max: 4096}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %s: %w", c.cfg.Command, err)
	}

	text, streamErr := readStream(stdout, onEvent)
	// Drain so Wait does not block on a full pipe after an early return.
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := cmd.Wait()

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	switch {
	case closed:
		return "", errConnClosed
	case waitErr != nil:
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("%s exited with error: %w: %s", c.cfg.Command, waitErr, msg)
		}
		return "", fmt.Errorf("%s exited with error: %w", c.cfg.Command, waitErr)
	case streamErr != nil:
		return "", streamErr
	}

	c.mu.Lock()
	c.resume = true
	c.mu.Unlock()
	slog.Debug("llm turn finished", "session", c.opts.SessionID, "duration_ms", time.Since(start).Milliseconds())
	return text, nil
}

// Close stops any turn in flight. Further prompts fail.
func (c *cliConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

func (c *cliConn) buildArgs(resume bool) []string {
	args := []string{"-p", "--output-format", "stream-json", "--verbose"}
	if resume {
		args = append(args, "--resume", c.opts.ConversationID)
	} else {
		args = append(args, "--session-id", c.opts.ConversationID)
	}
	if c.cfg.Model != "" {
		args = append(args, "--model", c.cfg.Model)
	}
	if c.cfg.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(c.cfg.MaxTurns))
	}
	if len(c.cfg.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(c.cfg.AllowedTools, ","))
	}
	if c.cfg.PermissionMode != "" {
		args = append(args, "--permission-mode", c.cfg.PermissionMode)
	}
	if c.cfg.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", c.cfg.SystemPrompt)
	}
	return args
}

// readStream decodes the claude stream-json output, forwarding step events,
// and returns the final answer.
func readStream(r io.Reader, onEvent func(agent.Event)) (string, error) {
	emit := func(ev agent.Event) {
		if onEvent != nil {
			onEvent(ev)
		}
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 256*1024), 10*1024*1024)
	toolNames := make(map[string]string)
	var lastText string
	var sawResult bool

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg streamMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			slog.Debug("skip non-json agent output", "err", err)
			continue
		}

		switch msg.Type {
		case "assistant":
			for _, block := range msg.Message.Content {
				switch block.Type {
				case "text":
					if block.Text != "" {
						lastText = block.Text
						emit(agent.TextChunk{Text: block.Text})
					}
				case "tool_use":
					toolNames[block.ID] = block.Name
					var input map[string]any
					_ = json.Unmarshal(block.Input, &input)
					emit(agent.ToolStarted{ID: block.ID, Name: block.Name, Summary: agent.SummarizeToolInput(block.Name, input)})
				}
			}
		case "user":
			for _, block := range msg.Message.Content {
				if block.Type != "tool_result" {
					continue
				}
				name := toolNames[block.ToolUseID]
				if block.IsError {
					emit(agent.ToolFailed{ID: block.ToolUseID, Name: name, Detail: resultText(block.Content)})
				} else {
					emit(agent.ToolFinished{ID: block.ToolUseID, Name: name})
				}
			}
		case "result":
			sawResult = true
			if msg.IsError {
				detail := msg.Result
				if detail == "" {
					detail = msg.Subtype
				}
				return "", fmt.Errorf("agent reported error: %s", detail)
			}
			if msg.Result != "" {
				lastText = msg.Result
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read agent stream: %w", err)
	}
	if !sawResult {
		return "", errors.New("agent stream ended without a result")
	}
	return lastText, nil
}

// resultText extracts the text of a tool_result, which is either a string or
// a list of text blocks.
func resultText(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var blocks []streamBlock
	if json.Unmarshal(raw, &blocks) == nil {
		var parts []string
		for _, b := range blocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

type streamMessage struct {
	Type    string        `json:"type"`
	Subtype string        `json:"subtype,omitempty"`
	Message streamContent `json:"message,omitempty"`
	Result  string        `json:"result,omitempty"`
	IsError bool          `json:"is_error,omitempty"`
}

type streamContent struct {
	Content []streamBlock `json:"content,omitempty"`
}

type streamBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
