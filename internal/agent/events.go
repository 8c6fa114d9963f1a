package agent

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Event is a step notification streamed while a turn is in flight. The set of
// implementations is closed: TextChunk, ToolStarted, ToolFinished, ToolFailed.
type Event interface {
	event()
}

// TextChunk is assistant text produced during the turn.
type TextChunk struct {
	Text string
}

// ToolStarted reports that the agent invoked a tool.
type ToolStarted struct {
	ID      string
	Name    string
	Summary string
}

// ToolFinished reports a successful tool result.
type ToolFinished struct {
	ID   string
	Name string
}

// ToolFailed reports a tool result flagged as an error.
type ToolFailed struct {
	ID     string
	Name   string
	Detail string
}

func (TextChunk) event()    {}
func (ToolStarted) event()  {}
func (ToolFinished) event() {}
func (ToolFailed) event()   {}

const (
	maxSummaryLen = 120
	maxTextLen    = 200
)

// Describe renders ev as a single progress line. Empty results are not
// forwarded to the progress sink.
func Describe(ev Event) string {
	switch e := ev.(type) {
	case TextChunk:
		line, _, _ := strings.Cut(strings.TrimSpace(e.Text), "\n")
		return truncate(strings.TrimSpace(line), maxTextLen)
	case ToolStarted:
		if e.Summary == "" {
			return "Tool started: " + e.Name
		}
		return fmt.Sprintf("Tool started: %s (%s)", e.Name, e.Summary)
	case ToolFinished:
		return "Tool finished: " + e.Name
	case ToolFailed:
		return "Tool failed: " + e.Name
	default:
		panic(fmt.Sprintf("agent: unknown event %T", ev))
	}
}

// SummarizeToolInput picks the most descriptive argument of a tool call.
func SummarizeToolInput(name string, input map[string]any) string {
	var key string
	switch name {
	case "Bash":
		key = "command"
	case "Read", "Write", "Edit", "MultiEdit", "NotebookEdit":
		key = "file_path"
	case "Grep", "Glob":
		key = "pattern"
	case "Task":
		key = "description"
	default:
		return ""
	}
	v, _ := input[key].(string)
	v = strings.Join(strings.Fields(v), " ")
	return truncate(v, maxSummaryLen)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-3]) + "..."
}
