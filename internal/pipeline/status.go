package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"bughunter/internal/frontend"
)

// maxStatusLines bounds the history kept for the status message; older lines
// could never fit the rendered block anyway.
const maxStatusLines = 40

// statusReporter keeps the single in-place status message of a run.
type statusReporter struct {
	ctx       context.Context
	fe        frontend.Frontend
	threadRef string
	limit     int

	mu    sync.Mutex
	lines []string
}

func newStatusReporter(ctx context.Context, fe frontend.Frontend, threadRef string, limit int) *statusReporter {
	return &statusReporter{ctx: ctx, fe: fe, threadRef: threadRef, limit: limit}
}

// Add appends line and rewrites the status message. Delivery failures are
// logged; they never fail the run.
func (s *statusReporter) Add(line string) {
	s.mu.Lock()
	s.lines = append(s.lines, line)
	if len(s.lines) > maxStatusLines {
		s.lines = s.lines[len(s.lines)-maxStatusLines:]
	}
	text := frontend.StatusBlock(s.lines, s.limit)
	s.mu.Unlock()

	if err := s.fe.EditStatusMessage(s.ctx, s.threadRef, text); err != nil {
		slog.Warn("edit status message", "thread", s.threadRef, "err", err)
	}
}

// Clear deletes the status message.
func (s *statusReporter) Clear(ctx context.Context) {
	if err := s.fe.DeleteStatusMessage(ctx, s.threadRef); err != nil {
		slog.Warn("delete status message", "thread", s.threadRef, "err", err)
	}
}
