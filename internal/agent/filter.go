package agent

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// progressFilter bounds the rate of progress lines sent to a sink. An
// identical line within the dedupe window is dropped. A line refused by the
// limiter is held as pending and a trailing timer sends the newest held line
// one interval later, so the first and last lines of a burst both reach the
// sink even when the agent then goes quiet.
type progressFilter struct {
	sink     ProgressFunc
	clock    Clock
	limiter  *rate.Limiter
	interval time.Duration
	window   time.Duration

	mu      sync.Mutex
	last    string
	lastAt  time.Time
	pending string
	timer   Timer
	closed  bool
}

func newProgressFilter(sink ProgressFunc, clock Clock, interval, window time.Duration) *progressFilter {
	return &progressFilter{
		sink:     sink,
		clock:    clock,
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		interval: interval,
		window:   window,
	}
}

func (f *progressFilter) push(msg string) {
	if f.sink == nil || msg == "" {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	now := f.clock.Now()
	if msg == f.last && now.Sub(f.lastAt) < f.window {
		return
	}
	if !f.limiter.AllowN(now, 1) {
		f.pending = msg
		if f.timer == nil {
			f.timer = f.clock.AfterFunc(f.interval, f.fire)
		}
		return
	}
	// A held line the timer has not sent yet goes out ahead of this one.
	if f.pending != "" && f.pending != msg {
		f.emitLocked(f.pending, now)
	}
	f.stopTimerLocked()
	f.emitLocked(msg, now)
}

// fire sends the held line once the throttle interval has passed.
func (f *progressFilter) fire() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timer = nil
	if f.closed || f.pending == "" {
		return
	}
	now := f.clock.Now()
	f.limiter.AllowN(now, 1)
	f.sendPendingLocked(now)
}

// flush sends the held line, if any, and stops the filter. Later pushes are
// ignored.
func (f *progressFilter) flush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopTimerLocked()
	f.closed = true
	f.sendPendingLocked(f.clock.Now())
}

func (f *progressFilter) sendPendingLocked(now time.Time) {
	msg := f.pending
	f.pending = ""
	if msg == "" || msg == f.last {
		return
	}
	f.emitLocked(msg, now)
}

func (f *progressFilter) stopTimerLocked() {
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
}

func (f *progressFilter) emitLocked(msg string, now time.Time) {
	f.pending = ""
	f.last = msg
	f.lastAt = now
	f.sink(msg)
}
