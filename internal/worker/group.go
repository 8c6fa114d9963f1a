package worker

import (
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
)

// ErrActive is returned by Go when the id already has a task in flight.
var ErrActive = errors.New("task already active")

// Group runs at most one task per job id at a time. The active set lives
// only in memory.
type Group struct {
	onPanic func(id int64, recovered any)

	mu     sync.Mutex
	active map[int64]struct{}
	wg     sync.WaitGroup
}

// NewGroup returns a Group. onPanic, if non-nil, is called after a task
// panics, before its id is released.
func NewGroup(onPanic func(id int64, recovered any)) *Group {
	return &Group{onPanic: onPanic, active: make(map[int64]struct{})}
}

// Go reserves id, runs prepare synchronously, and then runs run in a new
// goroutine. If prepare fails the reservation is dropped and its error
// returned. The id is released when run returns or panics.
func (g *Group) Go(id int64, prepare func() error, run func()) error {
	g.mu.Lock()
	if _, ok := g.active[id]; ok {
		g.mu.Unlock()
		return ErrActive
	}
	g.active[id] = struct{}{}
	g.mu.Unlock()

	if prepare != nil {
		if err := prepare(); err != nil {
			g.release(id)
			return err
		}
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer g.release(id)
		defer func() {
			if r := recover(); r != nil {
				slog.Error("worker panic", "job", id, "panic", r, "stack", string(debug.Stack()))
				if g.onPanic != nil {
					g.onPanic(id, r)
				}
			}
		}()
		run()
	}()
	return nil
}

// Active reports whether id has a task reserved or running.
func (g *Group) Active(id int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.active[id]
	return ok
}

func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}

// Wait blocks until every started task has returned.
func (g *Group) Wait() {
	g.wg.Wait()
}

func (g *Group) release(id int64) {
	g.mu.Lock()
	delete(g.active, id)
	g.mu.Unlock()
}
