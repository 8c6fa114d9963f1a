package agent

import "time"

// Clock is the time source for idle eviction and progress throttling.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a scheduled wake that can be cancelled.
type Timer interface {
	Stop() bool
}

type realClock struct{}

// RealClock uses the monotonic wall clock of the time package.
func RealClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
