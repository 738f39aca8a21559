// Package sched abstracts delayed execution so resilience timers can be
// driven synchronously in tests instead of against the wall clock.
package sched

import "time"

// Scheduler runs fn after d. The returned stop cancels the pending run and
// reports whether it fired first.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) (stop func() bool)
}

// Timer is the production scheduler backed by time.AfterFunc.
type Timer struct{}

func (Timer) AfterFunc(d time.Duration, fn func()) func() bool {
	t := time.AfterFunc(d, fn)
	return t.Stop
}

// Immediate runs callbacks synchronously, ignoring the delay. Test use only.
type Immediate struct{}

func (Immediate) AfterFunc(_ time.Duration, fn func()) func() bool {
	fn()
	return func() bool { return false }
}
