// Package clock abstracts time so timers driving reconnection, heartbeats and
// retries can be advanced deterministically in tests.
package clock

import "time"

type Timer interface {
	// Stop prevents the timer from firing. It reports whether the call
	// stopped the timer.
	Stop() bool
}

type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// System is the wall clock.
type System struct{}

func (System) Now() time.Time { return time.Now() }

func (System) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Every runs f every interval until the returned stop function is called.
func Every(c Clock, interval time.Duration, f func()) (stop func()) {
	t := &ticker{c: c, interval: interval, f: f}
	t.schedule()
	return t.stop
}
