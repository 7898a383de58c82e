// Package clock lets session timers and heartbeats run against either the
// wall clock or a manually advanced fake in tests.
package clock

import "time"

type Clock interface {
	Now() time.Time

	// AfterFunc calls f once d has elapsed. The returned Timer cancels the
	// pending call.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker delivers ticks on C every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Ticker mirrors time.Ticker. C has capacity 1; late ticks are dropped.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

func (t *Ticker) Stop() { t.stop() }

// Timer is returned by AfterFunc.
type Timer struct {
	stop func() bool
}

// Stop reports whether the call prevented f from running.
func (t *Timer) Stop() bool { return t.stop() }

func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stop: t.Stop}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stop: t.Stop}
}
