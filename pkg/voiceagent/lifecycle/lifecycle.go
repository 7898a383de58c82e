package lifecycle

import (
	"sync/atomic"
	"time"
)

// Lifecycle holds process readiness shared between the HTTP handlers and
// main. The process is ready once the orchestrator loop is running and until
// draining begins.
type Lifecycle struct {
	running    atomic.Bool
	draining   atomic.Bool
	drainSince atomic.Int64
}

func (l *Lifecycle) SetRunning(running bool) {
	if l == nil {
		return
	}
	l.running.Store(running)
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	if draining && l.draining.CompareAndSwap(false, true) {
		l.drainSince.Store(time.Now().UnixNano())
		return
	}
	if !draining {
		l.draining.Store(false)
		l.drainSince.Store(0)
	}
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// DrainingSince is zero when the process is not draining.
func (l *Lifecycle) DrainingSince() time.Time {
	if l == nil {
		return time.Time{}
	}
	n := l.drainSince.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (l *Lifecycle) Ready() bool {
	if l == nil {
		return true
	}
	return l.running.Load() && !l.draining.Load()
}
