package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a Clock whose time only moves when Advance is called.
// AfterFunc callbacks run synchronously inside Advance, in deadline order.
type Fake struct {
	mu      sync.Mutex
	changed *sync.Cond
	now     time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	interval time.Duration
	ch       chan time.Time
	fn       func()
	stopped  bool
}

func NewFake(start time.Time) *Fake {
	f := &Fake{now: start}
	f.changed = sync.NewCond(&f.mu)
	return f
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) *Timer {
	if d <= 0 {
		fn()
		return &Timer{stop: func() bool { return false }}
	}
	w := f.add(&fakeWaiter{deadline: f.Now().Add(d), fn: fn})
	return &Timer{stop: func() bool { return f.stopWaiter(w) }}
}

func (f *Fake) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	ch := make(chan time.Time, 1)
	w := f.add(&fakeWaiter{deadline: f.Now().Add(d), interval: d, ch: ch})
	return &Ticker{C: ch, stop: func() { f.stopWaiter(w) }}
}

func (f *Fake) add(w *fakeWaiter) *fakeWaiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waiters = append(f.waiters, w)
	f.changed.Broadcast()
	return w
}

func (f *Fake) stopWaiter(w *fakeWaiter) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, cur := range f.waiters {
		if cur == w {
			f.waiters = append(f.waiters[:i], f.waiters[i+1:]...)
			w.stopped = true
			f.changed.Broadcast()
			return true
		}
	}
	return false
}

// Advance moves time forward by d and fires every timer and ticker whose
// deadline has been reached. Ticker sends never block.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	target := f.now
	f.mu.Unlock()

	for {
		due := f.collectDue(target)
		if len(due) == 0 {
			return
		}
		for _, w := range due {
			if w.fn != nil {
				w.fn()
				continue
			}
			select {
			case w.ch <- target:
			default:
			}
		}
	}
}

// collectDue removes expired one-shot timers, reschedules expired tickers and
// returns everything that should fire, earliest first.
func (f *Fake) collectDue(target time.Time) []*fakeWaiter {
	f.mu.Lock()
	defer f.mu.Unlock()

	var keep []*fakeWaiter
	type dueWaiter struct {
		w  *fakeWaiter
		at time.Time
	}
	var due []dueWaiter
	for _, w := range f.waiters {
		if w.deadline.After(target) {
			keep = append(keep, w)
			continue
		}
		due = append(due, dueWaiter{w: w, at: w.deadline})
		if w.interval > 0 {
			w.deadline = w.deadline.Add(w.interval)
			keep = append(keep, w)
		}
	}
	f.waiters = keep
	f.changed.Broadcast()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	out := make([]*fakeWaiter, len(due))
	for i, d := range due {
		out[i] = d.w
	}
	return out
}

// Pending returns the number of armed timers and tickers.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiters)
}

// WaitForPending blocks until at least n timers or tickers are armed.
func (f *Fake) WaitForPending(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.waiters) < n {
		f.changed.Wait()
	}
}
