// Package clock provides an injectable time source so components that
// schedule, expire, or timestamp can be tested deterministically.
package clock

import (
	"sync"
	"time"
)

// Clock abstracts wall time and timers. Real callers use System; tests use
// Fake and advance it by hand.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// System is the real clock backed by the time package.
type System struct{}

func NewSystem() *System { return &System{} }

func (*System) Now() time.Time                         { return time.Now() }
func (*System) Since(t time.Time) time.Duration        { return time.Since(t) }
func (*System) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (*System) Sleep(d time.Duration)                  { time.Sleep(d) }

// Fake is a manually advanced clock. Advance fires any After waiters whose
// deadline has been reached. Safe for concurrent use.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
}

type waiter struct {
	at time.Time
	ch chan time.Time
}

// NewFake returns a Fake pinned at the given instant.
func NewFake(now time.Time) *Fake {
	return &Fake{now: now}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Since(t time.Time) time.Duration {
	return f.Now().Sub(t)
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan time.Time, 1)
	at := f.now.Add(d)
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.waiters = append(f.waiters, &waiter{at: at, ch: ch})
	return ch
}

// Sleep on a Fake returns immediately; loops under test advance explicitly.
func (f *Fake) Sleep(d time.Duration) {}

// Advance moves the clock forward and wakes expired waiters.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	remaining := f.waiters[:0]
	var fired []*waiter
	for _, w := range f.waiters {
		if !w.at.After(now) {
			fired = append(fired, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	f.waiters = remaining
	f.mu.Unlock()

	for _, w := range fired {
		w.ch <- now
	}
}

// Set jumps the clock to an absolute instant without firing waiters.
func (f *Fake) Set(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}
