// Package clock provides an injectable wall-clock source so timeout and
// expiry logic can be driven deterministically in tests.
package clock

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Clock is the time source used throughout the runtime.
type Clock interface {
	Now() time.Time

	// After behaves like time.After relative to this clock.
	After(d time.Duration) <-chan time.Time
}

// System returns a clock backed by the real time package.
func System() Clock { return systemClock{} }

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now().UTC() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Sleep blocks until d elapses on c or ctx is done.
func Sleep(ctx context.Context, c Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.After(d):
		return nil
	}
}

// Manual is a test clock whose time only moves when Advance is called.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	waiters []manualWaiter
}

type manualWaiter struct {
	at time.Time
	ch chan time.Time
}

// NewManual returns a manual clock positioned at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan time.Time, 1)
	at := m.now.Add(d)
	if d <= 0 {
		ch <- m.now
		return ch
	}
	m.waiters = append(m.waiters, manualWaiter{at: at, ch: ch})
	return ch
}

// Advance moves the clock forward and fires every waiter whose deadline has
// been reached, in deadline order.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.now = m.now.Add(d)

	sort.SliceStable(m.waiters, func(i, j int) bool {
		return m.waiters[i].at.Before(m.waiters[j].at)
	})

	remaining := m.waiters[:0]
	for _, w := range m.waiters {
		if !w.at.After(m.now) {
			w.ch <- m.now
		} else {
			remaining = append(remaining, w)
		}
	}
	m.waiters = remaining
}
