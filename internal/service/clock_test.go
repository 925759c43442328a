package service

import (
	"sync"
	"time"
)

// manualClock only moves when told to. Scheduled functions run when fired.
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	delay   time.Duration
	f       func()
	stopped bool
	fired   bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, delay: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

// pending returns timers neither fired nor stopped.
func (c *manualClock) pending() []*manualTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*manualTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasActive := !t.stopped && !t.fired
	t.stopped = true
	return wasActive
}

// fire runs the function unless the timer was stopped.
func (t *manualTimer) fire() bool {
	t.clock.mu.Lock()
	if t.stopped || t.fired {
		t.clock.mu.Unlock()
		return false
	}
	t.fired = true
	t.clock.now = t.clock.now.Add(t.delay)
	t.clock.mu.Unlock()

	t.f()
	return true
}
