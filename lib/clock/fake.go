// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a manually advanced Clock for tests. It is safe for
// concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*fakeEntry
	changed *sync.Cond
}

// fakeEntry is one scheduled wakeup: an After channel, an AfterFunc
// callback, or a ticker (interval > 0).
type fakeEntry struct {
	deadline time.Time
	channel  chan time.Time
	callback func()
	interval time.Duration
	active   bool
}

// Fake returns a FakeClock whose time starts at start and only moves
// when Advance is called.
func Fake(start time.Time) *FakeClock {
	fake := &FakeClock{now: start}
	fake.changed = sync.NewCond(&fake.mu)
	return fake
}

// Now returns the fake current time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that receives once the clock has advanced by d.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	channel := make(chan time.Time, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if d <= 0 {
		channel <- c.now
		return channel
	}
	c.scheduleLocked(&fakeEntry{deadline: c.now.Add(d), channel: channel, active: true})
	return channel
}

// AfterFunc schedules f to run inside the Advance call that crosses its
// deadline. If d <= 0, f runs before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	entry := &fakeEntry{callback: f}
	if d <= 0 {
		f()
	} else {
		c.mu.Lock()
		entry.deadline = c.now.Add(d)
		entry.active = true
		c.scheduleLocked(entry)
		c.mu.Unlock()
	}

	return &Timer{
		stop: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			wasActive := entry.active
			c.unscheduleLocked(entry)
			return wasActive
		},
		reset: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			wasActive := entry.active
			c.unscheduleLocked(entry)
			entry.deadline = c.now.Add(d)
			entry.active = true
			c.scheduleLocked(entry)
			return wasActive
		},
	}
}

// NewTicker returns a ticker that fires every d of fake time.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	channel := make(chan time.Time, 1)
	entry := &fakeEntry{channel: channel, interval: d, active: true}

	c.mu.Lock()
	entry.deadline = c.now.Add(d)
	c.scheduleLocked(entry)
	c.mu.Unlock()

	return &Ticker{
		C: channel,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.unscheduleLocked(entry)
		},
	}
}

// Advance moves time forward by d and fires every wakeup whose deadline
// is reached, earliest first. Tickers fire once per elapsed interval;
// ticks that do not fit in the channel buffer are dropped.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		entry, ok := c.popDue(target)
		if !ok {
			return
		}
		if entry.callback != nil {
			entry.callback()
			continue
		}
		select {
		case entry.channel <- target:
		default:
		}
	}
}

// WaitForTimers blocks until at least n wakeups are pending. Use it to
// synchronize with a goroutine that is about to register a timer.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.pending) < n {
		c.changed.Wait()
	}
}

// PendingCount returns the number of scheduled wakeups.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// popDue removes and returns the earliest entry due at target. Tickers
// are re-armed for their next interval before being returned.
func (c *FakeClock) popDue(target time.Time) (*fakeEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) == 0 || c.pending[0].deadline.After(target) {
		return nil, false
	}
	entry := c.pending[0]
	c.pending = c.pending[1:]
	if entry.interval > 0 {
		entry.deadline = entry.deadline.Add(entry.interval)
		c.scheduleLocked(entry)
	} else {
		entry.active = false
	}
	return entry, true
}

// scheduleLocked inserts entry keeping pending sorted by deadline.
func (c *FakeClock) scheduleLocked(entry *fakeEntry) {
	index := sort.Search(len(c.pending), func(i int) bool {
		return c.pending[i].deadline.After(entry.deadline)
	})
	c.pending = append(c.pending, nil)
	copy(c.pending[index+1:], c.pending[index:])
	c.pending[index] = entry
	c.changed.Broadcast()
}

func (c *FakeClock) unscheduleLocked(entry *fakeEntry) {
	entry.active = false
	for index, candidate := range c.pending {
		if candidate == entry {
			c.pending = append(c.pending[:index], c.pending[index+1:]...)
			return
		}
	}
}
