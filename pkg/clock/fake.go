/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a deterministic Clock for tests. Time stands still until
// Advance is called; timers and tickers fire when the clock moves past
// their deadline.
type FakeClock struct {
	mu      sync.Mutex
	cond    *sync.Cond
	now     time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	interval time.Duration
	ch       chan time.Time
	stopped  bool
}

// NewFake returns a FakeClock set to initial.
func NewFake(initial time.Time) *FakeClock {
	c := &FakeClock{now: initial}
	c.cond = sync.NewCond(&c.mu)

	return c
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *FakeClock) Ticker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for Ticker")
	}

	w := c.add(d, d)

	return &fakeTicker{clock: c, w: w}
}

func (c *FakeClock) Timer(d time.Duration) Timer {
	if d <= 0 {
		ch := make(chan time.Time, 1)
		ch <- c.Now()

		return &fakeTimer{clock: c, w: &fakeWaiter{ch: ch, stopped: true}}
	}

	return &fakeTimer{clock: c, w: c.add(d, 0)}
}

func (c *FakeClock) add(d, interval time.Duration) *fakeWaiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := &fakeWaiter{
		deadline: c.now.Add(d),
		interval: interval,
		ch:       make(chan time.Time, 1),
	}
	c.waiters = append(c.waiters, w)
	c.cond.Broadcast()

	return w
}

// Advance moves the clock forward by d and fires every waiter whose
// deadline has been reached, in deadline order. Sends never block; a
// tick that finds its channel full is dropped like time.Ticker does.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)

	var due, remaining []*fakeWaiter

	for _, w := range c.waiters {
		switch {
		case w.stopped:
		case !w.deadline.After(c.now):
			due = append(due, w)
		default:
			remaining = append(remaining, w)
		}
	}

	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })

	for _, w := range due {
		select {
		case w.ch <- c.now:
		default:
		}

		if w.interval > 0 {
			for !w.deadline.After(c.now) {
				w.deadline = w.deadline.Add(w.interval)
			}

			remaining = append(remaining, w)
		} else {
			w.stopped = true
		}
	}

	c.waiters = remaining
}

// WaitForWaiters blocks until at least n timers or tickers are pending.
// It closes the race between a goroutine arming a timer and the test
// advancing the clock.
func (c *FakeClock) WaitForWaiters(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.pendingLocked() < n {
		c.cond.Wait()
	}
}

// Pending returns the number of armed timers and tickers.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.pendingLocked()
}

func (c *FakeClock) pendingLocked() int {
	n := 0

	for _, w := range c.waiters {
		if !w.stopped {
			n++
		}
	}

	return n
}

func (c *FakeClock) stop(w *fakeWaiter) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	was := !w.stopped
	w.stopped = true
	c.cond.Broadcast()

	return was
}

type fakeTicker struct {
	clock *FakeClock
	w     *fakeWaiter
}

func (t *fakeTicker) Chan() <-chan time.Time {
	return t.w.ch
}

func (t *fakeTicker) Stop() {
	t.clock.stop(t.w)
}

type fakeTimer struct {
	clock *FakeClock
	w     *fakeWaiter
}

func (t *fakeTimer) Chan() <-chan time.Time {
	return t.w.ch
}

func (t *fakeTimer) Stop() bool {
	return t.clock.stop(t.w)
}
