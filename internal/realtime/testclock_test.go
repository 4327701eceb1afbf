package realtime

import (
	"sync"
	"time"
)

// fakeClock drives all timer-based logic deterministically. Advance moves
// virtual time forward, running due timer callbacks and ticker ticks in time
// order; callbacks may schedule further timers and those fire too if they
// land inside the window.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*fakeTimer
	tickers []*fakeTicker
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, when: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	tk := &fakeTicker{clock: c, interval: d, next: c.now.Add(d), ch: make(chan time.Time, 1)}
	c.tickers = append(c.tickers, tk)
	return tk
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		var nextTimer *fakeTimer
		for _, t := range c.timers {
			if t.stopped || t.when.After(target) {
				continue
			}
			if nextTimer == nil || t.when.Before(nextTimer.when) {
				nextTimer = t
			}
		}
		var nextTicker *fakeTicker
		for _, tk := range c.tickers {
			if tk.stopped || tk.next.After(target) {
				continue
			}
			if nextTicker == nil || tk.next.Before(nextTicker.next) {
				nextTicker = tk
			}
		}
		if nextTimer == nil && nextTicker == nil {
			break
		}
		if nextTicker != nil && (nextTimer == nil || !nextTimer.when.Before(nextTicker.next)) {
			c.now = nextTicker.next
			nextTicker.next = nextTicker.next.Add(nextTicker.interval)
			// ticks drop when the consumer lags, like time.Ticker
			select {
			case nextTicker.ch <- c.now:
			default:
			}
			continue
		}
		c.now = nextTimer.when
		nextTimer.stopped = true
		fn := nextTimer.fn
		c.mu.Unlock()
		fn()
		c.mu.Lock()
	}
	c.now = target
	c.mu.Unlock()
}

type fakeTimer struct {
	clock   *fakeClock
	when    time.Time
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped
	t.stopped = true
	return active
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped
	t.stopped = false
	t.when = t.clock.now.Add(d)
	return active
}

type fakeTicker struct {
	clock    *fakeClock
	interval time.Duration
	next     time.Time
	ch       chan time.Time
	stopped  bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	t.stopped = true
	t.clock.mu.Unlock()
}
