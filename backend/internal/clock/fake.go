package clock

import (
	"sync"
	"time"
)

// FakeClock 只有调用 Advance 才会走时间。
// 到期的回调在 Advance 里按到期时间顺序同步执行；回调里可以再注册新的定时器，
// 只要新定时器仍然落在本次 Advance 的窗口内，也会在同一次 Advance 里触发。
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []*fakeTimer
}

type fakeTimer struct {
	clock    *FakeClock
	deadline time.Time
	fn       func()
	done     bool
}

func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	t := &fakeTimer{clock: c, deadline: c.current.Add(d), fn: f}
	c.waiters = append(c.waiters, t)
	c.mu.Unlock()
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

// Advance 把时间往前推 d，依次触发所有到期的回调
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)
	for {
		next := c.nextDueLocked(target)
		if next == nil {
			break
		}
		next.done = true
		if next.deadline.After(c.current) {
			c.current = next.deadline
		}
		c.mu.Unlock()
		next.fn()
		c.mu.Lock()
	}
	c.current = target
	c.compactLocked()
	c.mu.Unlock()
}

// Pending 返回还没触发也没取消的定时器数量
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.waiters {
		if !w.done {
			n++
		}
	}
	return n
}

func (c *FakeClock) nextDueLocked(target time.Time) *fakeTimer {
	var next *fakeTimer
	for _, w := range c.waiters {
		if w.done || w.deadline.After(target) {
			continue
		}
		if next == nil || w.deadline.Before(next.deadline) {
			next = w
		}
	}
	return next
}

func (c *FakeClock) compactLocked() {
	live := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.done {
			live = append(live, w)
		}
	}
	for i := len(live); i < len(c.waiters); i++ {
		c.waiters[i] = nil
	}
	c.waiters = live
}
