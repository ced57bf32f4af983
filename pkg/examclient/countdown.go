package examclient

import (
	"sync"
	"time"
)

// Countdown tracks the local deadline of an attempt. The deadline only moves
// later, and OnExpire runs at most once.
type Countdown struct {
	mu       sync.Mutex
	deadline time.Time
	expired  bool
	onExpire func()
}

func NewCountdown(deadline time.Time, onExpire func()) *Countdown {
	return &Countdown{deadline: deadline, onExpire: onExpire}
}

func (c *Countdown) Deadline() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deadline
}

func (c *Countdown) Remaining(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if left := c.deadline.Sub(now); left > 0 {
		return left
	}
	return 0
}

// Extend pushes the deadline by delta. Non-positive deltas and extensions
// after expiry are ignored.
func (c *Countdown) Extend(delta time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if delta <= 0 || c.expired {
		return false
	}
	c.deadline = c.deadline.Add(delta)
	return true
}

// Tick fires OnExpire the first time now reaches the deadline and reports
// whether the countdown has expired.
func (c *Countdown) Tick(now time.Time) bool {
	expired, fired := c.advance(now)
	if fired && c.onExpire != nil {
		c.onExpire()
	}
	return expired
}

// advance reports expiry, and fired is true for exactly one caller: the one
// that moved the countdown into the expired state.
func (c *Countdown) advance(now time.Time) (expired, fired bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expired {
		return true, false
	}
	if now.Before(c.deadline) {
		return false, false
	}
	c.expired = true
	return true, true
}

func (c *Countdown) Expired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expired
}
