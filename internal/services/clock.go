package services

import (
	stdsync "sync"
	"time"
)

const (
	// trackedKeys is the map size past which stale keys are pruned.
	trackedKeys = 1024
	// retainFor is how long a key's last stamp is remembered once the wall
	// clock has passed it. Larger backward steps rely on the caller's floor.
	retainFor = time.Minute
)

// MonotonicClock stamps writes in unix milliseconds. Stamps for the same key
// strictly increase even when the wall clock stalls or steps backwards.
type MonotonicClock struct {
	now func() time.Time

	mu   stdsync.Mutex
	last map[string]int64
}

// NewMonotonicClock creates a clock reading now, or time.Now when nil.
func NewMonotonicClock(now func() time.Time) *MonotonicClock {
	if now == nil {
		now = time.Now
	}
	return &MonotonicClock{now: now, last: make(map[string]int64)}
}

// Next returns the next stamp for key. floor is a stamp already known for
// the key (for example the stored copy's updated_at); the result is always
// greater than it.
func (c *MonotonicClock) Next(key string, floor int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	stamp := c.now().UnixMilli()
	if prev := c.last[key]; prev > floor {
		floor = prev
	}
	if stamp <= floor {
		stamp = floor + 1
	}
	c.last[key] = stamp
	if len(c.last) > trackedKeys {
		c.prune(c.now().UnixMilli() - retainFor.Milliseconds())
	}
	return stamp
}

// prune forgets keys whose last stamp is older than cutoff.
func (c *MonotonicClock) prune(cutoff int64) {
	for k, v := range c.last {
		if v < cutoff {
			delete(c.last, k)
		}
	}
}
