package queue

import "time"

// Config holds the retry and coalescing tunables of a Queue.
type Config struct {
	// BaseDelay is the first retry delay after a transient failure.
	BaseDelay time.Duration
	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration
	// MaxAttempts is stamped onto new entries.
	MaxAttempts int
	// CoalesceCreateDelete cancels a never-dispatched create when a delete
	// for the same entity is enqueued.
	CoalesceCreateDelete bool
}

// DefaultConfig returns the default queue tunables.
func DefaultConfig() Config {
	return Config{
		BaseDelay:            500 * time.Millisecond,
		MaxDelay:             5 * time.Minute,
		MaxAttempts:          10,
		CoalesceCreateDelete: true,
	}
}

// Backoff returns min(base * 2^attemptCount, max), where attemptCount is the
// number of attempts made before the failure being scheduled.
func (c Config) Backoff(attemptCount int) time.Duration {
	if attemptCount < 0 {
		attemptCount = 0
	}
	delay := c.BaseDelay
	for i := 0; i < attemptCount; i++ {
		if delay >= c.MaxDelay/2 {
			return c.MaxDelay
		}
		delay *= 2
	}
	if delay > c.MaxDelay {
		return c.MaxDelay
	}
	return delay
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	return c
}
