// Package telemetry keeps in-process sync counters. Nothing is transmitted:
// the counters are only read through the local admin API.
package telemetry

import (
	"sort"
	"sync"
	"time"
)

// Counter names recorded by the sync engine.
const (
	PassesTotal        = "sync.passes"
	PassesSkipped      = "sync.passes_skipped"
	OperationsSent     = "sync.operations_delivered"
	OperationsRetried  = "sync.operations_transient"
	OperationsFailed   = "sync.operations_permanent"
	ConflictsResolved  = "sync.conflicts_resolved"
	ConflictsRemoteWon = "sync.conflicts_remote_won"
	PassDuration       = "sync.pass_duration"
)

// Timing summarizes recorded durations.
type Timing struct {
	Count int64         `json:"count"`
	Total time.Duration `json:"total_ns"`
	Max   time.Duration `json:"max_ns"`
	Last  time.Duration `json:"last_ns"`
}

// Mean returns the average duration.
func (t Timing) Mean() time.Duration {
	if t.Count == 0 {
		return 0
	}
	return t.Total / time.Duration(t.Count)
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	Counts  map[string]int64  `json:"counts"`
	Timings map[string]Timing `json:"timings"`
	Since   time.Time         `json:"since"`
}

// Names returns the counter names in sorted order.
func (s Snapshot) Names() []string {
	names := make([]string, 0, len(s.Counts))
	for name := range s.Counts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// =====================================================
// Counters
// =====================================================

// Counters is a concurrency-safe set of named counters and timings.
type Counters struct {
	mu      sync.Mutex
	counts  map[string]int64
	timings map[string]Timing
	since   time.Time
}

// NewCounters creates an empty set.
func NewCounters() *Counters {
	return &Counters{
		counts:  make(map[string]int64),
		timings: make(map[string]Timing),
		since:   time.Now(),
	}
}

// RecordCount adds delta to the named counter.
func (c *Counters) RecordCount(name string, delta int) {
	if delta == 0 {
		return
	}
	c.mu.Lock()
	c.counts[name] += int64(delta)
	c.mu.Unlock()
}

// RecordTiming adds a duration sample to the named timing.
func (c *Counters) RecordTiming(name string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.timings[name]
	t.Count++
	t.Total += d
	t.Last = d
	if d > t.Max {
		t.Max = d
	}
	c.timings[name] = t
}

// Count returns the named counter.
func (c *Counters) Count(name string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[name]
}

// Snapshot copies the current values.
func (c *Counters) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		Counts:  make(map[string]int64, len(c.counts)),
		Timings: make(map[string]Timing, len(c.timings)),
		Since:   c.since,
	}
	for k, v := range c.counts {
		snap.Counts[k] = v
	}
	for k, v := range c.timings {
		snap.Timings[k] = v
	}
	return snap
}

// Reset clears all values.
func (c *Counters) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts = make(map[string]int64)
	c.timings = make(map[string]Timing)
	c.since = time.Now()
}
