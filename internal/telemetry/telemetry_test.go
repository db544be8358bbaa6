// Package telemetry tests verify counter bookkeeping.
package telemetry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecordCount(t *testing.T) {
	c := NewCounters()
	c.RecordCount(PassesTotal, 1)
	c.RecordCount(PassesTotal, 2)
	c.RecordCount(OperationsSent, 0)

	assert.EqualValues(t, 3, c.Count(PassesTotal))
	assert.Equal(t, []string{PassesTotal}, c.Snapshot().Names())
}

func TestRecordTiming(t *testing.T) {
	c := NewCounters()
	c.RecordTiming(PassDuration, 10*time.Millisecond)
	c.RecordTiming(PassDuration, 30*time.Millisecond)

	timing := c.Snapshot().Timings[PassDuration]
	assert.EqualValues(t, 2, timing.Count)
	assert.Equal(t, 30*time.Millisecond, timing.Max)
	assert.Equal(t, 30*time.Millisecond, timing.Last)
	assert.Equal(t, 20*time.Millisecond, timing.Mean())
	assert.Zero(t, Timing{}.Mean())
}

func TestSnapshotIsCopy(t *testing.T) {
	c := NewCounters()
	c.RecordCount(ConflictsResolved, 1)
	snap := c.Snapshot()
	c.RecordCount(ConflictsResolved, 1)

	assert.EqualValues(t, 1, snap.Counts[ConflictsResolved])
	c.Reset()
	assert.Zero(t, c.Count(ConflictsResolved))
}

func TestConcurrentRecording(t *testing.T) {
	c := NewCounters()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.RecordCount(OperationsSent, 1)
			c.RecordTiming(PassDuration, time.Millisecond)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 50, c.Count(OperationsSent))
	assert.EqualValues(t, 50, c.Snapshot().Timings[PassDuration].Count)
}
