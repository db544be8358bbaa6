// Package scheduler tests for background job scheduling.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =====================================================
// Lifecycle Tests
// =====================================================

func TestSchedulerTicks(t *testing.T) {
	var runs atomic.Int32
	s := New("test", 10*time.Millisecond, func(ctx context.Context) { runs.Add(1) })

	s.Start(context.Background())
	assert.True(t, s.IsRunning())

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	s.Stop()
	s.Wait()
	assert.False(t, s.IsRunning())
	assert.False(t, s.LastRun().IsZero())

	after := runs.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, runs.Load(), "no runs after Stop")
}

func TestSchedulerTrigger(t *testing.T) {
	ran := make(chan struct{}, 10)
	s := New("test", time.Hour, func(ctx context.Context) { ran <- struct{}{} })
	s.Start(context.Background())
	defer s.Stop()

	s.Trigger()
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("trigger did not run the job")
	}
}

func TestSchedulerTriggersCollapse(t *testing.T) {
	release := make(chan struct{})
	var runs atomic.Int32
	s := New("test", time.Hour, func(ctx context.Context) {
		if runs.Add(1) == 1 {
			<-release
		}
	})
	s.Start(context.Background())
	defer s.Stop()

	s.Trigger()
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)

	// Several triggers while busy produce exactly one follow-up run.
	s.Trigger()
	s.Trigger()
	s.Trigger()
	close(release)

	require.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.EqualValues(t, 2, runs.Load())
}

func TestSchedulerStopLetsRunFinish(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	s := New("test", time.Hour, func(ctx context.Context) {
		close(started)
		<-release
		finished.Store(true)
	})
	s.Start(context.Background())
	s.Trigger()
	<-started

	s.Stop()
	assert.False(t, finished.Load())
	close(release)
	s.Wait()
	assert.True(t, finished.Load())
}

func TestSchedulerContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New("test", time.Hour, func(ctx context.Context) {})
	s.Start(ctx)
	cancel()
	s.Wait()
}

func TestSchedulerSetInterval(t *testing.T) {
	var runs atomic.Int32
	s := New("test", time.Hour, func(ctx context.Context) { runs.Add(1) })
	s.Start(context.Background())
	defer s.Stop()

	s.SetInterval(5 * time.Millisecond)
	assert.Equal(t, 5*time.Millisecond, s.Interval())
	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestSchedulerSetIntervalConcurrentWhileStopped(t *testing.T) {
	s := New("test", time.Hour, func(ctx context.Context) {})

	var wg sync.WaitGroup
	for i := 1; i <= 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s.SetInterval(time.Duration(n) * time.Millisecond)
		}(i)
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("SetInterval blocked with no loop running")
	}
	assert.Positive(t, s.Interval())
}

func TestSchedulerRestart(t *testing.T) {
	var runs atomic.Int32
	s := New("test", time.Hour, func(ctx context.Context) { runs.Add(1) })

	for i := 0; i < 3; i++ {
		s.Start(context.Background())
		s.Trigger()
		require.Eventually(t, func() bool { return runs.Load() == int32(i+1) }, time.Second, time.Millisecond)
		s.Stop()
		s.Wait()
	}
}
