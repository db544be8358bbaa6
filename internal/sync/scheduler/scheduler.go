// Package scheduler runs a job on a fixed interval and on demand, as a
// cancellable background task.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/matchops/localsync/internal/logging"
)

// Job is the work run on every tick or trigger.
type Job func(ctx context.Context)

// Scheduler runs one Job at a time: on every interval tick and whenever
// Trigger is called. Triggers that arrive while the job runs collapse into
// a single follow-up run.
type Scheduler struct {
	name string
	job  Job

	mu        sync.RWMutex
	interval  time.Duration
	isRunning bool
	stopCh    chan struct{}
	done      chan struct{}
	trigger   chan struct{}
	reset     chan time.Duration
	lastRun   time.Time
}

// New creates a stopped Scheduler.
func New(name string, interval time.Duration, job Job) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{
		name:     name,
		job:      job,
		interval: interval,
		trigger:  make(chan struct{}, 1),
		reset:    make(chan time.Duration, 1),
	}
}

// Start launches the loop. It is a no-op if already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning {
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})

	go s.loop(ctx, s.interval, s.stopCh, s.done)

	logging.Info("Background scheduler started", map[string]interface{}{
		"scheduler":        s.name,
		"interval_seconds": s.interval.Seconds(),
	})
}

// Stop prevents further runs. A run in progress is not interrupted; use
// Wait to block until it returns.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isRunning {
		return
	}
	s.isRunning = false
	close(s.stopCh)

	logging.Info("Background scheduler stopped", map[string]interface{}{"scheduler": s.name})
}

// Wait blocks until the loop of the last Start has exited.
func (s *Scheduler) Wait() {
	s.mu.RLock()
	done := s.done
	s.mu.RUnlock()
	if done != nil {
		<-done
	}
}

// Trigger requests an immediate run. It never blocks.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// SetInterval changes the tick interval, taking effect on the running loop.
func (s *Scheduler) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interval = d

	// Only the newest interval matters. Holding mu keeps other senders out,
	// so after the drain the one-slot channel has room.
	select {
	case <-s.reset:
	default:
	}
	select {
	case s.reset <- d:
	default:
	}
}

// Interval returns the current tick interval.
func (s *Scheduler) Interval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.interval
}

// IsRunning reports whether the loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// LastRun returns when the job last started, or the zero time.
func (s *Scheduler) LastRun() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRun
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case d := <-s.reset:
			ticker.Reset(d)
			continue
		case <-ticker.C:
		case <-s.trigger:
		}

		// Stop may have raced with the tick.
		select {
		case <-stopCh:
			return
		default:
		}

		s.mu.Lock()
		s.lastRun = time.Now()
		s.mu.Unlock()

		s.job(ctx)
	}
}
