package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/matchops/localsync/internal/errors"
	"github.com/matchops/localsync/internal/logging"
	"github.com/matchops/localsync/internal/models"
	"github.com/matchops/localsync/internal/sync/conflict"
	"github.com/matchops/localsync/internal/sync/connectivity"
	"github.com/matchops/localsync/internal/sync/queue"
	"github.com/matchops/localsync/internal/sync/scheduler"
	"github.com/matchops/localsync/internal/sync/status"
	"github.com/matchops/localsync/internal/telemetry"
)

// State is the engine's scheduling state.
type State string

const (
	StateIdle       State = "idle"
	StateProcessing State = "processing"
	StateStopped    State = "stopped"
)

// SkipReason explains why a pass did nothing.
type SkipReason string

const (
	SkipOffline SkipReason = "offline"
	SkipBusy    SkipReason = "in_progress"
)

// Config holds engine tunables.
type Config struct {
	// BatchSize caps the operations claimed per batch.
	BatchSize int
	// MaxPerType caps operations of one entity type within a batch.
	MaxPerType int
	// Concurrency caps simultaneous remote calls.
	Concurrency int
	// PollInterval is the scheduled pass interval.
	PollInterval time.Duration
	// RemoteTimeout bounds each remote call; expiry counts as transient.
	RemoteTimeout time.Duration
	// PreferBatch sends one request per entity type when the remote
	// implements BatchRemoteStore.
	PreferBatch bool
}

// DefaultConfig returns the default engine tunables.
func DefaultConfig() Config {
	return Config{
		BatchSize:     10,
		MaxPerType:    10,
		Concurrency:   10,
		PollInterval:  30 * time.Second,
		RemoteTimeout: 15 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxPerType <= 0 {
		c.MaxPerType = d.MaxPerType
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.RemoteTimeout <= 0 {
		c.RemoteTimeout = d.RemoteTimeout
	}
	return c
}

// OperationQueue is the queue surface the engine drives.
type OperationQueue interface {
	GetPendingBatched(ctx context.Context, maxPerType, limit int) ([]queue.Batch, error)
	MarkInFlight(ctx context.Context, ids []string) ([]*models.SyncOperation, error)
	MarkCompleted(ctx context.Context, ids []string) error
	MarkFailed(ctx context.Context, ids []string, cause error) error
	MarkTerminal(ctx context.Context, ids []string, cause error) error
	Release(ctx context.Context, ids []string) error
	GetStats(ctx context.Context) (models.QueueStats, error)
	RetryFailed(ctx context.Context) (int, error)
	DiscardFailed(ctx context.Context) (int, error)
	Clear(ctx context.Context) (int, error)
}

// Recorder receives pass counters.
type Recorder interface {
	RecordCount(name string, delta int)
	RecordTiming(name string, d time.Duration)
}

// Options carries the engine's dependencies.
type Options struct {
	Queue        OperationQueue
	Remote       RemoteStore
	Local        LocalStore
	Connectivity connectivity.Source

	// Optional.
	ConflictLogs conflict.LogStore
	Publisher    *status.Publisher
	Recorder     Recorder
	Config       Config
	Clock        func() time.Time
}

// PassResult summarizes one processing pass.
type PassResult struct {
	Skipped    SkipReason    `json:"skipped,omitempty"`
	Batches    int           `json:"batches"`
	Delivered  int           `json:"delivered"`
	Conflicts  int           `json:"conflicts"`
	RemoteWins int           `json:"remote_wins"`
	Transient  int           `json:"transient"`
	Permanent  int           `json:"permanent"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration_ns"`
}

// Failures returns the operations that did not settle in this pass.
func (r *PassResult) Failures() int {
	return r.Transient + r.Permanent
}

// Engine drains the queue to the remote store. One pass runs at a time;
// passes are started by the poll timer, nudges, reconnection and explicit
// RunPass calls.
type Engine struct {
	queue     OperationQueue
	remote    RemoteStore
	resolver  *conflict.Resolver
	conn      connectivity.Source
	publisher *status.Publisher
	recorder  Recorder
	cfg       Config
	now       func() time.Time
	sched     *scheduler.Scheduler

	mu           stdsync.Mutex
	state        State
	processing   bool
	followUp     bool
	generation   uint64
	lastSyncedAt int64
	unsubConn    func()

	passes    stdsync.WaitGroup
	refreshMu stdsync.Mutex
}

// NewEngine creates a stopped Engine.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Queue == nil || opts.Remote == nil || opts.Local == nil || opts.Connectivity == nil {
		return nil, apperrors.New(apperrors.ErrSyncNotConfigured, "sync engine requires a queue, remote, local store and connectivity source")
	}

	e := &Engine{
		queue:     opts.Queue,
		remote:    opts.Remote,
		conn:      opts.Connectivity,
		publisher: opts.Publisher,
		recorder:  opts.Recorder,
		cfg:       opts.Config.withDefaults(),
		now:       opts.Clock,
		state:     StateStopped,
	}
	if e.publisher == nil {
		e.publisher = status.NewPublisher()
	}
	if e.now == nil {
		e.now = time.Now
	}
	e.resolver = conflict.NewResolver(opts.Remote, opts.Local, opts.ConflictLogs).WithClock(e.now)
	e.sched = scheduler.New("sync-engine", e.cfg.PollInterval, e.scheduledPass)
	return e, nil
}

// =====================================================
// Lifecycle
// =====================================================

// Start begins scheduled polling and runs an immediate pass if online.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.state != StateStopped {
		e.mu.Unlock()
		return
	}
	e.state = StateIdle
	if e.processing {
		e.state = StateProcessing
	}
	e.mu.Unlock()

	unsubscribe := e.conn.Subscribe(e.onConnectivity)
	e.mu.Lock()
	e.unsubConn = unsubscribe
	e.mu.Unlock()

	e.sched.Start(ctx)
	if e.conn.Online() {
		e.sched.Trigger()
	}
	e.refreshStatus(ctx)

	logging.Info("Sync engine started", map[string]interface{}{
		"poll_interval_seconds": e.sched.Interval().Seconds(),
		"batch_size":            e.cfg.BatchSize,
		"is_online":             e.conn.Online(),
	})
}

// Stop cancels scheduling. Remote calls already issued by a pass in
// progress complete and are settled; claimed operations not yet sent go
// back to pending. No further batch or pass starts until Start is called
// again.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.generation++
	if e.state == StateStopped {
		e.mu.Unlock()
		return
	}
	e.state = StateStopped
	e.followUp = false
	unsubscribe := e.unsubConn
	e.unsubConn = nil
	e.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	e.sched.Stop()
	e.refreshStatus(context.Background())

	logging.Info("Sync engine stopped", nil)
}

// Wait blocks, after Stop, until the scheduler loop and any pass in
// progress have finished.
func (e *Engine) Wait() {
	e.sched.Wait()
	e.passes.Wait()
}

// Nudge requests a pass soon. While a pass runs, one follow-up pass is
// queued instead. Ignored when stopped.
func (e *Engine) Nudge() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateStopped {
		return
	}
	if e.processing {
		e.followUp = true
		return
	}
	e.sched.Trigger()
}

// SetPollInterval changes the scheduled pass interval.
func (e *Engine) SetPollInterval(d time.Duration) {
	e.sched.SetInterval(d)
}

// State returns the scheduling state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) onConnectivity(online bool) {
	logging.Info("Sync connectivity changed", map[string]interface{}{"is_online": online})
	e.refreshStatus(context.Background())
	if online {
		e.Nudge()
	}
}

func (e *Engine) scheduledPass(ctx context.Context) {
	if e.State() == StateStopped {
		return
	}
	result, err := e.RunPass(ctx)
	if err != nil {
		logging.ErrorWithCode("Sync pass failed", string(apperrors.ErrSyncFailed), err, nil)
		return
	}
	if result.Skipped == "" && result.Batches > 0 {
		logging.Info("Sync pass completed", map[string]interface{}{
			"batches":     result.Batches,
			"delivered":   result.Delivered,
			"conflicts":   result.Conflicts,
			"transient":   result.Transient,
			"permanent":   result.Permanent,
			"duration_ms": result.Duration.Milliseconds(),
		})
	}
}

// =====================================================
// Passes
// =====================================================

// RunPass drains eligible operations batch by batch until none remain, the
// connection drops or the engine is stopped. It returns immediately with a
// Skipped result when offline or when another pass is running (which then
// runs a follow-up pass). An error means queue storage failed.
func (e *Engine) RunPass(ctx context.Context) (*PassResult, error) {
	result := &PassResult{StartedAt: e.now()}

	e.mu.Lock()
	if e.processing {
		e.followUp = true
		e.mu.Unlock()
		result.Skipped = SkipBusy
		e.record(telemetry.PassesSkipped, 1)
		return result, nil
	}
	if !e.conn.Online() {
		e.mu.Unlock()
		result.Skipped = SkipOffline
		e.record(telemetry.PassesSkipped, 1)
		e.refreshStatus(ctx)
		return result, nil
	}
	e.processing = true
	generation := e.generation
	if e.state == StateIdle {
		e.state = StateProcessing
	}
	e.passes.Add(1)
	e.mu.Unlock()
	defer e.passes.Done()

	e.refreshStatus(ctx)

	// Queue bookkeeping outlives caller cancellation so claimed entries are
	// always settled.
	settleCtx := context.WithoutCancel(ctx)
	var passErr error
	for e.shouldContinue(ctx, generation) {
		batches, err := e.queue.GetPendingBatched(settleCtx, e.cfg.MaxPerType, e.cfg.BatchSize)
		if err != nil {
			passErr = err
			break
		}
		var ids []string
		for _, b := range batches {
			ids = append(ids, b.IDs()...)
		}
		if len(ids) == 0 {
			break
		}

		claimed, err := e.queue.MarkInFlight(settleCtx, ids)
		if err != nil {
			passErr = err
			break
		}
		if len(claimed) == 0 {
			break
		}
		result.Batches++

		if err := e.deliver(settleCtx, generation, claimed, result); err != nil {
			passErr = err
			break
		}
	}

	e.mu.Lock()
	e.processing = false
	if e.state == StateProcessing {
		e.state = StateIdle
	}
	followUp := e.followUp && e.state != StateStopped
	e.followUp = false
	if passErr == nil && result.Failures() == 0 {
		e.lastSyncedAt = e.now().UnixMilli()
	}
	e.mu.Unlock()

	result.Duration = e.now().Sub(result.StartedAt)
	e.record(telemetry.PassesTotal, 1)
	e.record(telemetry.OperationsSent, result.Delivered)
	e.record(telemetry.OperationsRetried, result.Transient)
	e.record(telemetry.OperationsFailed, result.Permanent)
	e.record(telemetry.ConflictsResolved, result.Conflicts)
	e.record(telemetry.ConflictsRemoteWon, result.RemoteWins)
	if e.recorder != nil {
		e.recorder.RecordTiming(telemetry.PassDuration, result.Duration)
	}

	e.refreshStatus(ctx)
	if followUp {
		e.sched.Trigger()
	}

	if passErr != nil {
		return result, apperrors.Wrap(apperrors.ErrSyncFailed, "sync pass aborted", passErr)
	}
	return result, nil
}

// SyncNow runs a pass on behalf of a user request. Unlike a scheduled pass
// it runs whether or not the engine has been started.
func (e *Engine) SyncNow(ctx context.Context) (*PassResult, error) {
	return e.RunPass(ctx)
}

func (e *Engine) shouldContinue(ctx context.Context, generation uint64) bool {
	if ctx.Err() != nil || !e.conn.Online() {
		return false
	}
	return e.current(generation)
}

// current reports whether Stop has not been called since generation.
func (e *Engine) current(generation uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generation == generation
}

// delivery is the outcome of one claimed operation.
type delivery struct {
	op         *models.SyncOperation
	result     ItemResult
	resolution *conflict.Result
	// skipped is set when Stop landed before the call was issued.
	skipped bool
}

// deliver sends a claimed batch, resolves conflicts and settles every
// operation back into the queue.
func (e *Engine) deliver(ctx context.Context, generation uint64, ops []*models.SyncOperation, result *PassResult) error {
	deliveries := e.dispatch(ctx, generation, ops)
	e.resolveConflicts(ctx, deliveries)

	var completed, released []string
	retry := make(map[string][]string)
	terminal := make(map[string][]string)
	var retryOrder, terminalOrder []string

	for _, d := range deliveries {
		if d.skipped {
			released = append(released, d.op.ID)
			continue
		}
		switch d.result.Outcome {
		case OutcomeSuccess:
			completed = append(completed, d.op.ID)
			if d.resolution != nil {
				result.Conflicts++
				if d.resolution.RemoteWon() {
					result.RemoteWins++
				}
			} else {
				result.Delivered++
			}
		case OutcomePermanent:
			result.Permanent++
			msg := errMessage(d.result.Err)
			if _, ok := terminal[msg]; !ok {
				terminalOrder = append(terminalOrder, msg)
			}
			terminal[msg] = append(terminal[msg], d.op.ID)
			logging.Warn("Operation rejected by remote", map[string]interface{}{
				"operation_id": d.op.ID,
				"entity_type":  d.op.EntityType,
				"entity_id":    d.op.EntityID,
				"error":        msg,
			})
		default:
			result.Transient++
			msg := errMessage(d.result.Err)
			if _, ok := retry[msg]; !ok {
				retryOrder = append(retryOrder, msg)
			}
			retry[msg] = append(retry[msg], d.op.ID)
		}
	}

	var errs []error
	if err := e.queue.MarkCompleted(ctx, completed); err != nil {
		errs = append(errs, err)
	}
	if err := e.queue.Release(ctx, released); err != nil {
		errs = append(errs, err)
	}
	for _, msg := range retryOrder {
		if err := e.queue.MarkFailed(ctx, retry[msg], errors.New(msg)); err != nil {
			errs = append(errs, err)
		}
	}
	for _, msg := range terminalOrder {
		if err := e.queue.MarkTerminal(ctx, terminal[msg], errors.New(msg)); err != nil {
			errs = append(errs, err)
		}
	}

	for _, d := range deliveries {
		if d.resolution != nil && d.result.Outcome == OutcomeSuccess {
			e.publisher.NotifyResolved(*d.resolution.Log)
		}
	}
	return errors.Join(errs...)
}

// dispatch issues the remote calls for ops concurrently, bounded by
// Concurrency. Every call settles; none aborts the others.
// Calls not yet issued when the engine is stopped are skipped.
func (e *Engine) dispatch(ctx context.Context, generation uint64, ops []*models.SyncOperation) []*delivery {
	deliveries := make([]*delivery, len(ops))
	for i, op := range ops {
		deliveries[i] = &delivery{op: op}
	}

	if batcher, ok := e.remote.(BatchRemoteStore); ok && e.cfg.PreferBatch {
		e.dispatchBatched(ctx, generation, batcher, deliveries)
		return deliveries
	}

	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for _, d := range deliveries {
		g.Go(func() error {
			if !e.current(generation) {
				d.skipped = true
				return nil
			}
			callCtx, cancel := context.WithTimeout(ctx, e.cfg.RemoteTimeout)
			defer cancel()
			d.result = ResultFor(d.op.ID, e.remote.Apply(callCtx, d.op))
			return nil
		})
	}
	_ = g.Wait()
	return deliveries
}

func (e *Engine) dispatchBatched(ctx context.Context, generation uint64, batcher BatchRemoteStore, deliveries []*delivery) {
	groups := make(map[models.EntityType][]*delivery)
	var order []models.EntityType
	for _, d := range deliveries {
		if _, ok := groups[d.op.EntityType]; !ok {
			order = append(order, d.op.EntityType)
		}
		groups[d.op.EntityType] = append(groups[d.op.EntityType], d)
	}

	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for _, entityType := range order {
		group := groups[entityType]
		g.Go(func() error {
			if !e.current(generation) {
				for _, d := range group {
					d.skipped = true
				}
				return nil
			}
			callCtx, cancel := context.WithTimeout(ctx, e.cfg.RemoteTimeout)
			defer cancel()

			ops := make([]*models.SyncOperation, len(group))
			for i, d := range group {
				ops[i] = d.op
			}
			results, err := batcher.ApplyBatch(callCtx, entityType, ops)
			if err != nil {
				for _, d := range group {
					d.result = ResultFor(d.op.ID, err)
				}
				return nil
			}

			byID := make(map[string]ItemResult, len(results))
			for _, r := range results {
				byID[r.OperationID] = r
			}
			for _, d := range group {
				r, ok := byID[d.op.ID]
				if !ok {
					r = ResultFor(d.op.ID, Transient(fmt.Errorf("no result for operation %s in batch response", d.op.ID)))
				}
				d.result = r
			}
			return nil
		})
	}
	_ = g.Wait()
}

// resolveConflicts runs last-write-wins for every conflicting delivery and
// rewrites its result with the resolution outcome.
func (e *Engine) resolveConflicts(ctx context.Context, deliveries []*delivery) {
	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for _, d := range deliveries {
		if d.result.Outcome != OutcomeConflict {
			continue
		}
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, 2*e.cfg.RemoteTimeout)
			defer cancel()

			res, err := e.resolver.Resolve(callCtx, d.op)
			if err != nil {
				// A conflict reported again after a forced write is not
				// resolvable now; retry later.
				if Classify(err) == KindConflict {
					err = Transient(err)
				}
				d.result = ResultFor(d.op.ID, err)
				return nil
			}
			d.resolution = res
			d.result = ItemResult{OperationID: d.op.ID, Outcome: OutcomeSuccess}
			return nil
		})
	}
	_ = g.Wait()
}

func errMessage(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

func (e *Engine) record(name string, delta int) {
	if e.recorder != nil {
		e.recorder.RecordCount(name, delta)
	}
}

// =====================================================
// Status and administration
// =====================================================

func (e *Engine) refreshStatus(ctx context.Context) {
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()

	stats, err := e.queue.GetStats(context.WithoutCancel(ctx))
	if err != nil {
		logging.Error("Failed to read queue stats", err, nil)
		return
	}

	e.mu.Lock()
	in := status.Input{
		Stats:        stats,
		Online:       e.conn.Online(),
		Syncing:      e.processing,
		LastSyncedAt: e.lastSyncedAt,
	}
	e.mu.Unlock()

	e.publisher.Publish(status.Derive(in))
}

// Refresh recomputes and publishes the status snapshot. Callers that change
// the queue outside the engine use it to keep the snapshot current.
func (e *Engine) Refresh(ctx context.Context) {
	e.refreshStatus(ctx)
}

// Status returns the latest published snapshot.
func (e *Engine) Status() models.StatusSnapshot {
	return e.publisher.Current()
}

// Subscribe registers cb for status snapshots; see status.Publisher.
func (e *Engine) Subscribe(cb func(models.StatusSnapshot)) func() {
	return e.publisher.Subscribe(cb)
}

// SubscribeResolved registers cb for conflict resolutions.
func (e *Engine) SubscribeResolved(cb func(models.ConflictLog)) func() {
	return e.publisher.SubscribeResolved(cb)
}

// RetryFailed returns terminally failed operations to the queue and nudges.
func (e *Engine) RetryFailed(ctx context.Context) (int, error) {
	n, err := e.queue.RetryFailed(ctx)
	if err != nil {
		return 0, err
	}
	e.refreshStatus(ctx)
	if n > 0 {
		e.Nudge()
	}
	return n, nil
}

// DiscardFailed drops terminally failed operations.
func (e *Engine) DiscardFailed(ctx context.Context) (int, error) {
	n, err := e.queue.DiscardFailed(ctx)
	if err != nil {
		return 0, err
	}
	e.refreshStatus(ctx)
	return n, nil
}

// Clear empties the queue, used when remote sync is switched off.
func (e *Engine) Clear(ctx context.Context) (int, error) {
	n, err := e.queue.Clear(ctx)
	if err != nil {
		return 0, err
	}
	e.refreshStatus(ctx)
	return n, nil
}

// Stats returns queue counts.
func (e *Engine) Stats(ctx context.Context) (models.QueueStats, error) {
	return e.queue.GetStats(ctx)
}
