// Package status derives and publishes the aggregate sync health.
package status

import (
	"sync"

	"github.com/matchops/localsync/internal/models"
)

// Input is everything a snapshot is derived from.
type Input struct {
	Stats        models.QueueStats
	Online       bool
	Syncing      bool
	LastSyncedAt int64
}

// Derive computes the snapshot for in. Precedence is
// error > offline > syncing > pending > synced, so a terminal failure is
// never hidden and "synced" means an empty queue seen while online and idle.
func Derive(in Input) models.StatusSnapshot {
	snap := models.StatusSnapshot{
		PendingCount: in.Stats.Outstanding(),
		FailedCount:  in.Stats.Failed,
		LastSyncedAt: in.LastSyncedAt,
		IsOnline:     in.Online,
	}
	switch {
	case snap.FailedCount > 0:
		snap.State = models.SyncStateError
	case !in.Online:
		snap.State = models.SyncStateOffline
	case in.Syncing:
		snap.State = models.SyncStateSyncing
	case snap.PendingCount > 0:
		snap.State = models.SyncStatePending
	default:
		snap.State = models.SyncStateSynced
	}
	return snap
}

// Publisher holds the latest snapshot and fans changes out to subscribers.
// Callbacks run synchronously on the publishing goroutine, in publish order.
type Publisher struct {
	mu      sync.Mutex
	current models.StatusSnapshot
	subs    map[int]func(models.StatusSnapshot)
	nextID  int

	resolved map[int]func(models.ConflictLog)

	// Held while delivering so subscribers never observe reordered updates.
	deliver sync.Mutex
}

// NewPublisher creates a Publisher whose initial state is offline and empty.
func NewPublisher() *Publisher {
	return &Publisher{
		current:  models.StatusSnapshot{State: models.SyncStateOffline},
		subs:     make(map[int]func(models.StatusSnapshot)),
		resolved: make(map[int]func(models.ConflictLog)),
	}
}

// Current returns the latest snapshot.
func (p *Publisher) Current() models.StatusSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Subscribe registers cb and immediately delivers the current snapshot.
// The returned function unsubscribes; it is safe to call more than once.
func (p *Publisher) Subscribe(cb func(models.StatusSnapshot)) func() {
	p.deliver.Lock()
	defer p.deliver.Unlock()

	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = cb
	current := p.current
	p.mu.Unlock()

	cb(current)

	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

// Publish replaces the current snapshot and notifies subscribers when it
// changed. It reports whether a change was delivered.
func (p *Publisher) Publish(snap models.StatusSnapshot) bool {
	p.deliver.Lock()
	defer p.deliver.Unlock()

	p.mu.Lock()
	if snap == p.current {
		p.mu.Unlock()
		return false
	}
	p.current = snap
	subs := make([]func(models.StatusSnapshot), 0, len(p.subs))
	for _, cb := range p.subs {
		subs = append(subs, cb)
	}
	p.mu.Unlock()

	for _, cb := range subs {
		cb(snap)
	}
	return true
}

// SubscribeResolved registers cb for conflict resolutions.
func (p *Publisher) SubscribeResolved(cb func(models.ConflictLog)) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.resolved[id] = cb
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.resolved, id)
		p.mu.Unlock()
	}
}

// NotifyResolved delivers a resolution record to conflict subscribers.
func (p *Publisher) NotifyResolved(entry models.ConflictLog) {
	p.mu.Lock()
	subs := make([]func(models.ConflictLog), 0, len(p.resolved))
	for _, cb := range p.resolved {
		subs = append(subs, cb)
	}
	p.mu.Unlock()

	for _, cb := range subs {
		cb(entry)
	}
}
