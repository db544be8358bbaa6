// Package services provides the application's entity mutation layer: every
// write lands in the local store first, then is queued for the remote.
package services

import (
	"context"
	"encoding/json"
	stdsync "sync"
	"time"

	apperrors "github.com/matchops/localsync/internal/errors"
	"github.com/matchops/localsync/internal/logging"
	"github.com/matchops/localsync/internal/models"
	"github.com/matchops/localsync/internal/sync"
)

// Enqueuer accepts operations for delivery.
type Enqueuer interface {
	Enqueue(ctx context.Context, op *models.SyncOperation) (string, error)
}

// StampSource reports the newest stamp queued for an entity. Queues that
// implement it keep stamps increasing across restarts for entities whose
// local copy is gone.
type StampSource interface {
	LatestStamp(ctx context.Context, entityType models.EntityType, entityID string) (int64, error)
}

// Nudger wakes the sync engine.
type Nudger interface {
	Nudge()
}

// EntityService writes entities locally and queues them for sync.
type EntityService struct {
	local sync.LocalStore
	queue Enqueuer
	clock *MonotonicClock

	// nudger is optional; without it queued writes wait for the next poll.
	nudger Nudger

	// Event callbacks for WebSocket notifications
	callbackMu stdsync.RWMutex
	onSaved    func(e models.Entity)
	onDeleted  func(entityType models.EntityType, id string)
}

// EntityServiceOption customizes an EntityService.
type EntityServiceOption func(*EntityService)

// WithNudger wakes n after every queued write.
func WithNudger(n Nudger) EntityServiceOption {
	return func(s *EntityService) { s.nudger = n }
}

// WithClock replaces the wall clock used for stamps.
func WithClock(now func() time.Time) EntityServiceOption {
	return func(s *EntityService) { s.clock = NewMonotonicClock(now) }
}

// NewEntityService creates an EntityService.
func NewEntityService(local sync.LocalStore, queue Enqueuer, opts ...EntityServiceOption) *EntityService {
	s := &EntityService{
		local: local,
		queue: queue,
		clock: NewMonotonicClock(nil),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetCallbacks sets optional callbacks for local writes.
func (s *EntityService) SetCallbacks(onSaved func(models.Entity), onDeleted func(models.EntityType, string)) {
	s.callbackMu.Lock()
	defer s.callbackMu.Unlock()
	s.onSaved = onSaved
	s.onDeleted = onDeleted
}

func (s *EntityService) callbacks() (func(models.Entity), func(models.EntityType, string)) {
	s.callbackMu.RLock()
	defer s.callbackMu.RUnlock()
	return s.onSaved, s.onDeleted
}

// Get returns a local entity.
func (s *EntityService) Get(ctx context.Context, entityType models.EntityType, id string) (*models.Entity, error) {
	return s.local.Get(ctx, entityType, id)
}

// List returns the local entities of a type.
func (s *EntityService) List(ctx context.Context, entityType models.EntityType) ([]*models.Entity, error) {
	if !entityType.Valid() {
		return nil, apperrors.Newf(apperrors.ErrValidation, "unknown entity type %q", entityType)
	}
	return s.local.List(ctx, entityType)
}

// Save creates or updates an entity. The local write is authoritative: once
// it succeeds the entity is readable whatever happens to the queue. A queue
// storage failure is still returned so the caller knows the write will not
// reach the remote.
func (s *EntityService) Save(ctx context.Context, entityType models.EntityType, id string, data json.RawMessage) (*models.Entity, error) {
	if !entityType.Valid() || id == "" {
		return nil, apperrors.Newf(apperrors.ErrValidation, "invalid entity key %s/%q", entityType, id)
	}
	if len(data) == 0 || !json.Valid(data) {
		return nil, apperrors.New(apperrors.ErrValidation, "entity data must be a JSON document")
	}

	data, err := models.NormalizePayload(entityType, data)
	if err != nil {
		return nil, err
	}

	kind := models.OperationCreate
	var floor int64
	existing, err := s.local.Get(ctx, entityType, id)
	switch {
	case err == nil:
		kind = models.OperationUpdate
		floor = existing.UpdatedAt
	case !apperrors.Is(err, apperrors.ErrNotFound):
		return nil, err
	default:
		if floor, err = s.queuedFloor(ctx, entityType, id); err != nil {
			return nil, err
		}
	}

	entity := &models.Entity{
		Type:      entityType,
		ID:        id,
		Data:      data,
		UpdatedAt: s.clock.Next(key(entityType, id), floor),
	}
	if err := s.local.Save(ctx, entity); err != nil {
		return nil, err
	}
	if onSaved, _ := s.callbacks(); onSaved != nil {
		onSaved(*entity)
	}

	op := &models.SyncOperation{
		EntityType: entityType,
		EntityID:   id,
		Kind:       kind,
		Payload:    data,
		OccurredAt: entity.UpdatedAt,
	}
	if err := s.enqueue(ctx, op); err != nil {
		return entity, err
	}
	return entity, nil
}

// Delete removes an entity locally and queues the delete. Deleting an
// entity that does not exist locally still queues the delete, since the
// remote may hold a copy.
func (s *EntityService) Delete(ctx context.Context, entityType models.EntityType, id string) error {
	if !entityType.Valid() || id == "" {
		return apperrors.Newf(apperrors.ErrValidation, "invalid entity key %s/%q", entityType, id)
	}

	var floor int64
	existing, err := s.local.Get(ctx, entityType, id)
	switch {
	case err == nil:
		floor = existing.UpdatedAt
	case !apperrors.Is(err, apperrors.ErrNotFound):
		return err
	default:
		if floor, err = s.queuedFloor(ctx, entityType, id); err != nil {
			return err
		}
	}

	if err := s.local.Delete(ctx, entityType, id); err != nil {
		return err
	}
	if _, onDeleted := s.callbacks(); onDeleted != nil {
		onDeleted(entityType, id)
	}

	return s.enqueue(ctx, &models.SyncOperation{
		EntityType: entityType,
		EntityID:   id,
		Kind:       models.OperationDelete,
		OccurredAt: s.clock.Next(key(entityType, id), floor),
	})
}

func (s *EntityService) enqueue(ctx context.Context, op *models.SyncOperation) error {
	id, err := s.queue.Enqueue(ctx, op)
	if err != nil {
		logging.Warn("Local write saved but not queued for sync", map[string]interface{}{
			"entity_type": op.EntityType,
			"entity_id":   op.EntityID,
			"error":       err.Error(),
		})
		return err
	}

	logging.Debug("Queued local write", map[string]interface{}{
		"entity_type":  op.EntityType,
		"entity_id":    op.EntityID,
		"kind":         op.Kind,
		"operation_id": id,
		"occurred_at":  op.OccurredAt,
	})
	if s.nudger != nil {
		s.nudger.Nudge()
	}
	return nil
}

// queuedFloor is the newest stamp still queued for an entity with no local
// copy, so a write after a delete outranks the delete even after a restart.
func (s *EntityService) queuedFloor(ctx context.Context, entityType models.EntityType, id string) (int64, error) {
	src, ok := s.queue.(StampSource)
	if !ok {
		return 0, nil
	}
	return src.LatestStamp(ctx, entityType, id)
}

func key(entityType models.EntityType, id string) string {
	return string(entityType) + "/" + id
}
