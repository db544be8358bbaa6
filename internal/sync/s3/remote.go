package s3

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	stdsync "sync"

	"github.com/matchops/localsync/internal/logging"
	"github.com/matchops/localsync/internal/models"
	"github.com/matchops/localsync/internal/sync"
)

// ObjectStore is the subset of Client the remote needs.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// document is the stored form of an entity. Deletes leave a tombstone so a
// later stale write can still be detected.
type document struct {
	Type      models.EntityType `json:"type"`
	ID        string            `json:"id"`
	Data      json.RawMessage   `json:"data,omitempty"`
	UpdatedAt int64             `json:"updated_at"`
	Deleted   bool              `json:"deleted"`
}

// Remote implements sync.RemoteStore on an object store, one object per
// entity at <prefix>entities/<type>/<id>.json.
//
// The last-write-wins check reads the object before writing it. The check
// is atomic per entity for writers sharing this Remote; object stores offer
// no compare-and-swap across devices.
type Remote struct {
	store  ObjectStore
	prefix string

	mu    stdsync.Mutex
	locks map[string]*stdsync.Mutex
}

var _ sync.RemoteStore = (*Remote)(nil)

// NewRemote creates a Remote. prefix, when set, namespaces every key.
func NewRemote(store ObjectStore, prefix string) *Remote {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Remote{store: store, prefix: prefix, locks: make(map[string]*stdsync.Mutex)}
}

// Key returns the object key of an entity.
func (r *Remote) Key(entityType models.EntityType, id string) string {
	return r.prefix + "entities/" + string(entityType) + "/" + id + ".json"
}

// Apply writes op unless the stored copy is newer than op.OccurredAt.
func (r *Remote) Apply(ctx context.Context, op *models.SyncOperation) error {
	unlock := r.lock(op.Key())
	defer unlock()

	current, err := r.read(ctx, op.EntityType, op.EntityID)
	if err != nil {
		return err
	}
	if current != nil && current.UpdatedAt > op.OccurredAt {
		return sync.Conflict(fmt.Errorf("remote %s updated at %d after %d", op.Key(), current.UpdatedAt, op.OccurredAt))
	}
	return r.write(ctx, op)
}

// Overwrite writes op without the last-write-wins check.
func (r *Remote) Overwrite(ctx context.Context, op *models.SyncOperation) error {
	unlock := r.lock(op.Key())
	defer unlock()
	return r.write(ctx, op)
}

// Fetch returns the stored entity or tombstone, or nil.
func (r *Remote) Fetch(ctx context.Context, entityType models.EntityType, id string) (*models.RemoteEntity, error) {
	doc, err := r.read(ctx, entityType, id)
	if err != nil || doc == nil {
		return nil, err
	}
	return &models.RemoteEntity{
		Entity:  models.Entity{Type: doc.Type, ID: doc.ID, Data: doc.Data, UpdatedAt: doc.UpdatedAt},
		Deleted: doc.Deleted,
	}, nil
}

// PurgeTombstones deletes tombstones older than before (unix ms) and
// returns how many were removed.
func (r *Remote) PurgeTombstones(ctx context.Context, before int64) (int, error) {
	keys, err := r.store.List(ctx, r.prefix+"entities/")
	if err != nil {
		return 0, classify(err)
	}

	purged := 0
	for _, key := range keys {
		data, err := r.store.Get(ctx, key)
		if errors.Is(err, ErrObjectNotFound) {
			continue
		}
		if err != nil {
			return purged, classify(err)
		}
		var doc document
		if err := json.Unmarshal(data, &doc); err != nil || !doc.Deleted || doc.UpdatedAt >= before {
			continue
		}
		if err := r.store.Delete(ctx, key); err != nil {
			return purged, classify(err)
		}
		purged++
	}

	if purged > 0 {
		logging.Info("Purged remote tombstones", map[string]interface{}{
			"count":  purged,
			"before": before,
		})
	}
	return purged, nil
}

func (r *Remote) read(ctx context.Context, entityType models.EntityType, id string) (*document, error) {
	data, err := r.store.Get(ctx, r.Key(entityType, id))
	if errors.Is(err, ErrObjectNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, sync.Permanent(fmt.Errorf("corrupt remote object for %s/%s: %w", entityType, id, err))
	}
	if doc.Type == "" {
		doc.Type = entityType
	}
	if doc.ID == "" {
		doc.ID = id
	}
	return &doc, nil
}

func (r *Remote) write(ctx context.Context, op *models.SyncOperation) error {
	doc := document{
		Type:      op.EntityType,
		ID:        op.EntityID,
		UpdatedAt: op.OccurredAt,
	}
	if op.Kind == models.OperationDelete {
		doc.Deleted = true
	} else {
		doc.Data = op.Payload
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return sync.Permanent(err)
	}
	if err := r.store.Put(ctx, r.Key(op.EntityType, op.EntityID), data); err != nil {
		return classify(err)
	}
	return nil
}

// lock serializes read-check-write per entity.
func (r *Remote) lock(key string) func() {
	r.mu.Lock()
	l, ok := r.locks[key]
	if !ok {
		l = &stdsync.Mutex{}
		r.locks[key] = l
	}
	r.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// classify maps object store errors onto sync failures.
func classify(err error) error {
	var se *StatusError
	if errors.As(err, &se) {
		return sync.FailureForStatus(se.StatusCode, err)
	}
	return sync.Transient(err)
}
