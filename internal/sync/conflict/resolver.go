// Package conflict resolves diverged entities with last-write-wins on the
// operation's logical timestamp.
package conflict

import (
	"context"
	"time"

	apperrors "github.com/matchops/localsync/internal/errors"
	"github.com/matchops/localsync/internal/logging"
	"github.com/matchops/localsync/internal/models"
	"github.com/matchops/localsync/internal/uuid"
)

// Remote is the part of the remote store the resolver needs.
type Remote interface {
	Fetch(ctx context.Context, entityType models.EntityType, id string) (*models.RemoteEntity, error)
	Overwrite(ctx context.Context, op *models.SyncOperation) error
}

// Local is the part of the local store the resolver needs.
type Local interface {
	Get(ctx context.Context, entityType models.EntityType, id string) (*models.Entity, error)
	Save(ctx context.Context, e *models.Entity) error
	Delete(ctx context.Context, entityType models.EntityType, id string) error
}

// LogStore persists resolution records.
type LogStore interface {
	CreateConflictLog(ctx context.Context, log *models.ConflictLog) error
}

// Result is the outcome of resolving one operation.
type Result struct {
	Resolution models.ConflictResolution
	Log        *models.ConflictLog
	// Remote is the copy pulled into the local store when the remote won.
	Remote *models.RemoteEntity
}

// RemoteWon reports whether the local operation was discarded.
func (r *Result) RemoteWon() bool {
	return r.Resolution == models.ResolutionRemoteWins
}

// Resolver applies last-write-wins to a conflicting operation.
type Resolver struct {
	remote Remote
	local  Local
	logs   LogStore
	now    func() time.Time
}

// NewResolver creates a Resolver. logs may be nil.
func NewResolver(remote Remote, local Local, logs LogStore) *Resolver {
	return &Resolver{
		remote: remote,
		local:  local,
		logs:   logs,
		now:    time.Now,
	}
}

// WithClock sets the time source used for DetectedAt.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// Resolve decides between op and the current remote copy:
//
//   - remote missing or deleted: a local delete is a no-op, any other
//     write is pushed (the edit resurrects the entity);
//   - remote updatedAt > op.OccurredAt: the remote copy replaces the local
//     one and the operation is dropped;
//   - otherwise the local write overwrites the remote.
//
// A nil error means the operation is settled and can leave the queue.
func (r *Resolver) Resolve(ctx context.Context, op *models.SyncOperation) (*Result, error) {
	if op == nil {
		return nil, ErrInvalidConflict
	}

	remote, err := r.remote.Fetch(ctx, op.EntityType, op.EntityID)
	if err != nil {
		return nil, err
	}
	if remote != nil {
		if remote.Type == "" {
			remote.Type = op.EntityType
		}
		if remote.ID == "" {
			remote.ID = op.EntityID
		}
	}

	var resolution models.ConflictResolution
	switch {
	case !remote.Exists() && op.Kind == models.OperationDelete:
		resolution = models.ResolutionBothDeleted
	case !remote.Exists():
		if err := r.remote.Overwrite(ctx, op); err != nil {
			return nil, err
		}
		resolution = models.ResolutionResurrected
	case remote.UpdatedAt > op.OccurredAt:
		if err := r.pullRemote(ctx, remote); err != nil {
			return nil, err
		}
		resolution = models.ResolutionRemoteWins
	default:
		if err := r.remote.Overwrite(ctx, op); err != nil {
			return nil, err
		}
		resolution = models.ResolutionLocalWins
	}

	var remoteTS int64
	if remote != nil {
		remoteTS = remote.UpdatedAt
	}
	entry := &models.ConflictLog{
		ID:              uuid.New(),
		OperationID:     op.ID,
		EntityType:      op.EntityType,
		EntityID:        op.EntityID,
		LocalTimestamp:  op.OccurredAt,
		RemoteTimestamp: remoteTS,
		Resolution:      resolution,
		DetectedAt:      r.now().UnixMilli(),
	}
	r.record(ctx, entry)

	result := &Result{Resolution: resolution, Log: entry}
	if resolution == models.ResolutionRemoteWins {
		result.Remote = remote
	}
	return result, nil
}

// pullRemote writes the remote copy into the local store without touching
// the queue. A local copy stamped newer than the remote is left alone: it
// belongs to a later write that is still queued.
func (r *Resolver) pullRemote(ctx context.Context, remote *models.RemoteEntity) error {
	current, err := r.local.Get(ctx, remote.Type, remote.ID)
	if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		return err
	}
	if current != nil && current.UpdatedAt > remote.UpdatedAt {
		logging.Debug("Local copy newer than remote winner, keeping it", map[string]interface{}{
			"entity_type": remote.Type,
			"entity_id":   remote.ID,
		})
		return nil
	}

	data, err := models.NormalizePayload(remote.Type, remote.Data)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "remote payload is not valid", err)
	}
	return r.local.Save(ctx, &models.Entity{
		Type:      remote.Type,
		ID:        remote.ID,
		Data:      data,
		UpdatedAt: remote.UpdatedAt,
	})
}

func (r *Resolver) record(ctx context.Context, entry *models.ConflictLog) {
	logging.Info("Conflict resolved using last-write-wins", map[string]interface{}{
		"operation_id":     entry.OperationID,
		"entity_type":      entry.EntityType,
		"entity_id":        entry.EntityID,
		"local_timestamp":  entry.LocalTimestamp,
		"remote_timestamp": entry.RemoteTimestamp,
		"resolution":       entry.Resolution,
	})
	if r.logs == nil {
		return
	}
	if err := r.logs.CreateConflictLog(ctx, entry); err != nil {
		logging.Error("Failed to record conflict log", err, map[string]interface{}{
			"operation_id": entry.OperationID,
		})
	}
}

// Errors
var (
	ErrInvalidConflict = &ConflictError{Message: "invalid conflict: operation is required"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}
