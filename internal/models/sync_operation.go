package models

import (
	"encoding/json"
	"strings"
	"time"

	apperrors "github.com/matchops/localsync/internal/errors"
)

// OperationKind is the mutation a queued operation carries.
type OperationKind string

const (
	OperationCreate OperationKind = "create"
	OperationUpdate OperationKind = "update"
	OperationDelete OperationKind = "delete"
)

// Valid reports whether k is a known kind.
func (k OperationKind) Valid() bool {
	switch k {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// OperationStatus is the queue state of an operation.
type OperationStatus string

const (
	StatusPending  OperationStatus = "pending"
	StatusInFlight OperationStatus = "in_flight"
	StatusFailed   OperationStatus = "failed"
)

// DefaultMaxAttempts bounds delivery attempts for a queued operation.
const DefaultMaxAttempts = 10

// SyncOperation is a single queued mutation intent. Timestamps are unix
// milliseconds; OccurredAt is the logical write time used for
// last-write-wins, not the delivery time.
type SyncOperation struct {
	ID              string          `db:"id" json:"id"`
	EntityType      EntityType      `db:"entity_type" json:"entity_type"`
	EntityID        string          `db:"entity_id" json:"entity_id"`
	Kind            OperationKind   `db:"operation_kind" json:"operation_kind"`
	Payload         json.RawMessage `db:"payload" json:"payload,omitempty"`
	OccurredAt      int64           `db:"occurred_at" json:"occurred_at"`
	Status          OperationStatus `db:"status" json:"status"`
	AttemptCount    int             `db:"attempt_count" json:"attempt_count"`
	MaxAttempts     int             `db:"max_attempts" json:"max_attempts"`
	LastError       string          `db:"last_error" json:"last_error,omitempty"`
	LastAttemptedAt int64           `db:"last_attempted_at" json:"last_attempted_at,omitempty"`
	NextAttemptAt   int64           `db:"next_attempt_at" json:"next_attempt_at,omitempty"`
	CreatedAt       int64           `db:"created_at" json:"created_at"`
	UpdatedAt       int64           `db:"updated_at" json:"updated_at"`
	// Dispatched is set once the entry may have reached the remote.
	// Coalescing, retries and crash recovery never clear it.
	Dispatched bool `db:"dispatched" json:"dispatched,omitempty"`
}

// TableName returns the table name for SyncOperation.
func (SyncOperation) TableName() string {
	return "sync_queue"
}

// Key returns the coalescing key "entityType/entityId".
func (op *SyncOperation) Key() string {
	return string(op.EntityType) + "/" + op.EntityID
}

// OccurredAtTime returns OccurredAt as time.Time.
func (op *SyncOperation) OccurredAtTime() time.Time {
	return time.UnixMilli(op.OccurredAt)
}

// Validate checks the fields a caller must provide before enqueueing.
// Delete operations have their payload dropped.
func (op *SyncOperation) Validate() error {
	if !op.EntityType.Valid() {
		return apperrors.Newf(apperrors.ErrValidation, "unknown entity type %q", op.EntityType)
	}
	if strings.TrimSpace(op.EntityID) == "" {
		return apperrors.New(apperrors.ErrValidation, "entity id is required")
	}
	if !op.Kind.Valid() {
		return apperrors.Newf(apperrors.ErrValidation, "unknown operation kind %q", op.Kind)
	}

	switch op.Kind {
	case OperationDelete:
		op.Payload = nil
	default:
		if len(op.Payload) == 0 {
			return apperrors.Newf(apperrors.ErrValidation, "%s requires a payload", op.Kind)
		}
		if !json.Valid(op.Payload) {
			return apperrors.New(apperrors.ErrValidation, "payload is not valid JSON")
		}
	}
	return nil
}

// Terminal reports whether the operation will not be retried without
// explicit user action.
func (op *SyncOperation) Terminal() bool {
	return op.Status == StatusFailed
}
