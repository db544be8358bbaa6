// Package sync drives queued local mutations to a remote store: the remote
// contract, failure classification and the background engine.
package sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	apperrors "github.com/matchops/localsync/internal/errors"
	"github.com/matchops/localsync/internal/models"
)

// FailureKind classifies a failed remote call.
type FailureKind string

const (
	// KindTransient covers network errors, timeouts and busy servers.
	// Retried with backoff.
	KindTransient FailureKind = "transient"
	// KindConflict means the remote changed after the operation's
	// occurredAt. Resolved by last-write-wins, never retried as-is.
	KindConflict FailureKind = "conflict"
	// KindPermanent covers validation and authorization failures.
	// Terminal until the user retries or discards.
	KindPermanent FailureKind = "permanent"
)

// Failure is the typed error a RemoteStore returns.
type Failure struct {
	Kind FailureKind
	// StatusCode is the remote status, when the transport has one.
	StatusCode int
	Err        error
}

func (f *Failure) Error() string {
	if f.StatusCode != 0 {
		return fmt.Sprintf("%s failure (status %d): %v", f.Kind, f.StatusCode, f.Err)
	}
	return fmt.Sprintf("%s failure: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Transient wraps err as a retryable failure.
func Transient(err error) *Failure { return &Failure{Kind: KindTransient, Err: err} }

// Conflict wraps err as a conflict failure.
func Conflict(err error) *Failure { return &Failure{Kind: KindConflict, Err: err} }

// Permanent wraps err as a terminal failure.
func Permanent(err error) *Failure { return &Failure{Kind: KindPermanent, Err: err} }

// FailureForStatus classifies an HTTP status returned by a remote:
// 409 and 412 are conflicts, other 4xx are permanent except 408, 424, 425
// and 429, which are transient along with every 5xx.
func FailureForStatus(code int, err error) *Failure {
	kind := KindTransient
	switch {
	case code == http.StatusConflict, code == http.StatusPreconditionFailed:
		kind = KindConflict
	case code == http.StatusRequestTimeout, code == http.StatusFailedDependency,
		code == http.StatusTooEarly, code == http.StatusTooManyRequests:
		kind = KindTransient
	case code >= 400 && code < 500:
		kind = KindPermanent
	}
	return &Failure{Kind: kind, StatusCode: code, Err: err}
}

// Classify returns the failure kind of err. Errors that carry no
// classification are treated as transient so they are retried, never lost.
func Classify(err error) FailureKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	case apperrors.Is(err, apperrors.ErrSyncConflict):
		return KindConflict
	case apperrors.Is(err, apperrors.ErrSyncPermanent),
		apperrors.Is(err, apperrors.ErrSyncAuthFailed),
		apperrors.Is(err, apperrors.ErrValidation):
		return KindPermanent
	}
	return KindTransient
}

// Outcome tags the result of delivering one operation.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeTransient Outcome = Outcome(KindTransient)
	OutcomeConflict  Outcome = Outcome(KindConflict)
	OutcomePermanent Outcome = Outcome(KindPermanent)
)

// ItemResult is the per-operation result of a batch delivery.
type ItemResult struct {
	OperationID string  `json:"operation_id"`
	Outcome     Outcome `json:"outcome"`
	Err         error   `json:"-"`
}

// ResultFor builds the ItemResult for a delivery that returned err.
func ResultFor(operationID string, err error) ItemResult {
	if err == nil {
		return ItemResult{OperationID: operationID, Outcome: OutcomeSuccess}
	}
	return ItemResult{OperationID: operationID, Outcome: Outcome(Classify(err)), Err: err}
}

// RemoteStore is the remote backend contract.
type RemoteStore interface {
	// Apply performs op's mutation. It returns a conflict Failure when the
	// remote copy was updated after op.OccurredAt.
	Apply(ctx context.Context, op *models.SyncOperation) error

	// Overwrite performs op's mutation unconditionally.
	Overwrite(ctx context.Context, op *models.SyncOperation) error

	// Fetch returns the remote copy, a tombstone, or nil when the remote
	// has never seen the entity.
	Fetch(ctx context.Context, entityType models.EntityType, id string) (*models.RemoteEntity, error)
}

// BatchRemoteStore can deliver several operations of one entity type in a
// single request. A returned error fails the whole batch; otherwise there is
// one ItemResult per operation.
type BatchRemoteStore interface {
	RemoteStore
	ApplyBatch(ctx context.Context, entityType models.EntityType, ops []*models.SyncOperation) ([]ItemResult, error)
}

// LocalStore is the on-device entity store.
type LocalStore interface {
	Get(ctx context.Context, entityType models.EntityType, id string) (*models.Entity, error)
	Save(ctx context.Context, e *models.Entity) error
	Delete(ctx context.Context, entityType models.EntityType, id string) error
	List(ctx context.Context, entityType models.EntityType) ([]*models.Entity, error)
}
