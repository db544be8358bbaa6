// Package queue provides the durable sync queue: one row per outstanding
// mutation, coalesced per entity and retried with exponential backoff.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "github.com/matchops/localsync/internal/errors"
	"github.com/matchops/localsync/internal/logging"
	"github.com/matchops/localsync/internal/models"
	"github.com/matchops/localsync/internal/uuid"
)

// Clock returns the current time. Tests inject a fake one.
type Clock func() time.Time

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the time source.
func WithClock(c Clock) Option {
	return func(q *Queue) { q.now = c }
}

// WithConfig overrides the retry and coalescing tunables.
func WithConfig(cfg Config) Option {
	return func(q *Queue) { q.cfg = cfg.withDefaults() }
}

// Queue is a SQLite-backed sync queue. All mutating calls run in a single
// transaction each, so a batch transition is never observed half-applied.
type Queue struct {
	db  *sql.DB
	cfg Config
	now Clock

	// Serializes mutating transactions on top of SQLite's own locking.
	mu sync.Mutex
}

// New creates a Queue over an opened, migrated database.
func New(db *sql.DB, opts ...Option) *Queue {
	q := &Queue{
		db:  db,
		cfg: DefaultConfig(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Config returns the active tunables.
func (q *Queue) Config() Config {
	return q.cfg
}

// Batch is a group of eligible operations sharing one entity type.
type Batch struct {
	EntityType models.EntityType
	Operations []*models.SyncOperation
}

// IDs returns the operation ids in the batch.
func (b Batch) IDs() []string {
	ids := make([]string, len(b.Operations))
	for i, op := range b.Operations {
		ids[i] = op.ID
	}
	return ids
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status     models.OperationStatus
	EntityType models.EntityType
	Limit      int
}

const selectColumns = `id, entity_type, entity_id, operation_kind, payload, occurred_at,
	status, attempt_count, max_attempts, last_error, last_attempted_at,
	next_attempt_at, created_at, updated_at, dispatched`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOperation(row rowScanner) (*models.SyncOperation, error) {
	var op models.SyncOperation
	var payload sql.NullString
	err := row.Scan(&op.ID, &op.EntityType, &op.EntityID, &op.Kind, &payload, &op.OccurredAt,
		&op.Status, &op.AttemptCount, &op.MaxAttempts, &op.LastError, &op.LastAttemptedAt,
		&op.NextAttemptAt, &op.CreatedAt, &op.UpdatedAt, &op.Dispatched)
	if err != nil {
		return nil, err
	}
	if payload.Valid {
		op.Payload = []byte(payload.String)
	}
	return &op, nil
}

func nullPayload(op *models.SyncOperation) sql.NullString {
	if len(op.Payload) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(op.Payload), Valid: true}
}

func storageErr(message string, err error) error {
	return apperrors.Wrap(apperrors.ErrQueueStorage, message, err)
}

// inTx runs fn inside a serialized transaction.
func (q *Queue) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("failed to begin queue transaction", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("failed to commit queue transaction", err)
	}
	return nil
}

// =====================================================
// Enqueue
// =====================================================

// Enqueue inserts op or coalesces it into the waiting (pending or failed)
// entry for the same entity, returning the id of the entry that now carries
// the write. An empty id means the write cancelled a never-sent create.
// Storage failures are returned as ErrQueueStorage and never swallowed.
func (q *Queue) Enqueue(ctx context.Context, op *models.SyncOperation) (string, error) {
	if op == nil {
		return "", apperrors.New(apperrors.ErrValidation, "operation is required")
	}
	if err := op.Validate(); err != nil {
		return "", err
	}

	now := q.now().UnixMilli()
	if op.OccurredAt <= 0 {
		op.OccurredAt = now
	}

	var resultID string
	err := q.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := scanOperation(tx.QueryRowContext(ctx,
			`SELECT `+selectColumns+` FROM sync_queue
			WHERE entity_type = ? AND entity_id = ? AND status <> ?`,
			op.EntityType, op.EntityID, models.StatusInFlight))
		if errors.Is(err, sql.ErrNoRows) {
			// A write racing an in-flight entry inherits its dispatch.
			if op.Dispatched, err = hasInFlightEntry(ctx, tx, op); err != nil {
				return err
			}
			resultID, err = q.insert(ctx, tx, op, now)
			return err
		}
		if err != nil {
			return storageErr("failed to look up queued operation", err)
		}

		if q.cancelsCreate(existing, op) {
			if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, existing.ID); err != nil {
				return storageErr("failed to cancel queued create", err)
			}
			logging.Info("Queued create cancelled by delete", map[string]interface{}{
				"entity_type":  op.EntityType,
				"entity_id":    op.EntityID,
				"operation_id": existing.ID,
			})
			resultID = ""
			return nil
		}

		resultID, err = q.replace(ctx, tx, existing, op, now)
		return err
	})
	if err != nil {
		logging.ErrorWithCode("Failed to enqueue operation", string(apperrors.CodeOf(err)), err, map[string]interface{}{
			"entity_type": op.EntityType,
			"entity_id":   op.EntityID,
			"kind":        op.Kind,
		})
		return "", err
	}
	return resultID, nil
}

// cancelsCreate reports whether a delete annihilates a create that no remote
// has ever seen. A create that was ever dispatched may have committed
// remotely, even if it failed or timed out, so the delete must be sent.
func (q *Queue) cancelsCreate(existing, op *models.SyncOperation) bool {
	return q.cfg.CoalesceCreateDelete &&
		op.Kind == models.OperationDelete &&
		existing.Kind == models.OperationCreate &&
		!existing.Dispatched
}

func (q *Queue) insert(ctx context.Context, tx *sql.Tx, op *models.SyncOperation, now int64) (string, error) {
	if op.ID == "" || !uuid.IsValid(op.ID) {
		op.ID = uuid.New()
	}
	if op.MaxAttempts <= 0 {
		op.MaxAttempts = q.cfg.MaxAttempts
	}
	op.Status = models.StatusPending
	op.AttemptCount = 0
	op.LastError = ""
	op.LastAttemptedAt = 0
	op.NextAttemptAt = 0
	op.CreatedAt = now
	op.UpdatedAt = now

	_, err := tx.ExecContext(ctx, `INSERT INTO sync_queue (`+selectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.EntityType, op.EntityID, op.Kind, nullPayload(op), op.OccurredAt,
		op.Status, op.AttemptCount, op.MaxAttempts, op.LastError, op.LastAttemptedAt,
		op.NextAttemptAt, op.CreatedAt, op.UpdatedAt, op.Dispatched)
	if err != nil {
		return "", storageErr("failed to insert queued operation", err)
	}

	logging.Debug("Operation enqueued", map[string]interface{}{
		"operation_id": op.ID,
		"entity_type":  op.EntityType,
		"entity_id":    op.EntityID,
		"kind":         op.Kind,
	})
	return op.ID, nil
}

// replace overwrites the waiting entry in place. The newest payload wins,
// occurredAt never moves backwards and the retry budget starts over. The
// dispatched marker is kept.
func (q *Queue) replace(ctx context.Context, tx *sql.Tx, existing, op *models.SyncOperation, now int64) (string, error) {
	kind := op.Kind
	if existing.Kind == models.OperationCreate && op.Kind == models.OperationUpdate {
		kind = models.OperationCreate
	}
	occurredAt := op.OccurredAt
	if existing.OccurredAt > occurredAt {
		occurredAt = existing.OccurredAt
	}
	maxAttempts := op.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.MaxAttempts
	}

	_, err := tx.ExecContext(ctx, `UPDATE sync_queue SET
			operation_kind = ?, payload = ?, occurred_at = ?, status = ?,
			attempt_count = 0, max_attempts = ?, last_error = '',
			last_attempted_at = 0, next_attempt_at = 0, updated_at = ?
		WHERE id = ?`,
		kind, nullPayload(op), occurredAt, models.StatusPending, maxAttempts, now, existing.ID)
	if err != nil {
		return "", storageErr("failed to coalesce queued operation", err)
	}

	op.ID = existing.ID
	op.Kind = kind
	op.OccurredAt = occurredAt
	op.Status = models.StatusPending
	op.AttemptCount = 0
	op.MaxAttempts = maxAttempts
	op.Dispatched = existing.Dispatched
	op.CreatedAt = existing.CreatedAt
	op.UpdatedAt = now

	logging.Debug("Operation coalesced", map[string]interface{}{
		"operation_id":  existing.ID,
		"entity_type":   op.EntityType,
		"entity_id":     op.EntityID,
		"previous_kind": existing.Kind,
		"kind":          kind,
	})
	return existing.ID, nil
}

// =====================================================
// Reads
// =====================================================

// GetPending returns up to limit pending entries whose backoff has elapsed,
// oldest occurredAt first.
func (q *Queue) GetPending(ctx context.Context, limit int) ([]*models.SyncOperation, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := q.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM sync_queue
		WHERE status = ? AND next_attempt_at <= ?
		ORDER BY occurred_at, created_at
		LIMIT ?`, models.StatusPending, q.now().UnixMilli(), limit)
	if err != nil {
		return nil, storageErr("failed to query pending operations", err)
	}
	return collect(rows)
}

// GetPendingBatched returns eligible pending entries grouped by entity type,
// at most maxPerType per group and at most limit overall (limit <= 0 means no
// overall cap). Groups are ordered by their oldest entry.
func (q *Queue) GetPendingBatched(ctx context.Context, maxPerType, limit int) ([]Batch, error) {
	if maxPerType <= 0 {
		return nil, nil
	}
	query := `SELECT ` + selectColumns + ` FROM (
			SELECT *, ROW_NUMBER() OVER (
				PARTITION BY entity_type ORDER BY occurred_at, created_at
			) AS type_rank
			FROM sync_queue
			WHERE status = ? AND next_attempt_at <= ?
		)
		WHERE type_rank <= ?
		ORDER BY occurred_at, created_at`
	args := []interface{}{models.StatusPending, q.now().UnixMilli(), maxPerType}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("failed to query pending batches", err)
	}
	ops, err := collect(rows)
	if err != nil {
		return nil, err
	}

	var batches []Batch
	index := make(map[models.EntityType]int)
	for _, op := range ops {
		i, ok := index[op.EntityType]
		if !ok {
			i = len(batches)
			index[op.EntityType] = i
			batches = append(batches, Batch{EntityType: op.EntityType})
		}
		batches[i].Operations = append(batches[i].Operations, op)
	}
	return batches, nil
}

// Get returns one entry by id, or an ErrNotFound AppError.
func (q *Queue) Get(ctx context.Context, id string) (*models.SyncOperation, error) {
	op, err := scanOperation(q.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM sync_queue WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "queued operation %s not found", id)
	}
	if err != nil {
		return nil, storageErr("failed to read queued operation", err)
	}
	return op, nil
}

// LatestStamp returns the newest occurredAt queued for the entity in any
// state, or 0 when nothing is queued for it.
func (q *Queue) LatestStamp(ctx context.Context, entityType models.EntityType, entityID string) (int64, error) {
	var stamp int64
	err := q.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(occurred_at), 0) FROM sync_queue WHERE entity_type = ? AND entity_id = ?`,
		entityType, entityID).Scan(&stamp)
	if err != nil {
		return 0, storageErr("failed to read queued stamp", err)
	}
	return stamp, nil
}

// List returns entries matching f, oldest occurredAt first.
func (q *Queue) List(ctx context.Context, f Filter) ([]*models.SyncOperation, error) {
	var where []string
	var args []interface{}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, f.EntityType)
	}

	query := `SELECT ` + selectColumns + ` FROM sync_queue`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY occurred_at, created_at"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("failed to list queued operations", err)
	}
	return collect(rows)
}

// GetStats returns per-status counts.
func (q *Queue) GetStats(ctx context.Context) (models.QueueStats, error) {
	var stats models.QueueStats
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return stats, storageErr("failed to query queue stats", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status models.OperationStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return stats, storageErr("failed to scan queue stats", err)
		}
		switch status {
		case models.StatusPending:
			stats.Pending = n
		case models.StatusInFlight:
			stats.InFlight = n
		case models.StatusFailed:
			stats.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return stats, storageErr("failed to iterate queue stats", err)
	}
	return stats, nil
}

// NextEligibleAt returns the earliest next_attempt_at among pending entries,
// or zero when nothing is pending.
func (q *Queue) NextEligibleAt(ctx context.Context) (time.Time, error) {
	var next sql.NullInt64
	err := q.db.QueryRowContext(ctx,
		`SELECT MIN(next_attempt_at) FROM sync_queue WHERE status = ?`, models.StatusPending).Scan(&next)
	if err != nil {
		return time.Time{}, storageErr("failed to query next eligible time", err)
	}
	if !next.Valid {
		return time.Time{}, nil
	}
	return time.UnixMilli(next.Int64), nil
}

func collect(rows *sql.Rows) ([]*models.SyncOperation, error) {
	defer rows.Close()
	var ops []*models.SyncOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, storageErr("failed to scan queued operation", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("failed to iterate queued operations", err)
	}
	return ops, nil
}

// =====================================================
// Batch transitions
// =====================================================

// MarkInFlight claims the given pending entries and returns them as stored at
// claim time. Ids that are no longer pending are skipped, so a racing pass
// can never send the same entry twice.
func (q *Queue) MarkInFlight(ctx context.Context, ids []string) ([]*models.SyncOperation, error) {
	var claimed []*models.SyncOperation
	now := q.now().UnixMilli()

	err := q.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			res, err := tx.ExecContext(ctx, `UPDATE sync_queue
				SET status = ?, dispatched = 1, last_attempted_at = ?, updated_at = ?
				WHERE id = ? AND status = ?`,
				models.StatusInFlight, now, now, id, models.StatusPending)
			if err != nil {
				return storageErr("failed to mark operation in flight", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}
			op, err := scanOperation(tx.QueryRowContext(ctx,
				`SELECT `+selectColumns+` FROM sync_queue WHERE id = ?`, id))
			if err != nil {
				return storageErr("failed to read claimed operation", err)
			}
			claimed = append(claimed, op)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkCompleted removes the given entries.
func (q *Queue) MarkCompleted(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return q.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
				return storageErr("failed to complete operation", err)
			}
		}
		logging.Debug("Operations completed", map[string]interface{}{"count": len(ids)})
		return nil
	})
}

// Release returns claimed entries to pending without counting an attempt.
// Used for entries claimed but never sent. Superseded entries are dropped.
func (q *Queue) Release(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	nowMs := q.now().UnixMilli()
	return q.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			op, err := scanOperation(tx.QueryRowContext(ctx,
				`SELECT `+selectColumns+` FROM sync_queue WHERE id = ? AND status = ?`, id, models.StatusInFlight))
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return storageErr("failed to read released operation", err)
			}
			superseded, err := hasWaitingEntry(ctx, tx, op)
			if err != nil {
				return err
			}
			query := `UPDATE sync_queue SET status = ?, updated_at = ? WHERE id = ?`
			args := []interface{}{models.StatusPending, nowMs, id}
			if superseded {
				query = `DELETE FROM sync_queue WHERE id = ?`
				args = []interface{}{id}
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return storageErr("failed to release operation", err)
			}
		}
		return nil
	})
}

// MarkFailed records a failed attempt for each entry: the attempt count is
// incremented and the entry returns to pending with a backoff, or becomes
// terminally failed once its attempts are exhausted. An in-flight entry that
// has since been superseded by a newer write is dropped instead.
func (q *Queue) MarkFailed(ctx context.Context, ids []string, cause error) error {
	return q.fail(ctx, ids, cause, false)
}

// MarkTerminal marks the given entries failed without further retries.
func (q *Queue) MarkTerminal(ctx context.Context, ids []string, cause error) error {
	return q.fail(ctx, ids, cause, true)
}

func (q *Queue) fail(ctx context.Context, ids []string, cause error, terminal bool) error {
	if len(ids) == 0 {
		return nil
	}
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	now := q.now()
	nowMs := now.UnixMilli()

	return q.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			op, err := scanOperation(tx.QueryRowContext(ctx,
				`SELECT `+selectColumns+` FROM sync_queue WHERE id = ?`, id))
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return storageErr("failed to read failed operation", err)
			}

			superseded, err := hasWaitingEntry(ctx, tx, op)
			if err != nil {
				return err
			}
			if superseded {
				if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
					return storageErr("failed to drop superseded operation", err)
				}
				logging.Debug("Superseded operation dropped after failure", map[string]interface{}{
					"operation_id": id,
					"entity_type":  op.EntityType,
					"entity_id":    op.EntityID,
				})
				continue
			}

			attempts := op.AttemptCount + 1
			status := models.StatusPending
			next := nowMs + q.cfg.Backoff(op.AttemptCount).Milliseconds()
			if terminal || attempts >= op.MaxAttempts {
				status = models.StatusFailed
				next = 0
			}

			_, err = tx.ExecContext(ctx, `UPDATE sync_queue SET
					status = ?, attempt_count = ?, last_error = ?,
					last_attempted_at = ?, next_attempt_at = ?, updated_at = ?
				WHERE id = ?`,
				status, attempts, message, nowMs, next, nowMs, id)
			if err != nil {
				return storageErr("failed to record operation failure", err)
			}

			ctxFields := map[string]interface{}{
				"operation_id": id,
				"entity_type":  op.EntityType,
				"entity_id":    op.EntityID,
				"attempt":      attempts,
				"max_attempts": op.MaxAttempts,
				"error":        message,
			}
			if status == models.StatusFailed {
				logging.Warn("Operation failed permanently", ctxFields)
			} else {
				ctxFields["retry_in_ms"] = next - nowMs
				logging.Debug("Operation scheduled for retry", ctxFields)
			}
		}
		return nil
	})
}

// hasWaitingEntry reports whether a newer pending or failed entry exists for
// the same entity as op.
func hasWaitingEntry(ctx context.Context, tx *sql.Tx, op *models.SyncOperation) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue
		WHERE entity_type = ? AND entity_id = ? AND status <> ? AND id <> ?`,
		op.EntityType, op.EntityID, models.StatusInFlight, op.ID).Scan(&n)
	if err != nil {
		return false, storageErr("failed to check for newer queued write", err)
	}
	return n > 0, nil
}

// hasInFlightEntry reports whether an entry for op's entity is in flight.
func hasInFlightEntry(ctx context.Context, tx *sql.Tx, op *models.SyncOperation) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue
		WHERE entity_type = ? AND entity_id = ? AND status = ?`,
		op.EntityType, op.EntityID, models.StatusInFlight).Scan(&n)
	if err != nil {
		return false, storageErr("failed to check for in-flight write", err)
	}
	return n > 0, nil
}

// =====================================================
// Administration
// =====================================================

// RecoverInFlight returns entries left in flight by an interrupted process
// to pending. Where a newer write is already waiting, the stale entry is
// dropped. Attempt counts are left unchanged.
func (q *Queue) RecoverInFlight(ctx context.Context) (int, error) {
	recovered := 0
	nowMs := q.now().UnixMilli()

	err := q.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+selectColumns+` FROM sync_queue
			WHERE status = ? ORDER BY occurred_at DESC, created_at DESC`, models.StatusInFlight)
		if err != nil {
			return storageErr("failed to query in-flight operations", err)
		}
		stranded, err := collect(rows)
		if err != nil {
			return err
		}

		for _, op := range stranded {
			superseded, err := hasWaitingEntry(ctx, tx, op)
			if err != nil {
				return err
			}
			if superseded {
				if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, op.ID); err != nil {
					return storageErr("failed to drop stranded operation", err)
				}
				continue
			}
			if _, err := tx.ExecContext(ctx, `UPDATE sync_queue SET status = ?, updated_at = ? WHERE id = ?`,
				models.StatusPending, nowMs, op.ID); err != nil {
				return storageErr("failed to recover in-flight operation", err)
			}
			recovered++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if recovered > 0 {
		logging.Info("Recovered in-flight operations", map[string]interface{}{"count": recovered})
	}
	return recovered, nil
}

// RetryFailed resets terminally failed entries to pending with a fresh retry
// budget and returns how many were reset. The dispatched marker is kept.
func (q *Queue) RetryFailed(ctx context.Context) (int, error) {
	nowMs := q.now().UnixMilli()
	return q.execCount(ctx, "Reset failed operations for retry",
		`UPDATE sync_queue SET status = ?, attempt_count = 0, last_error = '',
			next_attempt_at = 0, updated_at = ?
		WHERE status = ?`,
		models.StatusPending, nowMs, models.StatusFailed)
}

// DiscardFailed deletes terminally failed entries and returns how many were
// removed.
func (q *Queue) DiscardFailed(ctx context.Context) (int, error) {
	return q.execCount(ctx, "Discarded failed operations",
		`DELETE FROM sync_queue WHERE status = ?`, models.StatusFailed)
}

// Clear empties the queue.
func (q *Queue) Clear(ctx context.Context) (int, error) {
	return q.execCount(ctx, "Queue cleared", `DELETE FROM sync_queue`)
}

func (q *Queue) execCount(ctx context.Context, message, query string, args ...interface{}) (int, error) {
	var count int64
	err := q.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return storageErr(fmt.Sprintf("queue update failed (%s)", strings.ToLower(message)), err)
		}
		count, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	if count > 0 {
		logging.Info(message, map[string]interface{}{"count": count})
	}
	return int(count), nil
}
