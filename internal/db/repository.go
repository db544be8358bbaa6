package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/matchops/localsync/internal/errors"
	"github.com/matchops/localsync/internal/models"
	"github.com/matchops/localsync/internal/uuid"
)

// Repository persists domain entities (the Local Store) and the conflict log.
type Repository struct {
	db *sql.DB

	// Prepared statements keyed by query text, prepared on first use.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

// =====================================================
// Entity Operations
// =====================================================

const (
	queryGetEntity = `SELECT entity_type, entity_id, data, updated_at
		FROM entities WHERE entity_type = ? AND entity_id = ?`
	queryUpsertEntity = `INSERT INTO entities (entity_type, entity_id, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at`
	queryDeleteEntity = `DELETE FROM entities WHERE entity_type = ? AND entity_id = ?`
	queryListEntities = `SELECT entity_type, entity_id, data, updated_at
		FROM entities WHERE entity_type = ? ORDER BY entity_id`
)

// Get returns the entity, or an ErrNotFound AppError.
func (r *Repository) Get(ctx context.Context, entityType models.EntityType, id string) (*models.Entity, error) {
	stmt, err := r.PrepareStmt(ctx, queryGetEntity)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "prepare get entity", err)
	}

	var e models.Entity
	var data string
	err = stmt.QueryRowContext(ctx, string(entityType), id).Scan(&e.Type, &e.ID, &data, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "%s %q not found", entityType, id)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "get entity", err)
	}
	e.Data = []byte(data)
	return &e, nil
}

// Save inserts or replaces the entity. A zero UpdatedAt is stamped with now.
func (r *Repository) Save(ctx context.Context, e *models.Entity) error {
	if !e.Type.Valid() || e.ID == "" {
		return apperrors.Newf(apperrors.ErrValidation, "invalid entity key %s/%q", e.Type, e.ID)
	}
	if e.UpdatedAt == 0 {
		e.UpdatedAt = time.Now().UnixMilli()
	}

	stmt, err := r.PrepareStmt(ctx, queryUpsertEntity)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "prepare save entity", err)
	}
	if _, err := stmt.ExecContext(ctx, string(e.Type), e.ID, string(e.Data), e.UpdatedAt); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "save entity", err)
	}
	return nil
}

// Delete removes the entity. Deleting a missing entity is not an error.
func (r *Repository) Delete(ctx context.Context, entityType models.EntityType, id string) error {
	stmt, err := r.PrepareStmt(ctx, queryDeleteEntity)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "prepare delete entity", err)
	}
	if _, err := stmt.ExecContext(ctx, string(entityType), id); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "delete entity", err)
	}
	return nil
}

// List returns every entity of a type ordered by id.
func (r *Repository) List(ctx context.Context, entityType models.EntityType) ([]*models.Entity, error) {
	stmt, err := r.PrepareStmt(ctx, queryListEntities)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "prepare list entities", err)
	}

	rows, err := stmt.QueryContext(ctx, string(entityType))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list entities", err)
	}
	defer rows.Close()

	var out []*models.Entity
	for rows.Next() {
		var e models.Entity
		var data string
		if err := rows.Scan(&e.Type, &e.ID, &data, &e.UpdatedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan entity", err)
		}
		e.Data = []byte(data)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// =====================================================
// ConflictLog Operations
// =====================================================

// CreateConflictLog records a resolved conflict.
func (r *Repository) CreateConflictLog(ctx context.Context, log *models.ConflictLog) error {
	if log.ID == "" {
		log.ID = uuid.New()
	}
	if log.DetectedAt == 0 {
		log.DetectedAt = time.Now().UnixMilli()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO conflict_log (id, operation_id, entity_type, entity_id, local_timestamp, remote_timestamp, resolution, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ID, log.OperationID, string(log.EntityType), log.EntityID,
		log.LocalTimestamp, log.RemoteTimestamp, string(log.Resolution), log.DetectedAt,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "create conflict log", err)
	}
	return nil
}

// ListConflictLogs returns the most recent conflict resolutions first.
func (r *Repository) ListConflictLogs(ctx context.Context, limit int) ([]*models.ConflictLog, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, operation_id, entity_type, entity_id, local_timestamp, remote_timestamp, resolution, detected_at
		FROM conflict_log ORDER BY detected_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list conflict logs", err)
	}
	defer rows.Close()

	var out []*models.ConflictLog
	for rows.Next() {
		var c models.ConflictLog
		if err := rows.Scan(&c.ID, &c.OperationID, &c.EntityType, &c.EntityID,
			&c.LocalTimestamp, &c.RemoteTimestamp, &c.Resolution, &c.DetectedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan conflict log", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
