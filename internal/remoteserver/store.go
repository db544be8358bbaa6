package remoteserver

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	stdsync "sync"

	"github.com/matchops/localsync/internal/db"
	"github.com/matchops/localsync/internal/models"
	"github.com/matchops/localsync/internal/sync/httpremote"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the remote store schema.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// Open opens (creating if needed) a remote store database at path.
func Open(path string) (*Store, *db.DB, error) {
	database, err := db.OpenWith(path, Migrations())
	if err != nil {
		return nil, nil, err
	}
	return NewStore(database.DB), database, nil
}

// WriteError is a rejected write with the HTTP status it maps to.
type WriteError struct {
	Status int
	Msg    string
	// UpdatedAt is the stored timestamp when Status is 409.
	UpdatedAt int64
}

func (e *WriteError) Error() string {
	return e.Msg
}

func stale(current *httpremote.EntityDocument, occurredAt int64) *WriteError {
	return &WriteError{
		Status:    http.StatusConflict,
		Msg:       fmt.Sprintf("remote copy updated at %d is newer than %d", current.UpdatedAt, occurredAt),
		UpdatedAt: current.UpdatedAt,
	}
}

// Store holds the authoritative entity copies and applies last-write-wins
// on every unforced write.
type Store struct {
	db *sql.DB
	mu stdsync.Mutex
}

// NewStore wraps a database that already has the remote schema.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Get returns the stored document or tombstone, or nil.
func (s *Store) Get(ctx context.Context, entityType models.EntityType, id string) (*httpremote.EntityDocument, error) {
	return get(ctx, s.db, entityType, id)
}

func get(ctx context.Context, q queryer, entityType models.EntityType, id string) (*httpremote.EntityDocument, error) {
	var (
		doc     httpremote.EntityDocument
		data    sql.NullString
		deleted int
	)
	err := q.QueryRowContext(ctx, `
		SELECT entity_type, entity_id, data, updated_at, deleted
		FROM remote_entities WHERE entity_type = ? AND entity_id = ?
	`, entityType, id).Scan(&doc.Type, &doc.ID, &data, &doc.UpdatedAt, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if data.Valid && data.String != "" {
		doc.Data = json.RawMessage(data.String)
	}
	doc.Deleted = deleted == 1
	return &doc, nil
}

// Write applies w to the entity. Unforced writes older than the stored copy
// fail with a 409 WriteError. Deleting an entity that is already deleted or
// was never stored succeeds.
func (s *Store) Write(ctx context.Context, entityType models.EntityType, id string, w httpremote.EntityWrite) (*httpremote.EntityDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	doc, err := write(ctx, tx, entityType, id, w)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	return doc, tx.Commit()
}

// ApplyBatch applies items of one entity type and reports them in order.
// With atomic set, the first rejected item rolls back the whole batch: it
// keeps its own status and every other item is reported StatusRolledBack.
// Otherwise every item is applied independently.
func (s *Store) ApplyBatch(ctx context.Context, entityType models.EntityType, items []httpremote.BatchItem, atomic bool) ([]httpremote.BatchItemResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	results := make([]httpremote.BatchItemResult, 0, len(items))
	for i, item := range items {
		// Savepoints keep a rejected item's partial writes out of the batch.
		sp := fmt.Sprintf("item_%d", i)
		if _, err := tx.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
			_ = tx.Rollback()
			return nil, err
		}

		result := httpremote.BatchItemResult{OperationID: item.OperationID, EntityID: item.EntityID, Status: http.StatusOK}
		doc, err := write(ctx, tx, entityType, item.EntityID, item.EntityWrite)
		var we *WriteError
		switch {
		case errors.As(err, &we):
			if atomic {
				_ = tx.Rollback()
				return rolledBack(items, i, we), nil
			}
			result.Status = we.Status
			result.Error = we.Msg
			result.UpdatedAt = we.UpdatedAt
			if _, err := tx.ExecContext(ctx, "ROLLBACK TO "+sp); err != nil {
				_ = tx.Rollback()
				return nil, err
			}
		case err != nil:
			_ = tx.Rollback()
			return nil, err
		default:
			result.UpdatedAt = doc.UpdatedAt
		}
		if _, err := tx.ExecContext(ctx, "RELEASE "+sp); err != nil {
			_ = tx.Rollback()
			return nil, err
		}
		results = append(results, result)
	}
	return results, tx.Commit()
}

func rolledBack(items []httpremote.BatchItem, rejected int, we *WriteError) []httpremote.BatchItemResult {
	results := make([]httpremote.BatchItemResult, len(items))
	for i, item := range items {
		results[i] = httpremote.BatchItemResult{
			OperationID: item.OperationID,
			EntityID:    item.EntityID,
			Status:      httpremote.StatusRolledBack,
			Error:       fmt.Sprintf("batch rolled back: %s rejected", items[rejected].EntityID),
		}
	}
	results[rejected].Status = we.Status
	results[rejected].Error = we.Msg
	results[rejected].UpdatedAt = we.UpdatedAt
	return results
}

func write(ctx context.Context, q queryer, entityType models.EntityType, id string, w httpremote.EntityWrite) (*httpremote.EntityDocument, error) {
	if err := validate(entityType, id, w); err != nil {
		return nil, err
	}

	current, err := get(ctx, q, entityType, id)
	if err != nil {
		return nil, err
	}

	switch {
	case w.Operation == models.OperationDelete && (current == nil || current.Deleted):
		if current != nil && current.UpdatedAt >= w.OccurredAt {
			return current, nil
		}
	case !w.Force && current != nil && current.UpdatedAt > w.OccurredAt:
		return nil, stale(current, w.OccurredAt)
	}

	doc := &httpremote.EntityDocument{
		Type:      entityType,
		ID:        id,
		UpdatedAt: w.OccurredAt,
		Deleted:   w.Operation == models.OperationDelete,
	}
	var data interface{}
	if !doc.Deleted {
		doc.Data = w.Data
		data = string(w.Data)
	}
	deleted := 0
	if doc.Deleted {
		deleted = 1
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO remote_entities (entity_type, entity_id, data, updated_at, deleted, last_operation_id)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at,
			deleted = excluded.deleted,
			last_operation_id = excluded.last_operation_id
	`, entityType, id, data, doc.UpdatedAt, deleted, w.OperationID)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func validate(entityType models.EntityType, id string, w httpremote.EntityWrite) error {
	switch {
	case !entityType.Valid():
		return &WriteError{Status: http.StatusBadRequest, Msg: fmt.Sprintf("unknown entity type %q", entityType)}
	case id == "":
		return &WriteError{Status: http.StatusBadRequest, Msg: "entity id is required"}
	case !w.Operation.Valid():
		return &WriteError{Status: http.StatusBadRequest, Msg: fmt.Sprintf("unknown operation %q", w.Operation)}
	case w.OccurredAt <= 0:
		return &WriteError{Status: http.StatusUnprocessableEntity, Msg: "occurred_at must be positive"}
	case w.Operation != models.OperationDelete && (len(w.Data) == 0 || !json.Valid(w.Data)):
		return &WriteError{Status: http.StatusUnprocessableEntity, Msg: "data must be a JSON document"}
	}
	return nil
}
