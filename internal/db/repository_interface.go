package db

import (
	"context"

	"github.com/matchops/localsync/internal/models"
)

// EntityStore is the Local Store surface the sync engine consumes.
type EntityStore interface {
	Get(ctx context.Context, entityType models.EntityType, id string) (*models.Entity, error)
	Save(ctx context.Context, e *models.Entity) error
	Delete(ctx context.Context, entityType models.EntityType, id string) error
	List(ctx context.Context, entityType models.EntityType) ([]*models.Entity, error)
}

// ConflictLogRepository defines operations for conflict log persistence.
type ConflictLogRepository interface {
	CreateConflictLog(ctx context.Context, log *models.ConflictLog) error
	ListConflictLogs(ctx context.Context, limit int) ([]*models.ConflictLog, error)
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ EntityStore           = (*Repository)(nil)
	_ ConflictLogRepository = (*Repository)(nil)
)
