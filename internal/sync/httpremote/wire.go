package httpremote

import (
	"encoding/json"
	"net/http"

	"github.com/matchops/localsync/internal/models"
)

// Route templates shared with the reference server.
const (
	HealthPath   = "/healthz"
	EntitiesPath = "/api/v1/entities"
	BatchPath    = "/api/v1/batch"
)

// StatusRolledBack marks batch items that were valid but not committed
// because another item rejected an atomic batch.
const StatusRolledBack = http.StatusFailedDependency

// EntityWrite is the body of PUT and DELETE on an entity.
type EntityWrite struct {
	OperationID string               `json:"operation_id,omitempty"`
	Operation   models.OperationKind `json:"operation"`
	Data        json.RawMessage      `json:"data,omitempty"`
	OccurredAt  int64                `json:"occurred_at"`
	// Force skips the last-write-wins check.
	Force bool `json:"force,omitempty"`
}

// EntityDocument is the remote representation of an entity.
type EntityDocument struct {
	Type      models.EntityType `json:"type"`
	ID        string            `json:"id"`
	Data      json.RawMessage   `json:"data,omitempty"`
	UpdatedAt int64             `json:"updated_at"`
	Deleted   bool              `json:"deleted"`
}

// RemoteEntity converts the document into the sync model.
func (d *EntityDocument) RemoteEntity() *models.RemoteEntity {
	return &models.RemoteEntity{
		Entity: models.Entity{
			Type:      d.Type,
			ID:        d.ID,
			Data:      d.Data,
			UpdatedAt: d.UpdatedAt,
		},
		Deleted: d.Deleted,
	}
}

// BatchItem is one write inside a batch request.
type BatchItem struct {
	EntityID string `json:"entity_id"`
	EntityWrite
}

// BatchRequest carries writes for a single entity type. When Atomic is set
// the server applies all of them or none.
type BatchRequest struct {
	Atomic     bool        `json:"atomic,omitempty"`
	Operations []BatchItem `json:"operations"`
}

// BatchItemResult reports one write using HTTP status semantics.
type BatchItemResult struct {
	OperationID string `json:"operation_id"`
	EntityID    string `json:"entity_id"`
	Status      int    `json:"status"`
	Error       string `json:"error,omitempty"`
	UpdatedAt   int64  `json:"updated_at,omitempty"`
}

// BatchResponse lists results in request order. Atomic echoes that the
// server applied the batch all-or-nothing; servers that ignore the request
// flag leave it unset and report per-item results.
type BatchResponse struct {
	Atomic  bool              `json:"atomic,omitempty"`
	Results []BatchItemResult `json:"results"`
}

// ErrorBody is returned with every non-2xx response.
type ErrorBody struct {
	Error     string `json:"error"`
	UpdatedAt int64  `json:"updated_at,omitempty"`
}
