package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	apperrors "github.com/matchops/localsync/internal/errors"
	"github.com/matchops/localsync/internal/models"
)

// maxEntityBody caps a single entity document.
const maxEntityBody = 4 << 20

// EntityService is the local-first write path.
type EntityService interface {
	Get(ctx context.Context, entityType models.EntityType, id string) (*models.Entity, error)
	List(ctx context.Context, entityType models.EntityType) ([]*models.Entity, error)
	Save(ctx context.Context, entityType models.EntityType, id string, data json.RawMessage) (*models.Entity, error)
	Delete(ctx context.Context, entityType models.EntityType, id string) error
}

// EntityHandler serves /api/entities.
type EntityHandler struct {
	svc EntityService
}

// NewEntityHandler creates a new EntityHandler.
func NewEntityHandler(svc EntityService) *EntityHandler {
	return &EntityHandler{svc: svc}
}

// Register mounts the routes on r.
func (h *EntityHandler) Register(r *mux.Router) {
	r.HandleFunc("/api/entities/{type}", h.List).Methods(http.MethodGet)
	r.HandleFunc("/api/entities/{type}/{id}", h.Get).Methods(http.MethodGet)
	r.HandleFunc("/api/entities/{type}/{id}", h.Put).Methods(http.MethodPut)
	r.HandleFunc("/api/entities/{type}/{id}", h.Delete).Methods(http.MethodDelete)
}

func entityType(r *http.Request) (models.EntityType, error) {
	raw := mux.Vars(r)["type"]
	t, ok := models.ParseEntityType(raw)
	if !ok {
		return "", apperrors.Newf(apperrors.ErrValidation, "unknown entity type %q", raw)
	}
	return t, nil
}

func entityKey(r *http.Request) (models.EntityType, string, error) {
	t, err := entityType(r)
	if err != nil {
		return "", "", err
	}
	return t, mux.Vars(r)["id"], nil
}

// List handles GET /api/entities/{type}
func (h *EntityHandler) List(w http.ResponseWriter, r *http.Request) {
	t, err := entityType(r)
	if err != nil {
		writeError(w, err)
		return
	}
	items, err := h.svc.List(r.Context(), t)
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []*models.Entity{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"total": len(items),
	})
}

// Get handles GET /api/entities/{type}/{id}
func (h *EntityHandler) Get(w http.ResponseWriter, r *http.Request) {
	t, id, err := entityKey(r)
	if err != nil {
		writeError(w, err)
		return
	}
	e, err := h.svc.Get(r.Context(), t, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// Put handles PUT /api/entities/{type}/{id}. The body is the entity
// document itself.
func (h *EntityHandler) Put(w http.ResponseWriter, r *http.Request) {
	t, id, err := entityKey(r)
	if err != nil {
		writeError(w, err)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEntityBody+1))
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "failed to read body", err))
		return
	}
	if len(body) > maxEntityBody {
		writeError(w, apperrors.New(apperrors.ErrValidation, "entity document too large"))
		return
	}

	e, err := h.svc.Save(r.Context(), t, id, body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// Delete handles DELETE /api/entities/{type}/{id}
func (h *EntityHandler) Delete(w http.ResponseWriter, r *http.Request) {
	t, id, err := entityKey(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.svc.Delete(r.Context(), t, id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
