// Package handlers provides the daemon's REST API: entity mutations through
// the local-first write path and sync administration.
package handlers

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/matchops/localsync/internal/errors"
	"github.com/matchops/localsync/internal/logging"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Warn("Failed to write response", map[string]interface{}{"error": err.Error()})
	}
}

// writeError maps an application error code onto an HTTP status.
func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case apperrors.ErrValidation, apperrors.ErrInvalid:
		status = http.StatusBadRequest
	case apperrors.ErrNotFound:
		status = http.StatusNotFound
	case apperrors.ErrSyncNotConfigured:
		status = http.StatusConflict
	case apperrors.ErrQueueStorage, apperrors.ErrDatabase:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		logging.Error("Request failed", err, nil)
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: string(code)})
}
