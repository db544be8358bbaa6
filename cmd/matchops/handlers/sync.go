package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	apperrors "github.com/matchops/localsync/internal/errors"
	"github.com/matchops/localsync/internal/models"
	"github.com/matchops/localsync/internal/sync"
	"github.com/matchops/localsync/internal/sync/queue"
	"github.com/matchops/localsync/internal/telemetry"
)

// SyncController is the engine surface the admin API drives.
type SyncController interface {
	Start(ctx context.Context)
	Stop()
	Nudge()
	State() sync.State
	SyncNow(ctx context.Context) (*sync.PassResult, error)
	Refresh(ctx context.Context)
	Status() models.StatusSnapshot
	Stats(ctx context.Context) (models.QueueStats, error)
	RetryFailed(ctx context.Context) (int, error)
	DiscardFailed(ctx context.Context) (int, error)
	Clear(ctx context.Context) (int, error)
}

// QueueLister lists queue entries.
type QueueLister interface {
	List(ctx context.Context, f queue.Filter) ([]*models.SyncOperation, error)
}

// ConflictLister lists recorded conflict resolutions.
type ConflictLister interface {
	ListConflictLogs(ctx context.Context, limit int) ([]*models.ConflictLog, error)
}

// MetricsSource exposes sync counters.
type MetricsSource interface {
	Snapshot() telemetry.Snapshot
}

// PassBroadcaster is notified of passes run through the API.
type PassBroadcaster interface {
	BroadcastPassCompleted(result *sync.PassResult)
}

// SyncHandler serves /api/sync.
type SyncHandler struct {
	engine    SyncController
	queue     QueueLister
	conflicts ConflictLister
	metrics   MetricsSource
	wsHub     PassBroadcaster

	// baseCtx outlives requests; the engine started by /start runs on it.
	baseCtx context.Context
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(baseCtx context.Context, engine SyncController, q QueueLister, conflicts ConflictLister, metrics MetricsSource) *SyncHandler {
	return &SyncHandler{
		engine:    engine,
		queue:     q,
		conflicts: conflicts,
		metrics:   metrics,
		baseCtx:   baseCtx,
	}
}

// SetWebSocketHub sets the hub notified of passes run on request.
func (h *SyncHandler) SetWebSocketHub(hub PassBroadcaster) {
	h.wsHub = hub
}

// Register mounts the routes on r.
func (h *SyncHandler) Register(r *mux.Router) {
	s := r.PathPrefix("/api/sync").Subrouter()
	s.HandleFunc("/status", h.GetStatus).Methods(http.MethodGet)
	s.HandleFunc("/queue", h.ListQueue).Methods(http.MethodGet)
	s.HandleFunc("/conflicts", h.ListConflicts).Methods(http.MethodGet)
	s.HandleFunc("/metrics", h.GetMetrics).Methods(http.MethodGet)
	s.HandleFunc("/start", h.Start).Methods(http.MethodPost)
	s.HandleFunc("/stop", h.Stop).Methods(http.MethodPost)
	s.HandleFunc("/nudge", h.Nudge).Methods(http.MethodPost)
	s.HandleFunc("/run", h.Run).Methods(http.MethodPost)
	s.HandleFunc("/retry-failed", h.RetryFailed).Methods(http.MethodPost)
	s.HandleFunc("/discard-failed", h.DiscardFailed).Methods(http.MethodPost)
	s.HandleFunc("/clear", h.Clear).Methods(http.MethodPost)
}

// StatusResponse is the body of GET /api/sync/status.
type StatusResponse struct {
	models.StatusSnapshot
	Engine sync.State        `json:"engine"`
	Queue  models.QueueStats `json:"queue"`
}

// GetStatus handles GET /api/sync/status. The snapshot is re-derived so it
// reflects writes made while the engine is stopped.
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	h.engine.Refresh(r.Context())
	stats, err := h.engine.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		StatusSnapshot: h.engine.Status(),
		Engine:         h.engine.State(),
		Queue:          stats,
	})
}

// ListQueue handles GET /api/sync/queue?status=&type=&limit=
func (h *SyncHandler) ListQueue(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := queue.Filter{Limit: 100}
	if s := q.Get("status"); s != "" {
		f.Status = models.OperationStatus(s)
		switch f.Status {
		case models.StatusPending, models.StatusInFlight, models.StatusFailed:
		default:
			writeError(w, apperrors.Newf(apperrors.ErrValidation, "unknown status %q", s))
			return
		}
	}
	if t := q.Get("type"); t != "" {
		et, ok := models.ParseEntityType(t)
		if !ok {
			writeError(w, apperrors.Newf(apperrors.ErrValidation, "unknown entity type %q", t))
			return
		}
		f.EntityType = et
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil && limit > 0 && limit <= 1000 {
		f.Limit = limit
	}

	ops, err := h.queue.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	if ops == nil {
		ops = []*models.SyncOperation{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": ops, "total": len(ops)})
}

// ListConflicts handles GET /api/sync/conflicts?limit=
func (h *SyncHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 && n <= 1000 {
		limit = n
	}
	logs, err := h.conflicts.ListConflictLogs(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if logs == nil {
		logs = []*models.ConflictLog{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": logs, "total": len(logs)})
}

// GetMetrics handles GET /api/sync/metrics
func (h *SyncHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.metrics.Snapshot())
}

// Start handles POST /api/sync/start
func (h *SyncHandler) Start(w http.ResponseWriter, r *http.Request) {
	h.engine.Start(h.baseCtx)
	writeJSON(w, http.StatusOK, map[string]interface{}{"engine": h.engine.State()})
}

// Stop handles POST /api/sync/stop
func (h *SyncHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.engine.Stop()
	writeJSON(w, http.StatusOK, map[string]interface{}{"engine": h.engine.State()})
}

// Nudge handles POST /api/sync/nudge
func (h *SyncHandler) Nudge(w http.ResponseWriter, r *http.Request) {
	h.engine.Nudge()
	w.WriteHeader(http.StatusAccepted)
}

// Run handles POST /api/sync/run and returns the pass result.
func (h *SyncHandler) Run(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.SyncNow(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if h.wsHub != nil && result.Skipped == "" {
		h.wsHub.BroadcastPassCompleted(result)
	}
	writeJSON(w, http.StatusOK, result)
}

// RetryFailed handles POST /api/sync/retry-failed
func (h *SyncHandler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	h.count(w, r, h.engine.RetryFailed)
}

// DiscardFailed handles POST /api/sync/discard-failed
func (h *SyncHandler) DiscardFailed(w http.ResponseWriter, r *http.Request) {
	h.count(w, r, h.engine.DiscardFailed)
}

// Clear handles POST /api/sync/clear
func (h *SyncHandler) Clear(w http.ResponseWriter, r *http.Request) {
	h.count(w, r, h.engine.Clear)
}

func (h *SyncHandler) count(w http.ResponseWriter, r *http.Request, fn func(context.Context) (int, error)) {
	n, err := fn(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"count": n})
}
