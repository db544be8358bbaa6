package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/matchops/localsync/internal/errors"
	"github.com/matchops/localsync/internal/models"
	"github.com/matchops/localsync/internal/sync"
	"github.com/matchops/localsync/internal/sync/queue"
	"github.com/matchops/localsync/internal/telemetry"
)

type fakeController struct {
	state     sync.State
	nudges    int
	refreshes int
	result    *sync.PassResult
	runErr    error
	stats     models.QueueStats
	retried   int
	cleared   int
}

func (f *fakeController) Start(context.Context) { f.state = sync.StateIdle }
func (f *fakeController) Stop() { f.state = sync.StateStopped }
func (f *fakeController) Nudge() { f.nudges++ }
func (f *fakeController) Refresh(context.Context) { f.refreshes++ }
func (f *fakeController) State() sync.State { return f.state }
func (f *fakeController) Status() models.StatusSnapshot {
	return models.StatusSnapshot{State: models.SyncStatePending, PendingCount: f.stats.Outstanding(), IsOnline: true}
}
func (f *fakeController) SyncNow(context.Context) (*sync.PassResult, error) { return f.result, f.runErr }
func (f *fakeController) Stats(context.Context) (models.QueueStats, error) { return f.stats, nil }
func (f *fakeController) RetryFailed(context.Context) (int, error) { return f.retried, nil }
func (f *fakeController) DiscardFailed(context.Context) (int, error) { return 0, nil }
func (f *fakeController) Clear(context.Context) (int, error) { return f.cleared, nil }

type fakeQueue struct {
	filters []queue.Filter
	ops     []*models.SyncOperation
}

func (f *fakeQueue) List(_ context.Context, filter queue.Filter) ([]*models.SyncOperation, error) {
	f.filters = append(f.filters, filter)
	return f.ops, nil
}

type fakeConflicts struct {
	limit int
}

func (f *fakeConflicts) ListConflictLogs(_ context.Context, limit int) ([]*models.ConflictLog, error) {
	f.limit = limit
	return nil, nil
}

type recordingHub struct {
	passes []*sync.PassResult
}

func (h *recordingHub) BroadcastPassCompleted(result *sync.PassResult) {
	h.passes = append(h.passes, result)
}

func setupSyncRouter(t *testing.T) (*mux.Router, *fakeController, *fakeQueue, *fakeConflicts, *recordingHub) {
	t.Helper()
	ctrl := &fakeController{state: sync.StateStopped}
	q := &fakeQueue{}
	conflicts := &fakeConflicts{}
	hub := &recordingHub{}

	counters := telemetry.NewCounters()
	counters.RecordCount(telemetry.PassesSkipped, 2)

	h := NewSyncHandler(context.Background(), ctrl, q, conflicts, counters)
	h.SetWebSocketHub(hub)

	r := mux.NewRouter()
	h.Register(r)
	return r, ctrl, q, conflicts, hub
}

func TestSyncHandler_Status(t *testing.T) {
	r, ctrl, _, _, _ := setupSyncRouter(t)
	ctrl.stats = models.QueueStats{Pending: 3, InFlight: 1, Failed: 0}

	w := serve(r, http.MethodGet, "/api/sync/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp StatusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, sync.StateStopped, resp.Engine)
	assert.Equal(t, 4, resp.PendingCount)
	assert.Equal(t, 3, resp.Queue.Pending)
	assert.Equal(t, 1, ctrl.refreshes)
}

func TestSyncHandler_Lifecycle(t *testing.T) {
	r, ctrl, _, _, _ := setupSyncRouter(t)

	w := serve(r, http.MethodPost, "/api/sync/start", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, sync.StateIdle, ctrl.state)

	w = serve(r, http.MethodPost, "/api/sync/nudge", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, ctrl.nudges)

	w = serve(r, http.MethodPost, "/api/sync/stop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"stopped"`)

	w = serve(r, http.MethodGet, "/api/sync/start", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestSyncHandler_Run(t *testing.T) {
	r, ctrl, _, _, hub := setupSyncRouter(t)

	ctrl.result = &sync.PassResult{Batches: 1, Delivered: 2, Duration: time.Millisecond}
	w := serve(r, http.MethodPost, "/api/sync/run", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var result sync.PassResult
	require.NoError(t, json.NewDecoder(w.Body).Decode(&result))
	assert.Equal(t, 2, result.Delivered)
	require.Len(t, hub.passes, 1)

	ctrl.result = &sync.PassResult{Skipped: sync.SkipOffline}
	w = serve(r, http.MethodPost, "/api/sync/run", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"offline"`)
	assert.Len(t, hub.passes, 1, "skipped passes are not broadcast")

	ctrl.runErr = apperrors.New(apperrors.ErrQueueStorage, "disk full")
	w = serve(r, http.MethodPost, "/api/sync/run", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSyncHandler_QueueFilters(t *testing.T) {
	r, _, q, _, _ := setupSyncRouter(t)

	w := serve(r, http.MethodGet, "/api/sync/queue?status=failed&type=game&limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"items":[]`)
	require.Len(t, q.filters, 1)
	assert.Equal(t, queue.Filter{Status: models.StatusFailed, EntityType: models.EntityGame, Limit: 5}, q.filters[0])

	w = serve(r, http.MethodGet, "/api/sync/queue?limit=abc", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 100, q.filters[1].Limit)

	w = serve(r, http.MethodGet, "/api/sync/queue?status=done", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = serve(r, http.MethodGet, "/api/sync/queue?type=widget", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Len(t, q.filters, 2)
}

func TestSyncHandler_Conflicts(t *testing.T) {
	r, _, _, conflicts, _ := setupSyncRouter(t)

	w := serve(r, http.MethodGet, "/api/sync/conflicts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 50, conflicts.limit)
	assert.Contains(t, w.Body.String(), `"total":0`)

	serve(r, http.MethodGet, "/api/sync/conflicts?limit=7", nil)
	assert.Equal(t, 7, conflicts.limit)
}

func TestSyncHandler_Counts(t *testing.T) {
	r, ctrl, _, _, _ := setupSyncRouter(t)
	ctrl.retried = 3
	ctrl.cleared = 9

	w := serve(r, http.MethodPost, "/api/sync/retry-failed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"count":3}`, w.Body.String())

	w = serve(r, http.MethodPost, "/api/sync/discard-failed", nil)
	assert.JSONEq(t, `{"count":0}`, w.Body.String())

	w = serve(r, http.MethodPost, "/api/sync/clear", nil)
	assert.JSONEq(t, `{"count":9}`, w.Body.String())
}

func TestSyncHandler_Metrics(t *testing.T) {
	r, _, _, _, _ := setupSyncRouter(t)

	w := serve(r, http.MethodGet, "/api/sync/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), telemetry.PassesSkipped)
}
