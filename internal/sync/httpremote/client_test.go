package httpremote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matchops/localsync/internal/auth"
	"github.com/matchops/localsync/internal/models"
	"github.com/matchops/localsync/internal/sync"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, cfg Config) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	cfg.BaseURL = server.URL
	client, err := New(cfg)
	require.NoError(t, err)
	return client
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestApplySendsWrite(t *testing.T) {
	var got EntityWrite
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/api/v1/entities/player/p1", r.URL.Path)
		assert.Equal(t, "Bearer static-token", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}, Config{Token: "static-token"})

	err := client.Apply(context.Background(), &models.SyncOperation{
		ID: "op-1", EntityType: models.EntityPlayer, EntityID: "p1",
		Kind: models.OperationUpdate, Payload: json.RawMessage(`{"name":"Alicia"}`), OccurredAt: 101,
	})
	require.NoError(t, err)
	assert.Equal(t, "op-1", got.OperationID)
	assert.Equal(t, models.OperationUpdate, got.Operation)
	assert.EqualValues(t, 101, got.OccurredAt)
	assert.False(t, got.Force)
	assert.JSONEq(t, `{"name":"Alicia"}`, string(got.Data))
}

func TestOverwriteDeleteForces(t *testing.T) {
	var got EntityWrite
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}, Config{})

	err := client.Overwrite(context.Background(), &models.SyncOperation{
		ID: "op-2", EntityType: models.EntityTeam, EntityID: "t1", Kind: models.OperationDelete, OccurredAt: 5,
	})
	require.NoError(t, err)
	assert.True(t, got.Force)
	assert.Equal(t, models.OperationDelete, got.Operation)
}

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		kind   sync.FailureKind
	}{
		{http.StatusConflict, sync.KindConflict},
		{http.StatusBadRequest, sync.KindPermanent},
		{http.StatusUnauthorized, sync.KindPermanent},
		{http.StatusForbidden, sync.KindPermanent},
		{http.StatusUnprocessableEntity, sync.KindPermanent},
		{http.StatusRequestTimeout, sync.KindTransient},
		{http.StatusTooManyRequests, sync.KindTransient},
		{http.StatusInternalServerError, sync.KindTransient},
		{http.StatusServiceUnavailable, sync.KindTransient},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, ErrorBody{Error: "nope"})
			}, Config{})
			err := client.Apply(context.Background(), &models.SyncOperation{
				EntityType: models.EntityGame, EntityID: "g1", Kind: models.OperationUpdate, OccurredAt: 1,
			})
			require.Error(t, err)
			assert.Equal(t, tt.kind, sync.Classify(err))
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestNetworkErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	server.Close()
	client, err := New(Config{BaseURL: server.URL})
	require.NoError(t, err)

	err = client.Apply(context.Background(), &models.SyncOperation{
		EntityType: models.EntityGame, EntityID: "g1", Kind: models.OperationUpdate, OccurredAt: 1,
	})
	require.Error(t, err)
	assert.Equal(t, sync.KindTransient, sync.Classify(err))
}

func TestFetch(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/entities/season/s1":
			writeJSON(w, http.StatusOK, EntityDocument{
				Type: models.EntitySeason, ID: "s1", Data: json.RawMessage(`{"name":"Spring"}`), UpdatedAt: 150,
			})
		case "/api/v1/entities/season/gone":
			writeJSON(w, http.StatusOK, EntityDocument{Type: models.EntitySeason, ID: "gone", UpdatedAt: 90, Deleted: true})
		default:
			writeJSON(w, http.StatusNotFound, ErrorBody{Error: "not found"})
		}
	}, Config{})
	ctx := context.Background()

	remote, err := client.Fetch(ctx, models.EntitySeason, "s1")
	require.NoError(t, err)
	require.NotNil(t, remote)
	assert.True(t, remote.Exists())
	assert.EqualValues(t, 150, remote.UpdatedAt)

	tomb, err := client.Fetch(ctx, models.EntitySeason, "gone")
	require.NoError(t, err)
	assert.False(t, tomb.Exists())

	missing, err := client.Fetch(ctx, models.EntitySeason, "never")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestApplyBatchPerItemResults(t *testing.T) {
	var req BatchRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/batch/player", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		writeJSON(w, http.StatusOK, BatchResponse{Results: []BatchItemResult{
			{OperationID: "a", Status: http.StatusOK},
			{OperationID: "b", Status: http.StatusConflict, Error: "remote newer"},
			{OperationID: "c", Status: http.StatusUnprocessableEntity},
			{OperationID: "d", Status: http.StatusServiceUnavailable},
		}})
	}, Config{})

	ops := []*models.SyncOperation{
		{ID: "a", EntityType: models.EntityPlayer, EntityID: "p1", Kind: models.OperationCreate, OccurredAt: 1},
		{ID: "b", EntityType: models.EntityPlayer, EntityID: "p2", Kind: models.OperationUpdate, OccurredAt: 2},
		{ID: "c", EntityType: models.EntityPlayer, EntityID: "p3", Kind: models.OperationUpdate, OccurredAt: 3},
		{ID: "d", EntityType: models.EntityPlayer, EntityID: "p4", Kind: models.OperationDelete, OccurredAt: 4},
	}
	results, err := client.ApplyBatch(context.Background(), models.EntityPlayer, ops)
	require.NoError(t, err)
	require.Len(t, req.Operations, 4)
	assert.False(t, req.Atomic)
	assert.Equal(t, "p4", req.Operations[3].EntityID)

	outcomes := make([]sync.Outcome, len(results))
	for i, r := range results {
		outcomes[i] = r.Outcome
	}
	assert.Equal(t, []sync.Outcome{
		sync.OutcomeSuccess, sync.OutcomeConflict, sync.OutcomePermanent, sync.OutcomeTransient,
	}, outcomes)
}

func batchOps() []*models.SyncOperation {
	return []*models.SyncOperation{
		{ID: "a", EntityType: models.EntityGame, EntityID: "g1", Kind: models.OperationCreate, OccurredAt: 1},
		{ID: "b", EntityType: models.EntityGame, EntityID: "g2", Kind: models.OperationUpdate, OccurredAt: 2},
	}
}

func TestApplyBatchAtomicRollback(t *testing.T) {
	var req BatchRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		writeJSON(w, http.StatusOK, BatchResponse{Atomic: true, Results: []BatchItemResult{
			{OperationID: "a", Status: StatusRolledBack, Error: "batch rolled back: g2 rejected"},
			{OperationID: "b", Status: http.StatusConflict, Error: "remote newer", UpdatedAt: 9},
		}})
	}, Config{AtomicBatch: true})

	results, err := client.ApplyBatch(context.Background(), models.EntityGame, batchOps())
	require.NoError(t, err)
	assert.True(t, req.Atomic)
	require.Len(t, results, 2)
	assert.Equal(t, sync.OutcomeTransient, results[0].Outcome)
	assert.Equal(t, sync.OutcomeConflict, results[1].Outcome)
	assert.True(t, client.AtomicBatches())
}

func TestApplyBatchFallsBackWhenAtomicUnsupported(t *testing.T) {
	var requests []BatchRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req BatchRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		requests = append(requests, req)
		if req.Atomic {
			writeJSON(w, http.StatusNotImplemented, ErrorBody{Error: "atomic batches unsupported"})
			return
		}
		writeJSON(w, http.StatusOK, BatchResponse{Results: []BatchItemResult{
			{OperationID: "a", Status: http.StatusCreated},
			{OperationID: "b", Status: http.StatusOK},
		}})
	}, Config{AtomicBatch: true})

	results, err := client.ApplyBatch(context.Background(), models.EntityGame, batchOps())
	require.NoError(t, err)
	require.Len(t, requests, 2)
	assert.True(t, requests[0].Atomic)
	assert.False(t, requests[1].Atomic)
	require.Len(t, results, 2)
	assert.Equal(t, sync.OutcomeSuccess, results[0].Outcome)
	assert.Equal(t, sync.OutcomeSuccess, results[1].Outcome)
	assert.False(t, client.AtomicBatches())

	_, err = client.ApplyBatch(context.Background(), models.EntityGame, batchOps())
	require.NoError(t, err)
	require.Len(t, requests, 3)
	assert.False(t, requests[2].Atomic, "later batches go per item")
}

func TestApplyBatchServerIgnoringAtomicDisablesIt(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, BatchResponse{Results: []BatchItemResult{
			{OperationID: "a", Status: http.StatusOK},
			{OperationID: "b", Status: http.StatusOK},
		}})
	}, Config{AtomicBatch: true})

	_, err := client.ApplyBatch(context.Background(), models.EntityGame, batchOps())
	require.NoError(t, err)
	assert.False(t, client.AtomicBatches())
}

func TestMintedTokenIsValidAndRefreshedAfter401(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		claims, err := auth.ValidateToken(r.Header.Get("Authorization"), "shared")
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "tablet-7", claims.DeviceID)
		if calls.Add(1) == 1 {
			writeJSON(w, http.StatusUnauthorized, ErrorBody{Error: "revoked"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}, Config{Secret: "shared", DeviceID: "tablet-7"})

	err := client.Ping(context.Background())
	require.Error(t, err)
	assert.Equal(t, sync.KindPermanent, sync.Classify(err))

	client.tokenMu.Lock()
	assert.Empty(t, client.token)
	client.tokenMu.Unlock()

	require.NoError(t, client.Ping(context.Background()))
}

func TestRateLimitHonoursContext(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, Config{RequestsPerSecond: 0.001, Burst: 1})

	require.NoError(t, client.Ping(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := client.Ping(ctx)
	require.Error(t, err)
	assert.Equal(t, sync.KindTransient, sync.Classify(err))
}

func TestHealthURL(t *testing.T) {
	client, err := New(Config{BaseURL: "http://remote.local:8090/"})
	require.NoError(t, err)
	assert.Equal(t, "http://remote.local:8090/healthz", client.HealthURL())
}
