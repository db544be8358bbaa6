package remoteserver

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matchops/localsync/internal/db"
	"github.com/matchops/localsync/internal/models"
	"github.com/matchops/localsync/internal/sync"
	"github.com/matchops/localsync/internal/sync/connectivity"
	"github.com/matchops/localsync/internal/sync/httpremote"
	"github.com/matchops/localsync/internal/sync/queue"
)

type device struct {
	engine *sync.Engine
	queue  *queue.Queue
	repo   *db.Repository
	conn   *connectivity.Manual
}

func newDevice(t *testing.T, baseURL, secret string, cfg sync.Config) *device {
	t.Helper()
	return newDeviceWithClient(t, httpremote.Config{BaseURL: baseURL, Secret: secret}, cfg)
}

func newDeviceWithClient(t *testing.T, clientCfg httpremote.Config, cfg sync.Config) *device {
	t.Helper()
	database, err := db.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	clientCfg.DeviceID = "tablet-1"
	client, err := httpremote.New(clientCfg)
	require.NoError(t, err)

	q := queue.New(database.DB)
	repo := db.NewRepository(database.DB)
	conn := connectivity.NewManual(true)
	engine, err := sync.NewEngine(sync.Options{
		Queue:        q,
		Remote:       client,
		Local:        repo,
		Connectivity: conn,
		ConflictLogs: repo,
		Config:       cfg,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		engine.Stop()
		engine.Wait()
	})
	return &device{engine: engine, queue: q, repo: repo, conn: conn}
}

func (d *device) write(t *testing.T, kind models.OperationKind, et models.EntityType, id, payload string, at int64) {
	t.Helper()
	ctx := context.Background()
	if kind == models.OperationDelete {
		require.NoError(t, d.repo.Delete(ctx, et, id))
	} else {
		require.NoError(t, d.repo.Save(ctx, &models.Entity{Type: et, ID: id, Data: json.RawMessage(payload), UpdatedAt: at}))
	}
	op := &models.SyncOperation{EntityType: et, EntityID: id, Kind: kind, OccurredAt: at}
	if payload != "" {
		op.Payload = json.RawMessage(payload)
	}
	_, err := d.queue.Enqueue(ctx, op)
	require.NoError(t, err)
}

func startServer(t *testing.T, secret string) (*httptest.Server, *Store) {
	t.Helper()
	store, database, err := Open(filepath.Join(t.TempDir(), "remote.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	server := httptest.NewServer(NewRouter(Config{JWTSecret: secret}, store))
	t.Cleanup(server.Close)
	return server, store
}

func TestEndToEndDelivery(t *testing.T) {
	ctx := context.Background()
	server, store := startServer(t, "shared")
	d := newDevice(t, server.URL, "shared", sync.Config{})

	d.write(t, models.OperationCreate, models.EntityPlayer, "p1", `{"name":"Alice"}`, 100)
	d.write(t, models.OperationUpdate, models.EntityPlayer, "p1", `{"name":"Alicia"}`, 101)
	d.write(t, models.OperationCreate, models.EntityTeam, "t1", `{"name":"Hawks"}`, 102)

	result, err := d.engine.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Delivered)
	assert.Zero(t, result.Failures())

	doc, err := store.Get(ctx, models.EntityPlayer, "p1")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.JSONEq(t, `{"name":"Alicia"}`, string(doc.Data))
	assert.EqualValues(t, 101, doc.UpdatedAt)

	stats, err := d.queue.GetStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Total())
	assert.Equal(t, models.SyncStateSynced, d.engine.Status().State)
}

func TestEndToEndRemoteWins(t *testing.T) {
	ctx := context.Background()
	server, store := startServer(t, "")
	_, err := store.Write(ctx, models.EntitySeason, "s1", httpremote.EntityWrite{
		Operation: models.OperationUpdate, Data: json.RawMessage(`{"name":"Remote season"}`), OccurredAt: 150,
	})
	require.NoError(t, err)

	d := newDevice(t, server.URL, "", sync.Config{})
	d.write(t, models.OperationUpdate, models.EntitySeason, "s1", `{"name":"Local season"}`, 100)

	result, err := d.engine.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.RemoteWins)

	local, err := d.repo.Get(ctx, models.EntitySeason, "s1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Remote season"}`, string(local.Data))

	logs, err := d.repo.ListConflictLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.ResolutionRemoteWins, logs[0].Resolution)
}

func TestEndToEndBatchedDelete(t *testing.T) {
	ctx := context.Background()
	server, store := startServer(t, "shared")
	d := newDevice(t, server.URL, "shared", sync.Config{PreferBatch: true})

	d.write(t, models.OperationUpdate, models.EntityGame, "g1", `{"events":[]}`, 100)
	d.write(t, models.OperationUpdate, models.EntityGame, "g2", `{"events":[]}`, 100)
	_, err := d.engine.RunPass(ctx)
	require.NoError(t, err)

	d.write(t, models.OperationDelete, models.EntityGame, "g2", "", 200)
	result, err := d.engine.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Delivered)

	doc, err := store.Get(ctx, models.EntityGame, "g2")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.True(t, doc.Deleted)
}

func TestEndToEndAtomicBatchRequeuesGroup(t *testing.T) {
	ctx := context.Background()
	server, store := startServer(t, "shared")
	_, err := store.Write(ctx, models.EntityGame, "g2", httpremote.EntityWrite{
		Operation: models.OperationUpdate, Data: json.RawMessage(`{"events":["remote"]}`), OccurredAt: 500,
	})
	require.NoError(t, err)

	d := newDeviceWithClient(t,
		httpremote.Config{BaseURL: server.URL, Secret: "shared", AtomicBatch: true},
		sync.Config{PreferBatch: true})
	d.write(t, models.OperationUpdate, models.EntityGame, "g1", `{"events":[]}`, 100)
	d.write(t, models.OperationUpdate, models.EntityGame, "g2", `{"events":["local"]}`, 200)
	d.write(t, models.OperationUpdate, models.EntityGame, "g3", `{"events":[]}`, 300)

	result, err := d.engine.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Batches)
	assert.Zero(t, result.Delivered)
	assert.Equal(t, 1, result.RemoteWins)
	assert.Equal(t, 2, result.Transient)

	for _, id := range []string{"g1", "g3"} {
		doc, err := store.Get(ctx, models.EntityGame, id)
		require.NoError(t, err)
		assert.Nil(t, doc, "%s rolled back with its batch", id)
	}

	pending, err := d.queue.List(ctx, queue.Filter{Status: models.StatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 2)
	for _, op := range pending {
		assert.Contains(t, []string{"g1", "g3"}, op.EntityID)
		assert.Equal(t, 1, op.AttemptCount)
		assert.Contains(t, op.LastError, "batch rolled back")
	}

	local, err := d.repo.Get(ctx, models.EntityGame, "g2")
	require.NoError(t, err)
	assert.JSONEq(t, `{"events":["remote"]}`, string(local.Data))

	// Once the backoff lapses the survivors go out together.
	require.Eventually(t, func() bool {
		_, err := d.engine.RunPass(ctx)
		require.NoError(t, err)
		stats, err := d.queue.GetStats(ctx)
		require.NoError(t, err)
		return stats.Total() == 0
	}, 5*time.Second, 50*time.Millisecond)

	for _, id := range []string{"g1", "g3"} {
		doc, err := store.Get(ctx, models.EntityGame, id)
		require.NoError(t, err)
		assert.NotNil(t, doc, id)
	}
}
