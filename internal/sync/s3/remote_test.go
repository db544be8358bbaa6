package s3

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matchops/localsync/internal/models"
	"github.com/matchops/localsync/internal/sync"
)

func update(id string, payload string, at int64) *models.SyncOperation {
	return &models.SyncOperation{
		ID: "op-" + id, EntityType: models.EntityPlayer, EntityID: id,
		Kind: models.OperationUpdate, Payload: json.RawMessage(payload), OccurredAt: at,
	}
}

func TestRemoteApplyAndFetch(t *testing.T) {
	ctx := context.Background()
	fb, client := newFakeBucket(t)
	remote := NewRemote(client, "club-42/")

	require.NoError(t, remote.Apply(ctx, update("p1", `{"name":"Alicia"}`, 101)))
	assert.True(t, fb.has("club-42/entities/player/p1.json"))

	got, err := remote.Fetch(ctx, models.EntityPlayer, "p1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Exists())
	assert.EqualValues(t, 101, got.UpdatedAt)
	assert.JSONEq(t, `{"name":"Alicia"}`, string(got.Data))

	missing, err := remote.Fetch(ctx, models.EntityPlayer, "nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRemoteApplyRejectsStaleWrite(t *testing.T) {
	ctx := context.Background()
	_, client := newFakeBucket(t)
	remote := NewRemote(client, "")

	require.NoError(t, remote.Apply(ctx, update("p1", `{"v":"new"}`, 150)))

	err := remote.Apply(ctx, update("p1", `{"v":"old"}`, 100))
	require.Error(t, err)
	assert.Equal(t, sync.KindConflict, sync.Classify(err))

	// Equal timestamps are not a conflict.
	require.NoError(t, remote.Apply(ctx, update("p1", `{"v":"same"}`, 150)))

	require.NoError(t, remote.Overwrite(ctx, update("p1", `{"v":"forced"}`, 100)))
	got, err := remote.Fetch(ctx, models.EntityPlayer, "p1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":"forced"}`, string(got.Data))
}

func TestRemoteDeleteLeavesTombstone(t *testing.T) {
	ctx := context.Background()
	_, client := newFakeBucket(t)
	remote := NewRemote(client, "")

	require.NoError(t, remote.Apply(ctx, update("p1", `{}`, 10)))
	del := &models.SyncOperation{EntityType: models.EntityPlayer, EntityID: "p1", Kind: models.OperationDelete, OccurredAt: 20}
	require.NoError(t, remote.Apply(ctx, del))
	// Deleting again is idempotent.
	require.NoError(t, remote.Apply(ctx, del))

	got, err := remote.Fetch(ctx, models.EntityPlayer, "p1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.Exists())
	assert.EqualValues(t, 20, got.UpdatedAt)

	// A write made before the delete is stale.
	err = remote.Apply(ctx, update("p1", `{}`, 15))
	assert.Equal(t, sync.KindConflict, sync.Classify(err))
}

func TestRemotePurgeTombstones(t *testing.T) {
	ctx := context.Background()
	fb, client := newFakeBucket(t)
	remote := NewRemote(client, "")

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, remote.Apply(ctx, &models.SyncOperation{
			EntityType: models.EntityTeam, EntityID: id, Kind: models.OperationDelete, OccurredAt: int64(100 * (i + 1)),
		}))
	}
	require.NoError(t, remote.Apply(ctx, &models.SyncOperation{
		EntityType: models.EntityTeam, EntityID: "live", Kind: models.OperationCreate,
		Payload: json.RawMessage(`{}`), OccurredAt: 50,
	}))

	n, err := remote.PurgeTombstones(ctx, 250)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, fb.len())
	assert.True(t, fb.has("entities/team/c.json"))
	assert.True(t, fb.has("entities/team/live.json"))
}

func TestRemoteClassifiesStoreErrors(t *testing.T) {
	ctx := context.Background()
	fb, client := newFakeBucket(t)
	remote := NewRemote(client, "")

	fb.fail(http.StatusForbidden)
	err := remote.Apply(ctx, update("p1", `{}`, 1))
	assert.Equal(t, sync.KindPermanent, sync.Classify(err))

	fb.fail(http.StatusInternalServerError)
	_, err = remote.Fetch(ctx, models.EntityPlayer, "p1")
	assert.Equal(t, sync.KindTransient, sync.Classify(err))

	fb.fail(0)
	fb.set("entities/player/bad.json", []byte("not json"))
	_, err = remote.Fetch(ctx, models.EntityPlayer, "bad")
	assert.Equal(t, sync.KindPermanent, sync.Classify(err))
}
