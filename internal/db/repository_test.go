package db

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/matchops/localsync/internal/errors"
	"github.com/matchops/localsync/internal/models"
)

// =====================================================
// Entity Tests
// =====================================================

// TestRepositorySaveGet verifies upsert and read back.
func TestRepositorySaveGet(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(openTestDB(t).DB)
	defer repo.Close()

	e := &models.Entity{Type: models.EntityPlayer, ID: "p1", Data: json.RawMessage(`{"name":"Alice"}`), UpdatedAt: 100}
	require.NoError(t, repo.Save(ctx, e))

	got, err := repo.Get(ctx, models.EntityPlayer, "p1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Alice"}`, string(got.Data))
	assert.EqualValues(t, 100, got.UpdatedAt)

	e.Data = json.RawMessage(`{"name":"Alicia"}`)
	e.UpdatedAt = 200
	require.NoError(t, repo.Save(ctx, e))

	got, err = repo.Get(ctx, models.EntityPlayer, "p1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Alicia"}`, string(got.Data))
	assert.EqualValues(t, 200, got.UpdatedAt)
}

// TestRepositoryGetMissing verifies the not-found code.
func TestRepositoryGetMissing(t *testing.T) {
	repo := NewRepository(openTestDB(t).DB)

	_, err := repo.Get(context.Background(), models.EntityTeam, "nope")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

// TestRepositorySaveStampsTime verifies a zero UpdatedAt is filled in.
func TestRepositorySaveStampsTime(t *testing.T) {
	repo := NewRepository(openTestDB(t).DB)

	e := &models.Entity{Type: models.EntitySeason, ID: "s1", Data: json.RawMessage(`{}`)}
	require.NoError(t, repo.Save(context.Background(), e))
	assert.NotZero(t, e.UpdatedAt)

	bad := &models.Entity{Type: "coach", ID: "c1", Data: json.RawMessage(`{}`)}
	assert.True(t, apperrors.Is(repo.Save(context.Background(), bad), apperrors.ErrValidation))
}

// TestRepositoryDeleteAndList verifies list scoping and idempotent delete.
func TestRepositoryDeleteAndList(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(openTestDB(t).DB)

	for _, id := range []string{"b", "a", "c"} {
		require.NoError(t, repo.Save(ctx, &models.Entity{Type: models.EntityGame, ID: id, Data: json.RawMessage(`{}`)}))
	}
	require.NoError(t, repo.Save(ctx, &models.Entity{Type: models.EntityTeam, ID: "t1", Data: json.RawMessage(`{}`)}))

	games, err := repo.List(ctx, models.EntityGame)
	require.NoError(t, err)
	require.Len(t, games, 3)
	assert.Equal(t, "a", games[0].ID)

	require.NoError(t, repo.Delete(ctx, models.EntityGame, "a"))
	require.NoError(t, repo.Delete(ctx, models.EntityGame, "a"))

	games, err = repo.List(ctx, models.EntityGame)
	require.NoError(t, err)
	assert.Len(t, games, 2)
}

// =====================================================
// ConflictLog Tests
// =====================================================

// TestConflictLogs verifies insert and newest-first listing.
func TestConflictLogs(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(openTestDB(t).DB)

	require.NoError(t, repo.CreateConflictLog(ctx, &models.ConflictLog{
		OperationID: "op1", EntityType: models.EntitySeason, EntityID: "s1",
		LocalTimestamp: 100, RemoteTimestamp: 150, Resolution: models.ResolutionRemoteWins, DetectedAt: 1000,
	}))
	require.NoError(t, repo.CreateConflictLog(ctx, &models.ConflictLog{
		OperationID: "op2", EntityType: models.EntityPlayer, EntityID: "p1",
		LocalTimestamp: 300, RemoteTimestamp: 200, Resolution: models.ResolutionLocalWins, DetectedAt: 2000,
	}))

	logs, err := repo.ListConflictLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "op2", logs[0].OperationID)
	assert.True(t, logs[1].RemoteWon())
	assert.NotEmpty(t, logs[1].ID)
}
