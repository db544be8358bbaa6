// Package db tests for database migration management.
package db

import (
	"database/sql"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/matchops/localsync/internal/errors"
)

func memDB(t *testing.T) *sql.DB {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return sqlDB
}

func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"V1__create_a.up.sql":   {Data: []byte("CREATE TABLE a (id INTEGER PRIMARY KEY);")},
		"V1__create_a.down.sql": {Data: []byte("DROP TABLE a;")},
		"V2__create_b.up.sql":   {Data: []byte("CREATE TABLE b (id INTEGER PRIMARY KEY);")},
		"V2__create_b.down.sql": {Data: []byte("DROP TABLE b;")},
		"README.md":             {Data: []byte("ignored")},
		"Vx__bad.up.sql":        {Data: []byte("ignored")},
	}
}

// TestMigratorUp verifies migrations are applied in order and recorded.
func TestMigratorUp(t *testing.T) {
	sqlDB := memDB(t)
	m := NewMigrator(sqlDB, testMigrations())

	require.NoError(t, m.Up())

	applied, err := m.Applied()
	require.NoError(t, err)
	require.Len(t, applied, 2)
	assert.Equal(t, 1, applied[0].Version)
	assert.Equal(t, "create_a", applied[0].Description)
	assert.Len(t, applied[0].Checksum, 64)
	assert.Equal(t, "create_b", applied[1].Description)

	// Running again is a no-op.
	require.NoError(t, m.Up())
	version, err := m.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 2, version)
}

// TestMigratorDown verifies the last migration is rolled back.
func TestMigratorDown(t *testing.T) {
	sqlDB := memDB(t)
	m := NewMigrator(sqlDB, testMigrations())
	require.NoError(t, m.Up())

	require.NoError(t, m.Down())
	version, err := m.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	_, err = sqlDB.Exec("SELECT * FROM b")
	assert.Error(t, err)

	require.NoError(t, m.Down())
	assert.Error(t, m.Down(), "nothing left to roll back")
}

// TestMigratorFailedMigrationRollsBack verifies a bad file leaves no record.
func TestMigratorFailedMigrationRollsBack(t *testing.T) {
	sqlDB := memDB(t)
	m := NewMigrator(sqlDB, fstest.MapFS{
		"V1__broken.up.sql": {Data: []byte("CREATE TABLE broken (;")},
	})

	require.Error(t, m.Up())
	version, err := m.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 0, version)
}

// TestMigratorRejectsEditedScript verifies applied scripts are pinned by checksum.
func TestMigratorRejectsEditedScript(t *testing.T) {
	sqlDB := memDB(t)
	files := testMigrations()
	require.NoError(t, NewMigrator(sqlDB, files).Up())

	files["V1__create_a.up.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE a (id TEXT PRIMARY KEY);")}
	err := NewMigrator(sqlDB, files).Up()
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrMigration))
	assert.Contains(t, err.Error(), "V1__create_a")
}

// TestMigratorMissingUpScript verifies an orphan down script is refused.
func TestMigratorMissingUpScript(t *testing.T) {
	m := NewMigrator(memDB(t), fstest.MapFS{
		"V3__orphan.down.sql": {Data: []byte("DROP TABLE c;")},
	})
	assert.Error(t, m.Up())
}

// TestEmbeddedMigrations verifies the shipped migration set parses.
func TestEmbeddedMigrations(t *testing.T) {
	steps, err := NewMigrator(nil, Migrations()).plan()
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, "initial_schema", steps[0].description)
	assert.Equal(t, "conflict_log", steps[1].description)
	assert.Equal(t, "queue_dispatched", steps[2].description)
	for _, s := range steps {
		assert.NotEmpty(t, s.down, "V%d", s.version)
	}
}
