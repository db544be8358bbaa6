// Package db tests for database connection management.
package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestDB opens a fresh database in a temp directory.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	return database
}

// TestOpen verifies database opening with proper configuration.
func TestOpen(t *testing.T) {
	dir := t.TempDir()
	database, err := Open(dir)
	require.NoError(t, err)
	defer database.Close()

	assert.FileExists(t, filepath.Join(dir, FileName))
	assert.Equal(t, filepath.Join(dir, FileName), database.Path())

	var walMode string
	require.NoError(t, database.QueryRow("PRAGMA journal_mode").Scan(&walMode))
	assert.Equal(t, "wal", walMode)

	var fkEnabled int
	require.NoError(t, database.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled))
	assert.Equal(t, 1, fkEnabled)
}

// TestOpenAppliesMigrations verifies the schema exists after Open.
func TestOpenAppliesMigrations(t *testing.T) {
	database := openTestDB(t)

	for _, table := range []string{"entities", "sync_queue", "conflict_log", "schema_migrations"} {
		var name string
		err := database.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		assert.NoError(t, err, "table %s", table)
	}

	version, err := NewMigrator(database.DB, Migrations()).CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 3, version)
}

// TestReopenIsIdempotent verifies a second Open does not reapply migrations.
func TestReopenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	first, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(dir)
	require.NoError(t, err)
	defer second.Close()

	var count int
	require.NoError(t, second.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
	assert.Equal(t, 3, count)
}
