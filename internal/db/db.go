// Package db provides database connection management and operations.
package db

import (
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// FileName is the database file created inside the data directory.
const FileName = "matchops.db"

// DB wraps the sql.DB with the subsystem's SQLite configuration.
type DB struct {
	*sql.DB
	path string
}

// Open opens (creating if needed) the database inside dataDir and applies
// pending migrations.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return OpenPath(filepath.Join(dataDir, FileName))
}

// OpenPath opens the local database at path. See OpenWith.
func OpenPath(path string) (*DB, error) {
	return OpenWith(path, Migrations())
}

// OpenWith opens the database at path and applies migrations from files.
// The database is opened with:
// - WAL mode so readers do not block the sync engine
// - a busy timeout for the CLI and daemon sharing one file
// - foreign key constraints enabled
func OpenWith(path string, files fs.FS) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection serializes writers; queue transactions rely on it.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	db := &DB{DB: sqlDB, path: path}
	if err := NewMigrator(sqlDB, files).Up(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
