package db

import (
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/matchops/localsync/internal/errors"
	"github.com/matchops/localsync/internal/logging"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the embedded local schema.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

const (
	upSuffix   = ".up.sql"
	downSuffix = ".down.sql"
)

// Migration is a row of schema_migrations.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

// step pairs the up and down scripts sharing a version.
type step struct {
	version     int
	description string
	up, down    []byte
}

func (s step) checksum() string {
	sum := sha256.Sum256(s.up)
	return hex.EncodeToString(sum[:])
}

// Migrator applies V<n>__<description>.up.sql scripts in version order.
// An applied script whose contents later change is refused.
type Migrator struct {
	db    *sql.DB
	files fs.FS
}

// NewMigrator creates a Migrator reading scripts from files.
func NewMigrator(db *sql.DB, files fs.FS) *Migrator {
	return &Migrator{db: db, files: files}
}

const schemaMigrationsDDL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version     INTEGER PRIMARY KEY CHECK(version > 0),
	applied_at  INTEGER NOT NULL,
	description TEXT NOT NULL,
	checksum    TEXT NOT NULL CHECK(length(checksum) = 64)
)`

// CurrentVersion returns the highest applied version, or 0.
func (m *Migrator) CurrentVersion() (int, error) {
	if _, err := m.db.Exec(schemaMigrationsDDL); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrMigration, "create schema_migrations", err)
	}
	var version int
	err := m.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version)
	return version, err
}

// Applied returns the recorded migrations, oldest first.
func (m *Migrator) Applied() ([]Migration, error) {
	rows, err := m.db.Query(`SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMigration, "read schema_migrations", err)
	}
	defer rows.Close()

	var out []Migration
	for rows.Next() {
		var (
			mig Migration
			ms  int64
		)
		if err := rows.Scan(&mig.Version, &ms, &mig.Description, &mig.Checksum); err != nil {
			return nil, err
		}
		mig.AppliedAt = time.UnixMilli(ms)
		out = append(out, mig)
	}
	return out, rows.Err()
}

// plan reads every script and groups them by version.
func (m *Migrator) plan() ([]step, error) {
	entries, err := fs.ReadDir(m.files, ".")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMigration, "list migrations", err)
	}

	byVersion := make(map[int]*step)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			continue
		}
		var base string
		var isUp bool
		switch {
		case strings.HasSuffix(name, upSuffix):
			base, isUp = strings.TrimSuffix(name, upSuffix), true
		case strings.HasSuffix(name, downSuffix):
			base = strings.TrimSuffix(name, downSuffix)
		default:
			continue
		}
		head, desc, ok := strings.Cut(base, "__")
		if !ok || !strings.HasPrefix(head, "V") {
			continue
		}
		version, err := strconv.Atoi(head[1:])
		if err != nil || version <= 0 {
			continue
		}

		body, err := fs.ReadFile(m.files, name)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrMigration, "read "+name, err)
		}
		s := byVersion[version]
		if s == nil {
			s = &step{version: version, description: desc}
			byVersion[version] = s
		} else if s.description != desc {
			return nil, apperrors.Newf(apperrors.ErrMigration, "V%d has conflicting names %q and %q", version, s.description, desc)
		}
		if isUp {
			s.up = body
		} else {
			s.down = body
		}
	}

	steps := make([]step, 0, len(byVersion))
	for _, s := range byVersion {
		if s.up == nil {
			return nil, apperrors.Newf(apperrors.ErrMigration, "V%d has no up script", s.version)
		}
		steps = append(steps, *s)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].version < steps[j].version })
	return steps, nil
}

// Up applies every script newer than the recorded versions.
func (m *Migrator) Up() error {
	if _, err := m.CurrentVersion(); err != nil {
		return err
	}
	steps, err := m.plan()
	if err != nil {
		return err
	}
	applied, err := m.Applied()
	if err != nil {
		return err
	}
	recorded := make(map[int]string, len(applied))
	for _, mig := range applied {
		recorded[mig.Version] = mig.Checksum
	}

	for _, s := range steps {
		sum, done := recorded[s.version]
		if done {
			if sum != s.checksum() {
				return apperrors.Newf(apperrors.ErrMigration, "V%d__%s changed after it was applied", s.version, s.description)
			}
			continue
		}
		err := m.inTx(func(tx *sql.Tx) error {
			if _, err := tx.Exec(string(s.up)); err != nil {
				return err
			}
			_, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)`,
				s.version, time.Now().UnixMilli(), s.description, s.checksum())
			return err
		})
		if err != nil {
			return apperrors.Wrap(apperrors.ErrMigration, "apply V"+strconv.Itoa(s.version), err)
		}
		logging.Debug("applied migration", map[string]interface{}{"version": s.version, "name": s.description})
	}
	return nil
}

// Down reverts the newest applied version.
func (m *Migrator) Down() error {
	current, err := m.CurrentVersion()
	if err != nil {
		return err
	}
	if current == 0 {
		return apperrors.New(apperrors.ErrMigration, "no migrations to roll back")
	}
	steps, err := m.plan()
	if err != nil {
		return err
	}
	idx := sort.Search(len(steps), func(i int) bool { return steps[i].version >= current })
	if idx == len(steps) || steps[idx].version != current || steps[idx].down == nil {
		return apperrors.Newf(apperrors.ErrMigration, "no down script for V%d", current)
	}

	err = m.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(string(steps[idx].down)); err != nil {
			return err
		}
		_, err := tx.Exec(`DELETE FROM schema_migrations WHERE version = ?`, current)
		return err
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "revert V"+strconv.Itoa(current), err)
	}
	return nil
}

func (m *Migrator) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
