package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migration is one numbered schema change, NNN_name.sql
type Migration struct {
	Version   int       `json:"version"`
	Name      string    `json:"name"`
	SQL       string    `json:"-"`
	AppliedAt time.Time `json:"applied_at,omitempty"`
}

// Migrator brings the schema up to the newest embedded migration
type Migrator struct {
	db     *DB
	source fs.FS
	logger *slog.Logger
}

// NewMigrator creates a migrator for the embedded migrations
func NewMigrator(db *DB) *Migrator {
	sub, _ := fs.Sub(migrationsFS, "migrations")
	return &Migrator{
		db:     db,
		source: sub,
		logger: slog.Default().With("component", "migrator"),
	}
}

// parseMigrations loads every *.sql file of fsys ordered by version. Files
// without a numeric prefix are skipped; duplicate versions are an error.
func parseMigrations(fsys fs.FS) ([]Migration, error) {
	files, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}

	seen := make(map[int]string, len(files))
	out := make([]Migration, 0, len(files))
	for _, file := range files {
		prefix, name, ok := strings.Cut(strings.TrimSuffix(path.Base(file), ".sql"), "_")
		version, err := strconv.Atoi(prefix)
		if !ok || err != nil || version <= 0 {
			slog.Warn("Skipping migration with bad name", "component", "migrator", "file", file)
			continue
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("migration version %d used by %s and %s", version, prev, file)
		}
		seen[version] = file

		body, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", file, err)
		}
		out = append(out, Migration{Version: version, Name: name, SQL: string(body)})
	}

	slices.SortFunc(out, func(a, b Migration) int { return a.Version - b.Version })
	return out, nil
}

const migrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	applied_at INTEGER NOT NULL DEFAULT (unixepoch())
) STRICT`

func (m *Migrator) prepare(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, migrationsTable); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}
	return nil
}

// Run applies, each in its own transaction, every migration that has not
// been recorded yet
func (m *Migrator) Run(ctx context.Context) error {
	status, err := m.GetStatus(ctx)
	if err != nil {
		return err
	}

	var applied []int
	for _, mig := range status {
		if !mig.AppliedAt.IsZero() {
			continue
		}
		if err := m.apply(ctx, mig); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", mig.Version, mig.Name, err)
		}
		applied = append(applied, mig.Version)
	}

	if len(applied) > 0 {
		m.logger.Info("Database schema updated", "applied", applied)
	}
	return nil
}

func (m *Migrator) apply(ctx context.Context, mig Migration) error {
	return m.db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, mig.SQL); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, name) VALUES (?, ?)`, mig.Version, mig.Name)
		return err
	})
}

// SchemaVersion returns the highest applied migration, 0 for a fresh database
func (m *Migrator) SchemaVersion(ctx context.Context) (int, error) {
	if err := m.prepare(ctx); err != nil {
		return 0, err
	}
	var version sql.NullInt64
	if err := m.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return int(version.Int64), nil
}

// GetStatus lists the embedded migrations, with AppliedAt set on those
// already recorded
func (m *Migrator) GetStatus(ctx context.Context) ([]Migration, error) {
	if err := m.prepare(ctx); err != nil {
		return nil, err
	}

	all, err := parseMigrations(m.source)
	if err != nil {
		return nil, err
	}

	rows, err := m.db.QueryContext(ctx, `SELECT version, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("failed to read applied migrations: %w", err)
	}
	defer rows.Close()

	done := make(map[int]int64)
	for rows.Next() {
		var version int
		var at int64
		if err := rows.Scan(&version, &at); err != nil {
			return nil, err
		}
		done[version] = at
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range all {
		if at, ok := done[all[i].Version]; ok {
			all[i].AppliedAt = time.Unix(at, 0)
		}
	}
	return all, nil
}
