package camera

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Spatial-NVR/opensec/internal/config"
	"github.com/Spatial-NVR/opensec/internal/database"
)

// ErrNotFound is returned when a camera does not exist
var ErrNotFound = errors.New("camera not found")

// Descriptor is one camera of the roster
type Descriptor struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	SourceURI    string    `json:"-"`
	IsActive     bool      `json:"is_active"`
	SnapshotPath string    `json:"snapshot_path,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SQLRepository stores the roster in the cameras table
type SQLRepository struct {
	db *database.DB
}

// NewSQLRepository creates a roster repository
func NewSQLRepository(db *database.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

// List returns every camera ordered by ID
func (r *SQLRepository) List(ctx context.Context) ([]Descriptor, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, source_uri, is_active, snapshot_path, updated_at
		FROM cameras
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list cameras: %w", err)
	}
	defer rows.Close()

	var out []Descriptor
	for rows.Next() {
		d, err := scanDescriptor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// Get returns one camera
func (r *SQLRepository) Get(ctx context.Context, id string) (*Descriptor, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, source_uri, is_active, snapshot_path, updated_at
		FROM cameras WHERE id = ?
	`, id)
	d, err := scanDescriptor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return d, err
}

// Upsert inserts a camera or updates its name and source. The activity flag
// and snapshot are left to the coordinator.
func (r *SQLRepository) Upsert(ctx context.Context, d Descriptor) error {
	return upsert(ctx, r.db, d)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func upsert(ctx context.Context, ex execer, d Descriptor) error {
	if d.ID == "" || d.SourceURI == "" {
		return fmt.Errorf("camera id and source uri are required")
	}
	if d.Name == "" {
		d.Name = d.ID
	}
	now := time.Now().Unix()
	_, err := ex.ExecContext(ctx, `
		INSERT INTO cameras (id, name, source_uri, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			source_uri = excluded.source_uri,
			updated_at = CASE
				WHEN cameras.name != excluded.name OR cameras.source_uri != excluded.source_uri
				THEN excluded.updated_at ELSE cameras.updated_at END
	`, d.ID, d.Name, d.SourceURI, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert camera %s: %w", d.ID, err)
	}
	return nil
}

// Delete removes a camera
func (r *SQLRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM cameras WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete camera %s: %w", id, err)
	}
	return nil
}

// SetActive records whether the camera is being ingested
func (r *SQLRepository) SetActive(ctx context.Context, id string, active bool) error {
	return r.update(ctx, `UPDATE cameras SET is_active = ?, updated_at = ? WHERE id = ?`, id, active, time.Now().Unix(), id)
}

// SetSnapshot records the latest preview image
func (r *SQLRepository) SetSnapshot(ctx context.Context, id, path string) error {
	return r.update(ctx, `UPDATE cameras SET snapshot_path = ? WHERE id = ?`, id, path, id)
}

func (r *SQLRepository) update(ctx context.Context, query, id string, args ...interface{}) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update camera %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// SyncFromConfig makes the roster match the enabled cameras of the config
// file in one transaction. Cameras missing from the file, or disabled in it,
// are removed.
func (r *SQLRepository) SyncFromConfig(ctx context.Context, cameras []config.CameraConfig) error {
	existing, err := r.List(ctx)
	if err != nil {
		return err
	}

	return r.db.Transaction(ctx, func(tx *sql.Tx) error {
		keep := make(map[string]bool, len(cameras))
		for _, cam := range cameras {
			if !cam.Enabled || cam.ID == "" {
				continue
			}
			if err := upsert(ctx, tx, Descriptor{ID: cam.ID, Name: cam.Name, SourceURI: cam.SourceURI()}); err != nil {
				return err
			}
			keep[cam.ID] = true
		}

		for _, d := range existing {
			if keep[d.ID] {
				continue
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM cameras WHERE id = ?`, d.ID); err != nil {
				return fmt.Errorf("failed to delete camera %s: %w", d.ID, err)
			}
		}
		return nil
	})
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDescriptor(s scanner) (*Descriptor, error) {
	var d Descriptor
	var active int
	var snapshot sql.NullString
	var updatedAt int64

	if err := s.Scan(&d.ID, &d.Name, &d.SourceURI, &active, &snapshot, &updatedAt); err != nil {
		return nil, err
	}
	d.IsActive = active != 0
	d.SnapshotPath = snapshot.String
	d.UpdatedAt = time.Unix(updatedAt, 0)
	return &d, nil
}
