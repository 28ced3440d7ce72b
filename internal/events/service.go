package events

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Spatial-NVR/opensec/internal/database"
)

const intruderColumns = `id, camera_id, label, video_path, thumbnail_path,
	detected_at, frame_count, archive_key, created_at, gif_path`

// Service manages intruder records
type Service struct {
	db          *database.DB
	logger      *slog.Logger
	subscribers []chan *Intruder
	mu          sync.RWMutex
}

// NewService creates a new intruder service
func NewService(db *database.DB) *Service {
	return &Service{
		db:          db,
		logger:      slog.Default().With("component", "intruder_service"),
		subscribers: make([]chan *Intruder, 0),
	}
}

// Subscribe returns a channel that receives new intruders
func (s *Service) Subscribe() chan *Intruder {
	ch := make(chan *Intruder, 100)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscription
func (s *Service) Unsubscribe(ch chan *Intruder) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, sub := range s.subscribers {
		if sub == ch {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			close(ch)
			break
		}
	}
}

// Create stores a new intruder
func (s *Service) Create(ctx context.Context, intruder *Intruder) error {
	if err := intruder.Validate(); err != nil {
		return fmt.Errorf("invalid intruder: %w", err)
	}
	if intruder.ID == "" {
		intruder.ID = uuid.New().String()
	}
	if intruder.CreatedAt.IsZero() {
		intruder.CreatedAt = time.Now()
	}
	if intruder.DetectedAt.IsZero() {
		intruder.DetectedAt = intruder.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO intruders (`+intruderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		intruder.ID, intruder.CameraID, intruder.Label,
		nullString(intruder.VideoPath), nullString(intruder.ThumbnailPath),
		intruder.DetectedAt.Unix(), intruder.FrameCount,
		nullString(intruder.ArchiveKey), intruder.CreatedAt.Unix(),
		nullString(intruder.GifPath),
	)
	if err != nil {
		return fmt.Errorf("failed to create intruder: %w", err)
	}

	s.notifySubscribers(intruder)

	s.logger.Info("Intruder recorded", "id", intruder.ID, "label", intruder.Label, "camera", intruder.CameraID)
	return nil
}

// Get retrieves an intruder by ID
func (s *Service) Get(ctx context.Context, id string) (*Intruder, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+intruderColumns+` FROM intruders WHERE id = ?`, id)

	intruder, err := scanIntruder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return intruder, nil
}

// List retrieves intruders with filters, newest first
func (s *Service) List(ctx context.Context, opts ListOptions) ([]*Intruder, int, error) {
	where := " WHERE 1=1"
	args := []interface{}{}

	if opts.CameraID != "" {
		where += " AND camera_id = ?"
		args = append(args, opts.CameraID)
	}
	if opts.Label != "" {
		where += " AND label = ?"
		args = append(args, opts.Label)
	}
	if !opts.StartTime.IsZero() {
		where += " AND detected_at >= ?"
		args = append(args, opts.StartTime.Unix())
	}
	if !opts.EndTime.IsZero() {
		where += " AND detected_at <= ?"
		args = append(args, opts.EndTime.Unix())
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM intruders"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := "SELECT " + intruderColumns + " FROM intruders" + where + " ORDER BY detected_at DESC, created_at DESC"

	limit := 50
	if opts.Limit > 0 && opts.Limit <= 1000 {
		limit = opts.Limit
	}
	query += " LIMIT ?"
	args = append(args, limit)

	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	intruders := []*Intruder{}
	for rows.Next() {
		intruder, err := scanIntruder(rows)
		if err != nil {
			return nil, 0, err
		}
		intruders = append(intruders, intruder)
	}

	return intruders, total, rows.Err()
}

// SetArchiveKey records where a clip was archived
func (s *Service) SetArchiveKey(ctx context.Context, id, key string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE intruders SET archive_key = ? WHERE id = ?", key, id)
	if err != nil {
		return fmt.Errorf("failed to update intruder: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Delete deletes an intruder
func (s *Service) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM intruders WHERE id = ?", id)
	return err
}

// DeleteBefore removes intruders detected before cutoff
func (s *Service) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM intruders WHERE detected_at < ?", cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to delete intruders: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		return n, err
	}
	if err := s.db.Checkpoint(ctx); err != nil {
		s.logger.Warn("Failed to checkpoint after purge", "error", err)
	}
	return n, nil
}

// GetStats returns intruder statistics
func (s *Service) GetStats(ctx context.Context, cameraID string) (*Stats, error) {
	now := time.Now()
	todayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	stats := &Stats{ByLabel: make(map[string]int)}

	query := "SELECT label, COUNT(*), SUM(CASE WHEN detected_at >= ? THEN 1 ELSE 0 END) FROM intruders"
	args := []interface{}{todayStart.Unix()}
	if cameraID != "" {
		query += " WHERE camera_id = ?"
		args = append(args, cameraID)
	}
	query += " GROUP BY label"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var label string
		var count, today int
		if err := rows.Scan(&label, &count, &today); err != nil {
			return nil, err
		}
		stats.ByLabel[label] = count
		stats.Total += count
		stats.Today += today
	}
	return stats, rows.Err()
}

func (s *Service) notifySubscribers(intruder *Intruder) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- intruder:
		default:
		}
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanIntruder(row rowScanner) (*Intruder, error) {
	intruder := &Intruder{}
	var detectedAt, createdAt int64
	var videoPath, thumbnailPath, archiveKey, gifPath sql.NullString

	if err := row.Scan(
		&intruder.ID, &intruder.CameraID, &intruder.Label, &videoPath, &thumbnailPath,
		&detectedAt, &intruder.FrameCount, &archiveKey, &createdAt, &gifPath,
	); err != nil {
		return nil, err
	}

	intruder.DetectedAt = time.Unix(detectedAt, 0)
	intruder.CreatedAt = time.Unix(createdAt, 0)
	intruder.VideoPath = videoPath.String
	intruder.ThumbnailPath = thumbnailPath.String
	intruder.ArchiveKey = archiveKey.String
	intruder.GifPath = gifPath.String
	return intruder, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
