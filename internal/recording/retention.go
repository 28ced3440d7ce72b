package recording

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Spatial-NVR/opensec/internal/storage"
)

// RecordPurger deletes intruder records older than a cutoff
type RecordPurger interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionStats holds statistics from a cleanup run
type RetentionStats struct {
	FilesDeleted   int   `json:"files_deleted"`
	BytesFreed     int64 `json:"bytes_freed"`
	RecordsDeleted int64 `json:"records_deleted"`
}

// RetentionPolicy deletes clips and thumbnails older than a fixed age
type RetentionPolicy struct {
	mu      sync.Mutex
	layout  storage.Layout
	maxAge  time.Duration
	purger  RecordPurger
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	logger  *slog.Logger
}

// NewRetentionPolicy creates a retention policy. days <= 0 disables cleanup.
// purger may be nil.
func NewRetentionPolicy(layout storage.Layout, days int, purger RecordPurger) *RetentionPolicy {
	return &RetentionPolicy{
		layout: layout,
		maxAge: time.Duration(days) * 24 * time.Hour,
		purger: purger,
		logger: slog.Default().With("component", "retention"),
	}
}

// Start starts periodic cleanup
func (p *RetentionPolicy) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("invalid cleanup interval %v", interval)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})

	go p.runCleanupLoop(ctx, interval, p.stopCh, p.doneCh)
	return nil
}

// Stop stops periodic cleanup and waits for a running pass to finish
func (p *RetentionPolicy) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	close(p.stopCh)
	done := p.doneCh
	p.running = false
	p.mu.Unlock()

	<-done
}

func (p *RetentionPolicy) runCleanupLoop(ctx context.Context, interval time.Duration, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if _, err := p.RunCleanup(ctx); err != nil {
		p.logger.Error("Initial retention cleanup failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if _, err := p.RunCleanup(ctx); err != nil {
				p.logger.Error("Retention cleanup failed", "error", err)
			}
		}
	}
}

// RunCleanup executes one cleanup pass
func (p *RetentionPolicy) RunCleanup(ctx context.Context) (*RetentionStats, error) {
	stats := &RetentionStats{}
	if p.maxAge <= 0 {
		return stats, nil
	}

	cutoff := time.Now().Add(-p.maxAge)

	var errs []error
	for _, dir := range []string{
		filepath.Join(p.layout.Root, storage.VideosDir),
		filepath.Join(p.layout.Root, storage.ThumbnailsDir),
	} {
		if err := p.cleanupDir(ctx, dir, cutoff, stats); err != nil {
			errs = append(errs, err)
		}
	}

	if p.purger != nil {
		n, err := p.purger.DeleteBefore(ctx, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to purge records: %w", err))
		}
		stats.RecordsDeleted = n
	}

	p.logger.Info("Retention cleanup completed",
		"files_deleted", stats.FilesDeleted,
		"bytes_freed", stats.BytesFreed,
		"records_deleted", stats.RecordsDeleted,
	)
	return stats, errors.Join(errs...)
}

// cleanupDir removes finished files older than cutoff. Working files are
// never touched.
func (p *RetentionPolicy) cleanupDir(ctx context.Context, root string, cutoff time.Time, stats *RetentionStats) error {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || d.Name() == WorkingFileName {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		if !info.ModTime().Before(cutoff) {
			return nil
		}

		if err := os.Remove(path); err != nil {
			p.logger.Warn("Failed to delete expired file", "path", path, "error", err)
			return nil
		}
		stats.FilesDeleted++
		stats.BytesFreed += info.Size()
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to clean %s: %w", root, err)
	}
	return nil
}
