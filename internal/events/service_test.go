package events

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/Spatial-NVR/opensec/internal/database"
)

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(&database.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := database.NewMigrator(db).Run(context.Background()); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	return db
}

func TestNewService(t *testing.T) {
	db := setupTestDB(t)

	service := NewService(db)
	if service == nil {
		t.Fatal("NewService returned nil")
	}
	if service.db != db {
		t.Error("Service db not set correctly")
	}
}

func TestCreate(t *testing.T) {
	service := NewService(setupTestDB(t))

	intruder := &Intruder{
		CameraID:      "cam1",
		Label:         "person",
		VideoPath:     "/media/videos/cam1/2024-05-01_12-30-00.mp4",
		ThumbnailPath: "/media/thumbnails/cam1/2024-05-01_12-30-00.jpg",
		FrameCount:    42,
	}
	if err := service.Create(context.Background(), intruder); err != nil {
		t.Fatalf("Failed to create intruder: %v", err)
	}
	if intruder.ID == "" {
		t.Error("Intruder ID should be generated")
	}
	if intruder.CreatedAt.IsZero() || intruder.DetectedAt.IsZero() {
		t.Error("Timestamps should be set")
	}
}

func TestCreateRejectsInvalid(t *testing.T) {
	service := NewService(setupTestDB(t))

	tests := []struct {
		name     string
		intruder *Intruder
	}{
		{"no camera", &Intruder{Label: "person"}},
		{"no label", &Intruder{CameraID: "cam1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := service.Create(context.Background(), tt.intruder); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestGet(t *testing.T) {
	service := NewService(setupTestDB(t))

	detected := time.Now().Add(-time.Minute).Truncate(time.Second)
	intruder := &Intruder{CameraID: "cam1", Label: "animal", DetectedAt: detected, FrameCount: 7}
	service.Create(context.Background(), intruder)

	got, err := service.Get(context.Background(), intruder.ID)
	if err != nil {
		t.Fatalf("Failed to get intruder: %v", err)
	}
	if got.Label != "animal" || got.CameraID != "cam1" || got.FrameCount != 7 {
		t.Errorf("Unexpected intruder %+v", got)
	}
	if !got.DetectedAt.Equal(detected) {
		t.Errorf("Expected detected_at %v, got %v", detected, got.DetectedAt)
	}
	if got.VideoPath != "" {
		t.Errorf("Expected empty video path, got %q", got.VideoPath)
	}
}

func TestGetKeepsMediaPaths(t *testing.T) {
	service := NewService(setupTestDB(t))

	intruder := &Intruder{
		CameraID:      "cam1",
		Label:         "person",
		VideoPath:     "/media/videos/cam1/2024-05-01_12-30-00.mp4",
		ThumbnailPath: "/media/thumbnails/cam1/2024-05-01_12-30-00.jpg",
		GifPath:       "/media/gifs/cam1/2024-05-01_12-30-00.gif",
	}
	if err := service.Create(context.Background(), intruder); err != nil {
		t.Fatalf("Failed to create intruder: %v", err)
	}

	got, err := service.Get(context.Background(), intruder.ID)
	if err != nil {
		t.Fatalf("Failed to get intruder: %v", err)
	}
	if got.VideoPath != intruder.VideoPath || got.ThumbnailPath != intruder.ThumbnailPath || got.GifPath != intruder.GifPath {
		t.Errorf("Media paths not kept: %+v", got)
	}
}

func TestGetNotFound(t *testing.T) {
	service := NewService(setupTestDB(t))

	if _, err := service.Get(context.Background(), "nonexistent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestListWithFilters(t *testing.T) {
	service := NewService(setupTestDB(t))
	ctx := context.Background()

	now := time.Now()
	for _, i := range []*Intruder{
		{CameraID: "cam1", Label: "person", DetectedAt: now.Add(-3 * time.Minute)},
		{CameraID: "cam1", Label: "vehicle", DetectedAt: now.Add(-2 * time.Minute)},
		{CameraID: "cam2", Label: "person", DetectedAt: now.Add(-time.Minute)},
		{CameraID: "cam2", Label: "animal", DetectedAt: now.Add(-48 * time.Hour)},
	} {
		if err := service.Create(ctx, i); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name string
		opts ListOptions
		want int
	}{
		{"all", ListOptions{}, 4},
		{"camera", ListOptions{CameraID: "cam1"}, 2},
		{"label", ListOptions{Label: "person"}, 2},
		{"since", ListOptions{StartTime: now.Add(-time.Hour)}, 3},
		{"limit", ListOptions{Limit: 1}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _, err := service.List(ctx, tt.opts)
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("Expected %d intruders, got %d", tt.want, len(got))
			}
		})
	}

	all, total, _ := service.List(ctx, ListOptions{})
	if total != 4 {
		t.Errorf("Expected total 4, got %d", total)
	}
	if all[0].CameraID != "cam2" || all[0].Label != "person" {
		t.Errorf("Expected newest first, got %+v", all[0])
	}
}

func TestDeleteBefore(t *testing.T) {
	service := NewService(setupTestDB(t))
	ctx := context.Background()

	service.Create(ctx, &Intruder{CameraID: "cam1", Label: "person", DetectedAt: time.Now().Add(-10 * 24 * time.Hour)})
	service.Create(ctx, &Intruder{CameraID: "cam1", Label: "person", DetectedAt: time.Now()})

	n, err := service.DeleteBefore(ctx, time.Now().Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteBefore failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 deleted, got %d", n)
	}
	if _, total, _ := service.List(ctx, ListOptions{}); total != 1 {
		t.Errorf("Expected 1 remaining, got %d", total)
	}
}

func TestSetArchiveKey(t *testing.T) {
	service := NewService(setupTestDB(t))
	ctx := context.Background()

	intruder := &Intruder{CameraID: "cam1", Label: "person"}
	service.Create(ctx, intruder)

	if err := service.SetArchiveKey(ctx, intruder.ID, "cam1/clip.mp4"); err != nil {
		t.Fatalf("SetArchiveKey failed: %v", err)
	}
	got, _ := service.Get(ctx, intruder.ID)
	if got.ArchiveKey != "cam1/clip.mp4" {
		t.Errorf("Expected archive key, got %q", got.ArchiveKey)
	}

	if err := service.SetArchiveKey(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestGetStats(t *testing.T) {
	service := NewService(setupTestDB(t))
	ctx := context.Background()

	service.Create(ctx, &Intruder{CameraID: "cam1", Label: "person"})
	service.Create(ctx, &Intruder{CameraID: "cam1", Label: "person"})
	service.Create(ctx, &Intruder{CameraID: "cam2", Label: "animal"})

	stats, err := service.GetStats(ctx, "")
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.Total != 3 || stats.Today != 3 {
		t.Errorf("Unexpected totals %+v", stats)
	}
	if stats.ByLabel["person"] != 2 || stats.ByLabel["animal"] != 1 {
		t.Errorf("Unexpected label counts %v", stats.ByLabel)
	}

	stats, _ = service.GetStats(ctx, "cam2")
	if stats.Total != 1 {
		t.Errorf("Expected 1 for cam2, got %d", stats.Total)
	}
}

func TestSubscribe(t *testing.T) {
	service := NewService(setupTestDB(t))

	ch := service.Subscribe()
	intruder := &Intruder{CameraID: "cam1", Label: "vehicle"}
	service.Create(context.Background(), intruder)

	select {
	case got := <-ch:
		if got.ID != intruder.ID {
			t.Errorf("Expected %s, got %s", intruder.ID, got.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("No intruder delivered")
	}

	service.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Error("Expected channel closed")
	}
}
