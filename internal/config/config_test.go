package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
version: "1.0"
system:
  name: "Test Site"
  data_path: "/srv/opensec"
fleet:
  max_reconnect_attempts: 7
detection:
  min_consecutive_frames: 20
cameras:
  - id: front
    name: Front Door
    enabled: true
    stream:
      url: rtsp://10.0.0.5/stream1
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.System.Name != "Test Site" {
		t.Errorf("Expected name 'Test Site', got '%s'", cfg.System.Name)
	}
	if cfg.Fleet.MaxReconnectAttempts != 7 {
		t.Errorf("Expected max_reconnect_attempts 7, got %d", cfg.Fleet.MaxReconnectAttempts)
	}
	if cfg.Detection.MinConsecutiveFrames != 20 {
		t.Errorf("Expected min_consecutive_frames 20, got %d", cfg.Detection.MinConsecutiveFrames)
	}
	if cfg.System.Database.Path != "/srv/opensec/opensec.db" {
		t.Errorf("Expected database path derived from data path, got '%s'", cfg.System.Database.Path)
	}
	if len(cfg.Cameras) != 1 || cfg.Cameras[0].Stream.URL != "rtsp://10.0.0.5/stream1" {
		t.Errorf("Unexpected cameras: %+v", cfg.Cameras)
	}
}

func TestLoadNonExistent(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Expected error when loading non-existent file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("cameras: [unterminated"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(configPath); err == nil {
		t.Error("Expected parse error")
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	tests := []struct {
		name string
		got  interface{}
		want interface{}
	}{
		{"frame interval", cfg.Fleet.FrameInterval(), 50 * time.Millisecond},
		{"max reconnect attempts", cfg.Fleet.MaxReconnectAttempts, 3},
		{"snapshot interval", cfg.Fleet.SnapshotInterval(), 10 * time.Second},
		{"frame width", cfg.Detection.FrameWidth, 448},
		{"frame height", cfg.Detection.FrameHeight, 252},
		{"poll stride", cfg.Detection.PollStride, 2},
		{"min contour area", cfg.Detection.MinContourArea, 2000},
		{"min consecutive frames", cfg.Detection.MinConsecutiveFrames, 15},
		{"max frames to record", cfg.Detection.MaxFramesToRecord, 100},
		{"max stored frames", cfg.Recording.MaxStoredFrames, 150},
		{"rename attempts", cfg.Recording.RenameAttempts, 3},
		{"gif stride", cfg.Recording.GIFStride, 4},
		{"gif scale", cfg.Recording.GIFScale, 0.4},
		{"hls segment", cfg.Streaming.SegmentSeconds, 5},
		{"hls list size", cfg.Streaming.ListSize, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestFrameCapLimitedByStoredFrames(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	content := `
detection:
  max_frames_to_record: 300
recording:
  max_stored_frames: 50
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Detection.MaxFramesToRecord != 50 {
		t.Errorf("Expected max_frames_to_record limited to 50, got %d", cfg.Detection.MaxFramesToRecord)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OPENSEC_DATA", "/tmp/opensec-env")
	t.Setenv("OPENSEC_MINIO_SECRET_KEY", "from-env")

	cfg := Default()
	if cfg.System.DataPath != "/tmp/opensec-env" {
		t.Errorf("Expected data path from env, got %s", cfg.System.DataPath)
	}
	if cfg.Archive.SecretKey != "from-env" {
		t.Errorf("Expected secret key from env, got %s", cfg.Archive.SecretKey)
	}
	if !strings.HasPrefix(cfg.Storage.Root, "/tmp/opensec-env") {
		t.Errorf("Expected storage root under data path, got %s", cfg.Storage.Root)
	}
}

func TestSaveEncryptsPasswords(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	cfg := Default()
	cfg.SetPath(configPath)
	cfg.Cameras = []CameraConfig{{
		ID:      "garage",
		Name:    "Garage",
		Enabled: true,
		Stream:  StreamConfig{URL: "rtsp://10.0.0.9/live", Username: "admin", Password: "hunter2"},
	}}

	if err := cfg.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "hunter2") {
		t.Error("Password stored in plaintext")
	}
	if !strings.Contains(string(data), "encrypted:") {
		t.Error("Expected encrypted password marker")
	}
	if cfg.Cameras[0].Stream.Password != "hunter2" {
		t.Error("Save must not mutate in-memory password")
	}

	loaded, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Cameras[0].Stream.Password != "hunter2" {
		t.Errorf("Expected decrypted password, got %q", loaded.Cameras[0].Stream.Password)
	}
}

func TestSourceURI(t *testing.T) {
	tests := []struct {
		name string
		cam  CameraConfig
		want string
	}{
		{
			name: "no credentials",
			cam:  CameraConfig{Stream: StreamConfig{URL: "rtsp://10.0.0.5/live"}},
			want: "rtsp://10.0.0.5/live",
		},
		{
			name: "credentials injected",
			cam:  CameraConfig{Stream: StreamConfig{URL: "rtsp://10.0.0.5/live", Username: "admin", Password: "pw"}},
			want: "rtsp://admin:pw@10.0.0.5/live",
		},
		{
			name: "url already has credentials",
			cam:  CameraConfig{Stream: StreamConfig{URL: "rtsp://u:p@10.0.0.5/live", Username: "admin", Password: "pw"}},
			want: "rtsp://u:p@10.0.0.5/live",
		},
		{
			name: "file path untouched",
			cam:  CameraConfig{Stream: StreamConfig{URL: "/videos/test.mp4", Username: "admin"}},
			want: "/videos/test.mp4",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cam.SourceURI(); got != tt.want {
				t.Errorf("SourceURI() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUpsertAndRemoveCamera(t *testing.T) {
	cfg := Default()
	cfg.SetPath(filepath.Join(t.TempDir(), "config.yaml"))

	if err := cfg.UpsertCamera(CameraConfig{ID: "a", Name: "A", Stream: StreamConfig{URL: "rtsp://h/a"}}); err != nil {
		t.Fatal(err)
	}
	if err := cfg.UpsertCamera(CameraConfig{ID: "a", Name: "A2", Stream: StreamConfig{URL: "rtsp://h/a"}}); err != nil {
		t.Fatal(err)
	}
	if got := cfg.GetCamera("a"); got == nil || got.Name != "A2" {
		t.Fatalf("Expected updated camera, got %+v", got)
	}
	if len(cfg.CamerasSnapshot()) != 1 {
		t.Errorf("Expected 1 camera, got %d", len(cfg.CamerasSnapshot()))
	}

	if err := cfg.RemoveCamera("a"); err != nil {
		t.Fatal(err)
	}
	if err := cfg.RemoveCamera("a"); err == nil {
		t.Error("Expected error removing missing camera")
	}
}

func TestWatchReloadsAndNotifies(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	cfg := Default()
	cfg.SetPath(configPath)
	if err := cfg.Save(); err != nil {
		t.Fatal(err)
	}

	changed := make(chan int, 4)
	cfg.OnChange(func(c *Config) {
		changed <- len(c.CamerasSnapshot())
	})

	stop := make(chan struct{})
	defer close(stop)
	if err := cfg.Watch(stop); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	content := "cameras:\n  - id: x\n    name: X\n    stream:\n      url: rtsp://h/x\n"
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case n := <-changed:
		if n != 1 {
			t.Errorf("Expected 1 camera after reload, got %d", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for reload")
	}
}
