package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Spatial-NVR/opensec/internal/camera"
	"github.com/Spatial-NVR/opensec/internal/detection"
	"github.com/Spatial-NVR/opensec/internal/events"
	"github.com/Spatial-NVR/opensec/internal/logging"
	"github.com/Spatial-NVR/opensec/internal/source"
	"github.com/Spatial-NVR/opensec/internal/storage"
	"github.com/Spatial-NVR/opensec/internal/streaming"
)

type fakeFleet struct {
	cameras []camera.Status
}

func (f *fakeFleet) Status() []camera.Status { return f.cameras }

func (f *fakeFleet) Camera(id string) (camera.Status, bool) {
	for _, c := range f.cameras {
		if c.ID == id {
			return c, true
		}
	}
	return camera.Status{}, false
}

type fakeIntruders struct {
	items    map[string]*events.Intruder
	lastOpts events.ListOptions
	deleted  []string
}

func (f *fakeIntruders) Get(_ context.Context, id string) (*events.Intruder, error) {
	if i, ok := f.items[id]; ok {
		return i, nil
	}
	return nil, events.ErrNotFound
}

func (f *fakeIntruders) List(_ context.Context, opts events.ListOptions) ([]*events.Intruder, int, error) {
	f.lastOpts = opts
	out := make([]*events.Intruder, 0, len(f.items))
	for _, i := range f.items {
		out = append(out, i)
	}
	return out, len(out), nil
}

func (f *fakeIntruders) GetStats(_ context.Context, cameraID string) (*events.Stats, error) {
	return &events.Stats{Total: len(f.items), ByLabel: map[string]int{"person": len(f.items)}}, nil
}

func (f *fakeIntruders) Delete(_ context.Context, id string) error {
	if _, ok := f.items[id]; !ok {
		return events.ErrNotFound
	}
	delete(f.items, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func newTestServer(t *testing.T) (*Server, *fakeIntruders, *logging.RingBuffer) {
	t.Helper()

	intruders := &fakeIntruders{items: map[string]*events.Intruder{
		"i1": {ID: "i1", CameraID: "front", Label: "person", DetectedAt: time.Now()},
	}}
	logs := logging.NewRingBuffer(10)
	srv := NewServer(ServerConfig{}, Deps{
		Fleet: &fakeFleet{cameras: []camera.Status{
			{ID: "front", Name: "Front Door", Active: true, State: source.Connected, Streaming: true,
				Stream: &streaming.Stats{Running: true, PID: 4242, Restarts: 1}},
			{ID: "yard", Name: "Yard", State: source.Disconnected, Error: "unreachable"},
		}},
		Intruders: intruders,
		Logs:      logs,
		Layout:    storage.Layout{Root: t.TempDir()},
		Health: map[string]HealthChecker{
			"database": HealthFunc(func(context.Context) error { return nil }),
		},
		Extras: map[string]func() interface{}{
			"archive": func() interface{} { return map[string]int{"uploaded": 2} },
		},
	})
	return srv, intruders, logs
}

func doRequest(t *testing.T, h http.Handler, method, target string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var resp Response
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") && w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
	}
	return w, resp
}

func TestListCameras(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w, _ := doRequest(t, srv.Handler(), http.MethodGet, "/api/cameras")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var body struct {
		Data []CameraView `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if len(body.Data) != 2 {
		t.Fatalf("Expected 2 cameras, got %d", len(body.Data))
	}

	front := body.Data[0]
	if !front.IsActive || front.State != "connected" {
		t.Errorf("Unexpected front camera %+v", front)
	}
	if front.StreamLink != "/stream/front/index.m3u8" {
		t.Errorf("Unexpected stream link %q", front.StreamLink)
	}
	if front.SnapshotURL != "/media/snapshots/front.jpg" {
		t.Errorf("Unexpected snapshot url %q", front.SnapshotURL)
	}
	if front.Stream == nil || front.Stream.PID != 4242 || front.Stream.Restarts != 1 {
		t.Errorf("Unexpected live feed stats %+v", front.Stream)
	}

	yard := body.Data[1]
	if yard.IsActive || yard.StreamLink != "" || yard.Error != "unreachable" || yard.Stream != nil {
		t.Errorf("Unexpected yard camera %+v", yard)
	}
}

func TestGetCameraNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w, resp := doRequest(t, srv.Handler(), http.MethodGet, "/api/cameras/missing")
	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", w.Code)
	}
	if resp.Error == nil || resp.Error.Code != "NOT_FOUND" {
		t.Errorf("Expected NOT_FOUND error, got %+v", resp.Error)
	}
}

func TestListIntruders(t *testing.T) {
	srv, intruders, _ := newTestServer(t)

	w, resp := doRequest(t, srv.Handler(), http.MethodGet, "/api/intruders?camera_id=front&label=person&limit=10")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if resp.Meta == nil || resp.Meta.Total != 1 || resp.Meta.Limit != 10 {
		t.Errorf("Unexpected meta %+v", resp.Meta)
	}
	if intruders.lastOpts.CameraID != "front" || intruders.lastOpts.Label != "person" {
		t.Errorf("Filters not passed through: %+v", intruders.lastOpts)
	}

	w, resp = doRequest(t, srv.Handler(), http.MethodGet, "/api/intruders?limit=0&label=ghost")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", w.Code)
	}
	if resp.Error == nil || len(resp.Error.Details) != 2 {
		t.Errorf("Expected 2 validation errors, got %+v", resp.Error)
	}
}

func TestGetAndDeleteIntruder(t *testing.T) {
	srv, intruders, _ := newTestServer(t)
	h := srv.Handler()

	if w, _ := doRequest(t, h, http.MethodGet, "/api/intruders/i1"); w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if w, _ := doRequest(t, h, http.MethodDelete, "/api/intruders/i1"); w.Code != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", w.Code)
	}
	if len(intruders.deleted) != 1 {
		t.Errorf("Expected delete to reach the store")
	}
	if w, _ := doRequest(t, h, http.MethodGet, "/api/intruders/i1"); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 after delete, got %d", w.Code)
	}
	if w, _ := doRequest(t, h, http.MethodDelete, "/api/intruders/i1"); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 deleting twice, got %d", w.Code)
	}
}

func TestIntruderStats(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w, _ := doRequest(t, srv.Handler(), http.MethodGet, "/api/intruders/stats")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"person":1`) {
		t.Errorf("Unexpected stats body %s", w.Body.String())
	}
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	if w, _ := doRequest(t, srv.Handler(), http.MethodGet, "/api/health"); w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	srv.deps.Health["event_bus"] = HealthFunc(func(context.Context) error {
		return errors.New("not connected")
	})
	w, resp := doRequest(t, srv.Handler(), http.MethodGet, "/api/health")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d", w.Code)
	}
	if resp.Success {
		t.Error("Expected success=false when degraded")
	}
	if !strings.Contains(w.Body.String(), "not connected") {
		t.Errorf("Expected failing check in body, got %s", w.Body.String())
	}
}

func TestHealthReportsClassifier(t *testing.T) {
	var down atomic.Bool
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer backend.Close()

	client, err := detection.NewClient(detection.ClientConfig{URL: backend.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	srv, _, _ := newTestServer(t)
	srv.deps.Health["classifier"] = HealthFunc(client.Health)

	if w, _ := doRequest(t, srv.Handler(), http.MethodGet, "/api/health"); w.Code != http.StatusOK {
		t.Errorf("Expected 200 with classifier up, got %d", w.Code)
	}

	down.Store(true)
	w, _ := doRequest(t, srv.Handler(), http.MethodGet, "/api/health")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503 with classifier down, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "classification service unhealthy: 503") {
		t.Errorf("Expected classifier check in body, got %s", w.Body.String())
	}
}

func TestStatusIncludesExtras(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w, _ := doRequest(t, srv.Handler(), http.MethodGet, "/api/status")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{`"cameras"`, `"archive"`, `"uploaded":2`} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected %s in %s", want, body)
		}
	}
}

func TestLogs(t *testing.T) {
	srv, _, logs := newTestServer(t)
	logs.Add(logging.LogEntry{Message: "started", Level: "INFO", Component: "api", Time: time.Now()})
	logs.Add(logging.LogEntry{Message: "lost feed", Level: "WARN", Component: "source", Time: time.Now()})

	w, _ := doRequest(t, srv.Handler(), http.MethodGet, "/api/logs?component=source")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "lost feed") || strings.Contains(w.Body.String(), "started") {
		t.Errorf("Unexpected log body %s", w.Body.String())
	}

	if w, _ := doRequest(t, srv.Handler(), http.MethodGet, "/api/logs?limit=abc"); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad limit, got %d", w.Code)
	}
}

func TestLogStream(t *testing.T) {
	srv, _, logs := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/logs/stream?level=warn", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to open stream: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Unexpected content type %q", ct)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		logs.Add(logging.LogEntry{Message: "ignored", Level: "INFO"})
		logs.Add(logging.LogEntry{Message: "camera offline", Level: "ERROR"})
	}()

	buf := make([]byte, 4096)
	var got strings.Builder
	for !strings.Contains(got.String(), "camera offline") {
		n, err := resp.Body.Read(buf)
		if err != nil {
			t.Fatalf("Stream ended early: %v (got %q)", err, got.String())
		}
		got.Write(buf[:n])
	}
	if strings.Contains(got.String(), "ignored") {
		t.Errorf("Expected info entry to be filtered, got %q", got.String())
	}
}

func TestStreamFiles(t *testing.T) {
	srv, _, _ := newTestServer(t)
	dir := srv.deps.Layout.Stream("front")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "index.m3u8"), []byte("#EXTM3U\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "index0.ts"), []byte{0x47}, 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name        string
		target      string
		wantStatus  int
		contentType string
	}{
		{"manifest", "/stream/front/index.m3u8", http.StatusOK, "application/vnd.apple.mpegurl"},
		{"segment", "/stream/front/index0.ts", http.StatusOK, "video/mp2t"},
		{"unknown camera", "/stream/garage/index.m3u8", http.StatusNotFound, ""},
		{"other file type", "/stream/front/notes.txt", http.StatusNotFound, ""},
		{"missing segment", "/stream/front/index9.ts", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := doRequest(t, srv.Handler(), http.MethodGet, tt.target)
			if w.Code != tt.wantStatus {
				t.Fatalf("Expected %d, got %d", tt.wantStatus, w.Code)
			}
			if tt.contentType != "" {
				if ct := w.Header().Get("Content-Type"); ct != tt.contentType {
					t.Errorf("Expected content type %s, got %s", tt.contentType, ct)
				}
				if cc := w.Header().Get("Cache-Control"); cc != "no-cache" {
					t.Errorf("Expected no-cache, got %q", cc)
				}
			}
		})
	}
}

func TestMediaServesSnapshots(t *testing.T) {
	srv, _, _ := newTestServer(t)
	dir := srv.deps.Layout.Snapshots()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "front.jpg"), []byte("jpeg"), 0644); err != nil {
		t.Fatal(err)
	}

	w, _ := doRequest(t, srv.Handler(), http.MethodGet, "/media/snapshots/front.jpg")
	if w.Code != http.StatusOK || w.Body.String() != "jpeg" {
		t.Errorf("Expected snapshot bytes, got %d %q", w.Code, w.Body.String())
	}
}
