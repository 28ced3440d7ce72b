package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/Spatial-NVR/opensec/internal/camera"
	"github.com/Spatial-NVR/opensec/internal/events"
	"github.com/Spatial-NVR/opensec/internal/intrusion"
	"github.com/Spatial-NVR/opensec/internal/logging"
	"github.com/Spatial-NVR/opensec/internal/recording"
	"github.com/Spatial-NVR/opensec/internal/storage"
	"github.com/Spatial-NVR/opensec/internal/streaming"
)

// Fleet reports per-camera connection and streaming state
type Fleet interface {
	Status() []camera.Status
	Camera(id string) (camera.Status, bool)
}

// DetectionStatus reports the detection loop state per camera
type DetectionStatus interface {
	Status() []intrusion.SourceStatus
}

// RecorderStatus reports the clip recorder state per camera
type RecorderStatus interface {
	Status() []recording.SourceStatus
}

// IntruderStore is the read side of the intruder history
type IntruderStore interface {
	Get(ctx context.Context, id string) (*events.Intruder, error)
	List(ctx context.Context, opts events.ListOptions) ([]*events.Intruder, int, error)
	GetStats(ctx context.Context, cameraID string) (*events.Stats, error)
	Delete(ctx context.Context, id string) error
}

// HealthChecker is a dependency probed by the health endpoint
type HealthChecker interface {
	Health(ctx context.Context) error
}

// HealthFunc adapts a function to HealthChecker
type HealthFunc func(ctx context.Context) error

// Health implements HealthChecker
func (f HealthFunc) Health(ctx context.Context) error { return f(ctx) }

// Deps are the services the API reads from. Nil optional fields disable
// the matching routes or sections.
type Deps struct {
	Fleet     Fleet
	Detection DetectionStatus
	Recorder  RecorderStatus
	Intruders IntruderStore
	Logs      *logging.RingBuffer
	Hub       *Hub
	Layout    storage.Layout

	// Health probes keyed by name, e.g. "database" and "event_bus"
	Health map[string]HealthChecker

	// Extra status sections such as archive and notifier counters
	Extras map[string]func() interface{}
}

// ServerConfig holds HTTP settings
type ServerConfig struct {
	Listen         string
	CORSOrigins    []string
	RequestTimeout time.Duration
}

// Server serves the fleet API
type Server struct {
	cfg     ServerConfig
	deps    Deps
	logger  *slog.Logger
	started time.Time
	http    *http.Server
}

// NewServer creates an API server
func NewServer(cfg ServerConfig, deps Deps) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}
	return &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  slog.Default().With("component", "api"),
		started: time.Now(),
	}
}

// Handler builds the router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Long lived routes stay outside the request timeout
	if s.deps.Hub != nil {
		r.Get("/ws", s.deps.Hub.HandleWebSocket)
	}
	if s.deps.Logs != nil {
		r.Get("/api/logs/stream", s.handleLogStream)
	}
	r.Get("/stream/{id}/*", s.handleStream)
	r.Handle("/media/*", http.StripPrefix("/media/", http.FileServer(http.Dir(s.deps.Layout.Root))))

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.cfg.RequestTimeout))

		r.Get("/api/health", s.handleHealth)
		r.Get("/api/status", s.handleStatus)
		r.Get("/api/system/metrics", s.handleSystemMetrics)

		r.Route("/api/cameras", func(r chi.Router) {
			r.Get("/", s.handleListCameras)
			r.Get("/{id}", s.handleGetCamera)
		})

		if s.deps.Intruders != nil {
			r.Route("/api/intruders", func(r chi.Router) {
				r.Get("/", s.handleListIntruders)
				r.Get("/stats", s.handleIntruderStats)
				r.Get("/{id}", s.handleGetIntruder)
				r.Delete("/{id}", s.handleDeleteIntruder)
			})
		}

		if s.deps.Logs != nil {
			r.Get("/api/logs", s.handleLogs)
		}
	})

	return r
}

// ListenAndServe serves until Shutdown is called
func (s *Server) ListenAndServe() error {
	s.http = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("API listening", "addr", s.cfg.Listen)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// CameraView is a camera as presented to clients
type CameraView struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	IsActive          bool   `json:"is_active"`
	State             string `json:"state"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
	Streaming         bool   `json:"streaming"`
	StreamLink        string `json:"stream_link,omitempty"`
	SnapshotURL       string `json:"snapshot_url,omitempty"`
	Error             string `json:"error,omitempty"`

	Stream *streaming.Stats `json:"stream,omitempty"`
}

func (s *Server) cameraView(st camera.Status) CameraView {
	v := CameraView{
		ID:                st.ID,
		Name:              st.Name,
		IsActive:          st.Active,
		State:             st.State.String(),
		ReconnectAttempts: st.ReconnectAttempts,
		Streaming:         st.Streaming,
		Error:             st.Error,
		Stream:            st.Stream,
	}
	if st.Streaming {
		v.StreamLink = StreamLink(st.ID)
	}
	if s.deps.Layout.Root != "" {
		v.SnapshotURL = "/media/" + s.deps.Layout.Rel(s.deps.Layout.Snapshots()) + "/" + storage.SanitizeName(st.ID) + ".jpg"
	}
	return v
}

// StreamLink is the manifest URL for a camera's live stream
func StreamLink(cameraID string) string {
	return "/stream/" + cameraID + "/" + streaming.ManifestName
}

func (s *Server) handleListCameras(w http.ResponseWriter, r *http.Request) {
	if s.deps.Fleet == nil {
		OK(w, []CameraView{})
		return
	}
	statuses := s.deps.Fleet.Status()
	views := make([]CameraView, 0, len(statuses))
	for _, st := range statuses {
		views = append(views, s.cameraView(st))
	}
	OK(w, views)
}

func (s *Server) handleGetCamera(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.deps.Fleet == nil {
		NotFound(w, "camera not found")
		return
	}
	st, ok := s.deps.Fleet.Camera(id)
	if !ok {
		NotFound(w, "camera not found")
		return
	}
	OK(w, s.cameraView(st))
}

func (s *Server) handleListIntruders(w http.ResponseWriter, r *http.Request) {
	opts, verrs := parseIntruderQuery(r.URL.Query())
	if verrs.HasErrors() {
		ValidationErrorResponse(w, verrs)
		return
	}

	intruders, total, err := s.deps.Intruders.List(r.Context(), opts)
	if err != nil {
		s.logger.Error("Failed to list intruders", "error", err)
		InternalError(w, "failed to list intruders")
		return
	}
	if intruders == nil {
		intruders = []*events.Intruder{}
	}
	List(w, intruders, total, opts.Limit, opts.Offset)
}

func (s *Server) handleIntruderStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Intruders.GetStats(r.Context(), r.URL.Query().Get("camera_id"))
	if err != nil {
		s.logger.Error("Failed to compute intruder stats", "error", err)
		InternalError(w, "failed to compute stats")
		return
	}
	OK(w, stats)
}

func (s *Server) handleGetIntruder(w http.ResponseWriter, r *http.Request) {
	intruder, err := s.deps.Intruders.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, events.ErrNotFound) {
		NotFound(w, "intruder not found")
		return
	}
	if err != nil {
		InternalError(w, "failed to get intruder")
		return
	}
	OK(w, intruder)
}

func (s *Server) handleDeleteIntruder(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Intruders.Delete(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, events.ErrNotFound) {
		NotFound(w, "intruder not found")
		return
	}
	if err != nil {
		InternalError(w, "failed to delete intruder")
		return
	}
	NoContent(w)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	checks := make(map[string]string, len(s.deps.Health))
	for name, hc := range s.deps.Health {
		if err := hc.Health(r.Context()); err != nil {
			checks[name] = err.Error()
			status = "degraded"
			continue
		}
		checks[name] = "ok"
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	write(w, code, Response{
		Success: code == http.StatusOK,
		Data: map[string]interface{}{
			"status": status,
			"checks": checks,
			"uptime": int64(time.Since(s.started).Seconds()),
		},
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]interface{}{
		"uptime": int64(time.Since(s.started).Seconds()),
	}
	if s.deps.Fleet != nil {
		out["cameras"] = s.deps.Fleet.Status()
	}
	if s.deps.Detection != nil {
		out["detection"] = s.deps.Detection.Status()
	}
	if s.deps.Recorder != nil {
		out["recorder"] = s.deps.Recorder.Status()
	}
	if s.deps.Hub != nil {
		out["websocket_clients"] = s.deps.Hub.ClientCount()
	}
	for name, fn := range s.deps.Extras {
		out[name] = fn()
	}
	OK(w, out)
}

// handleSystemMetrics reports host CPU, memory and storage usage
func (s *Server) handleSystemMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	metrics := map[string]interface{}{
		"uptime": int64(time.Since(s.started).Seconds()),
	}

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		metrics["cpu"] = map[string]interface{}{"percent": pct[0]}
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		metrics["memory"] = map[string]interface{}{
			"total":   vm.Total,
			"used":    vm.Used,
			"free":    vm.Available,
			"percent": vm.UsedPercent,
		}
	}
	if root := s.deps.Layout.Root; root != "" {
		if du, err := disk.UsageWithContext(ctx, root); err == nil {
			metrics["disk"] = map[string]interface{}{
				"total":   du.Total,
				"used":    du.Used,
				"free":    du.Free,
				"percent": du.UsedPercent,
				"path":    root,
			}
		}
	}
	OK(w, metrics)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	q, verrs := parseLogQuery(r.URL.Query())
	if verrs.HasErrors() {
		ValidationErrorResponse(w, verrs)
		return
	}
	OK(w, s.deps.Logs.Find(q))
}

// handleLogStream pushes new log entries as server-sent events
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	q, verrs := parseLogQuery(r.URL.Query())
	if verrs.HasErrors() {
		ValidationErrorResponse(w, verrs)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch := s.deps.Logs.Subscribe()
	defer s.deps.Logs.Unsubscribe(ch)

	fmt.Fprintf(w, ": connected %s\n\n", time.Now().Format(time.RFC3339))
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			if !q.Match(entry) {
				continue
			}
			data, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// handleStream serves HLS manifests and segments from a camera's stream dir
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	file := path.Clean("/" + chi.URLParam(r, "*"))
	if file == "/" || strings.Count(file, "/") != 1 {
		NotFound(w, "stream file not found")
		return
	}
	if s.deps.Fleet != nil {
		if _, ok := s.deps.Fleet.Camera(id); !ok {
			NotFound(w, "camera not found")
			return
		}
	}

	switch path.Ext(file) {
	case ".m3u8":
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	case ".ts":
		w.Header().Set("Content-Type", "video/mp2t")
	case ".m4s", ".mp4":
		w.Header().Set("Content-Type", "video/mp4")
	default:
		NotFound(w, "stream file not found")
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeFile(w, r, s.deps.Layout.Stream(id)+file)
}
