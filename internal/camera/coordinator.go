// Package camera reconciles the camera roster against the running feeds,
// detectors and live stream publishers, and captures preview snapshots.
package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/Spatial-NVR/opensec/internal/detection"
	"github.com/Spatial-NVR/opensec/internal/motion"
	"github.com/Spatial-NVR/opensec/internal/source"
	"github.com/Spatial-NVR/opensec/internal/storage"
	"github.com/Spatial-NVR/opensec/internal/streaming"
	"github.com/Spatial-NVR/opensec/internal/video"
)

// Roster is the externally owned camera list
type Roster interface {
	List(ctx context.Context) ([]Descriptor, error)
	SetActive(ctx context.Context, id string, active bool) error
	SetSnapshot(ctx context.Context, id, path string) error
}

// Detection registers feeds with the detection loop. Unregister must stop
// the feed.
type Detection interface {
	Register(cameraID string, feed source.Feed, detector *motion.Detector) error
	Start(ctx context.Context, cameraID string) error
	Unregister(ctx context.Context, cameraID string)
}

// StreamPublisher is one live feed transcoder
type StreamPublisher interface {
	Start(ctx context.Context) (string, error)
	Stop() error
	IsStreaming() bool
	ManifestPath() string
	Stats() streaming.Stats
}

// StatusPublisher announces camera activity changes
type StatusPublisher interface {
	PublishCameraStatus(cameraID string, active bool, err error) error
}

// Factories build the per-camera resources
type Factories struct {
	NewFeed      func(d Descriptor) (source.Feed, error)
	NewDetector  func(feed source.Feed) *motion.Detector
	NewPublisher func(d Descriptor) StreamPublisher
}

// Config holds coordinator timing
type Config struct {
	Layout           storage.Layout
	SnapshotInterval time.Duration
	SyncInterval     time.Duration
	SnapshotQuality  int
}

// Status is the live state of one camera
type Status struct {
	ID                string                 `json:"id"`
	Name              string                 `json:"name"`
	Active            bool                   `json:"is_active"`
	State             source.ConnectionState `json:"state"`
	ReconnectAttempts int                    `json:"reconnect_attempts"`
	Streaming         bool                   `json:"streaming"`
	ManifestPath      string                 `json:"-"`
	Stream            *streaming.Stats       `json:"stream,omitempty"`
	Error             string                 `json:"error,omitempty"`
}

type managed struct {
	desc      Descriptor
	feed      source.Feed
	publisher StreamPublisher
}

// Coordinator owns every running camera. Reconcile calls are serialised.
type Coordinator struct {
	cfg       Config
	roster    Roster
	detection Detection
	factories Factories
	events    StatusPublisher

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	cameras map[string]*managed

	statusMu sync.RWMutex
	status   map[string]Status

	trigger chan struct{}
	wg      sync.WaitGroup
	logger  *slog.Logger
}

// NewCoordinator creates a coordinator. events may be nil.
func NewCoordinator(cfg Config, roster Roster, det Detection, factories Factories, events StatusPublisher) *Coordinator {
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = 10 * time.Second
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 30 * time.Second
	}
	if cfg.SnapshotQuality <= 0 {
		cfg.SnapshotQuality = 80
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:       cfg,
		roster:    roster,
		detection: det,
		factories: factories,
		events:    events,
		ctx:       ctx,
		cancel:    cancel,
		cameras:   make(map[string]*managed),
		status:    make(map[string]Status),
		trigger:   make(chan struct{}, 1),
		logger:    slog.Default().With("component", "coordinator"),
	}
}

// Reconcile makes the running cameras match descs. New cameras are
// started, removed ones are torn down and cameras whose URI changed are
// rebuilt. Cameras whose feed gave up are rebuilt too. Invalid descriptors
// are reported in the returned error; the rest of the fleet proceeds.
func (c *Coordinator) Reconcile(ctx context.Context, descs []Descriptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx.Err() != nil {
		return fmt.Errorf("coordinator stopped")
	}

	want := make(map[string]Descriptor, len(descs))
	for _, d := range descs {
		want[d.ID] = d
	}

	for id, m := range c.cameras {
		if _, ok := want[id]; !ok {
			c.logger.Info("Camera removed", "camera", id)
			c.teardown(ctx, m)
			delete(c.cameras, id)
		}
	}

	ids := make([]string, 0, len(want))
	for id := range want {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		d := want[id]
		m, running := c.cameras[id]

		if running {
			switch {
			case m.desc.SourceURI != d.SourceURI:
				c.logger.Info("Camera source changed, rebuilding", "camera", id)
			case m.feed.Err() != nil && !m.feed.IsActive():
				c.logger.Info("Camera feed gave up, rebuilding", "camera", id, "error", m.feed.Err())
			default:
				m.desc.Name = d.Name
				c.restartPublisher(m)
				continue
			}
			c.teardown(ctx, m)
			delete(c.cameras, id)
		}

		built, err := c.build(ctx, d)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if built != nil {
			c.cameras[id] = built
		}
	}

	c.refreshStatus()
	return errors.Join(errs...)
}

// build creates and starts everything a camera owns. A nil result with a
// nil error means the camera is valid but could not connect; it is retried
// on the next reconcile.
func (c *Coordinator) build(ctx context.Context, d Descriptor) (*managed, error) {
	feed, err := c.factories.NewFeed(d)
	if err != nil {
		c.setActive(ctx, d.ID, false, err)
		return nil, fmt.Errorf("camera %s: %w", d.ID, err)
	}

	if err := c.detection.Register(d.ID, feed, c.factories.NewDetector(feed)); err != nil {
		feed.Stop()
		return nil, err
	}
	if err := c.detection.Start(c.ctx, d.ID); err != nil {
		c.logger.Warn("Camera failed to start", "camera", d.ID, "error", err)
		c.detection.Unregister(ctx, d.ID)
		c.setActive(ctx, d.ID, false, err)
		return nil, nil
	}

	m := &managed{desc: d, feed: feed}
	if c.factories.NewPublisher != nil {
		m.publisher = c.factories.NewPublisher(d)
		if _, err := m.publisher.Start(c.ctx); err != nil {
			c.logger.Warn("Live feed failed to start", "camera", d.ID, "error", err)
		}
	}

	c.logger.Info("Camera started", "camera", d.ID, "uri", video.SanitizeURL(d.SourceURI))
	c.setActive(ctx, d.ID, true, nil)
	return m, nil
}

// restartPublisher starts a live feed whose transcoder exited
func (c *Coordinator) restartPublisher(m *managed) {
	if m.publisher == nil || m.publisher.IsStreaming() || !m.feed.IsActive() {
		return
	}
	c.logger.Info("Restarting live feed", "camera", m.desc.ID)
	if _, err := m.publisher.Start(c.ctx); err != nil {
		c.logger.Warn("Live feed failed to restart", "camera", m.desc.ID, "error", err)
	}
}

func (c *Coordinator) teardown(ctx context.Context, m *managed) {
	c.detection.Unregister(ctx, m.desc.ID)
	if m.publisher != nil {
		if err := m.publisher.Stop(); err != nil {
			c.logger.Warn("Failed to stop live feed", "camera", m.desc.ID, "error", err)
		}
	}
	c.setActive(ctx, m.desc.ID, false, nil)
}

func (c *Coordinator) setActive(ctx context.Context, id string, active bool, cause error) {
	if err := c.roster.SetActive(ctx, id, active); err != nil && !errors.Is(err, ErrNotFound) {
		c.logger.Warn("Failed to update camera activity", "camera", id, "error", err)
	}
	if c.events != nil {
		if err := c.events.PublishCameraStatus(id, active, cause); err != nil {
			c.logger.Debug("Failed to publish camera status", "camera", id, "error", err)
		}
	}
}

// Sync reads the roster and reconciles against it
func (c *Coordinator) Sync(ctx context.Context) error {
	descs, err := c.roster.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list cameras: %w", err)
	}
	return c.Reconcile(ctx, descs)
}

// Trigger requests a sync from the Run loop without blocking
func (c *Coordinator) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// CaptureSnapshots writes the latest frame of every active camera as its
// preview image
func (c *Coordinator) CaptureSnapshots(ctx context.Context) {
	c.mu.Lock()
	cams := make([]*managed, 0, len(c.cameras))
	for _, m := range c.cameras {
		cams = append(cams, m)
	}
	c.mu.Unlock()

	dir := c.cfg.Layout.Snapshots()
	if err := storage.EnsureDir(dir); err != nil {
		c.logger.Error("Failed to create snapshot directory", "error", err)
		return
	}

	for _, m := range cams {
		if ctx.Err() != nil {
			return
		}
		if !m.feed.IsActive() {
			continue
		}
		frame := m.feed.Read(image.Point{})
		if frame == nil {
			continue
		}

		path := filepath.Join(dir, storage.SanitizeName(m.desc.ID)+".jpg")
		if err := writeSnapshot(path, frame.Image, c.cfg.SnapshotQuality); err != nil {
			c.logger.Warn("Failed to write snapshot", "camera", m.desc.ID, "error", err)
			continue
		}
		if err := c.roster.SetSnapshot(ctx, m.desc.ID, path); err != nil {
			c.logger.Warn("Failed to record snapshot", "camera", m.desc.ID, "error", err)
		}
	}
}

func writeSnapshot(path string, img image.Image, quality int) error {
	data, err := detection.EncodeJPEG(img, quality)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}

// Run syncs once, then keeps syncing and capturing snapshots until ctx is
// cancelled or Stop is called
func (c *Coordinator) Run(ctx context.Context) {
	c.wg.Add(1)
	defer c.wg.Done()

	if err := c.Sync(ctx); err != nil {
		c.logger.Warn("Initial camera sync incomplete", "error", err)
	}

	snapshots := time.NewTicker(c.cfg.SnapshotInterval)
	defer snapshots.Stop()
	syncs := time.NewTicker(c.cfg.SyncInterval)
	defer syncs.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.ctx.Done():
			return
		case <-snapshots.C:
			c.CaptureSnapshots(ctx)
			c.refreshLocked()
		case <-syncs.C:
			if err := c.Sync(ctx); err != nil {
				c.logger.Warn("Camera sync incomplete", "error", err)
			}
		case <-c.trigger:
			if err := c.Sync(ctx); err != nil {
				c.logger.Warn("Camera sync incomplete", "error", err)
			}
		}
	}
}

// Stop tears down every camera and halts Run
func (c *Coordinator) Stop(ctx context.Context) {
	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, m := range c.cameras {
		c.teardown(ctx, m)
		delete(c.cameras, id)
	}
	c.refreshStatus()
	c.logger.Info("Coordinator stopped")
}

// Status returns a snapshot of every camera, sorted by ID. It never waits
// on a reconcile in progress.
func (c *Coordinator) Status() []Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()

	out := make([]Status, 0, len(c.status))
	for _, s := range c.status {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Camera returns the status of one camera
func (c *Coordinator) Camera(id string) (Status, bool) {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	s, ok := c.status[id]
	return s, ok
}

func (c *Coordinator) refreshLocked() {
	c.mu.Lock()
	c.refreshStatus()
	c.mu.Unlock()
}

// refreshStatus rebuilds the status cache. Must hold c.mu.
func (c *Coordinator) refreshStatus() {
	status := make(map[string]Status, len(c.cameras))
	for id, m := range c.cameras {
		s := Status{
			ID:                id,
			Name:              m.desc.Name,
			Active:            m.feed.IsActive(),
			State:             m.feed.State(),
			ReconnectAttempts: m.feed.ReconnectAttempts(),
		}
		if m.publisher != nil {
			s.Streaming = m.publisher.IsStreaming()
			s.ManifestPath = m.publisher.ManifestPath()
			stats := m.publisher.Stats()
			s.Stream = &stats
		}
		if err := m.feed.Err(); err != nil {
			s.Error = err.Error()
		}
		status[id] = s
	}

	c.statusMu.Lock()
	c.status = status
	c.statusMu.Unlock()
}
