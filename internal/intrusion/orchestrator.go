// Package intrusion drives motion detection for every registered source and
// turns sustained motion into recorded, classified intruder clips.
package intrusion

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Spatial-NVR/opensec/internal/core"
	"github.com/Spatial-NVR/opensec/internal/detection"
	"github.com/Spatial-NVR/opensec/internal/events"
	"github.com/Spatial-NVR/opensec/internal/motion"
	"github.com/Spatial-NVR/opensec/internal/recording"
	"github.com/Spatial-NVR/opensec/internal/source"
)

// ErrStopped is returned by Register once StopAll has run
var ErrStopped = errors.New("detection stopped")

// Recorder is the clip recorder contract used by the orchestrator.
// Capacity is the most frames one session can hold, 0 for no limit.
type Recorder interface {
	EnsureDirs(name string) error
	Capacity() int
	AddFrame(frame *source.Frame, src recording.Source) error
	FrameCount(name string) int
	Save(ctx context.Context, src recording.Source) (*recording.Clip, error)
	Finish(ctx context.Context, src recording.Source) (*recording.Clip, error)
	Discard(name string)
}

// IntruderStore persists classified clips
type IntruderStore interface {
	Create(ctx context.Context, intruder *events.Intruder) error
}

// Publisher fans out stored intruders
type Publisher interface {
	PublishIntruder(evt core.IntruderEvent) error
}

// Config holds trigger and cadence settings
type Config struct {
	MinConsecutiveFrames  int
	MaxFramesToRecord     int
	ShutdownFlushFraction float64
	FrameSize             image.Point
	TickInterval          time.Duration
}

// DefaultConfig returns the default trigger settings
func DefaultConfig() Config {
	return Config{
		MinConsecutiveFrames:  15,
		MaxFramesToRecord:     100,
		ShutdownFlushFraction: 0.5,
		FrameSize:             image.Pt(448, 252),
		TickInterval:          100 * time.Millisecond,
	}
}

// ShutdownThreshold is the smallest session that is still saved on shutdown
func (c Config) ShutdownThreshold() int {
	n := int(math.Ceil(c.ShutdownFlushFraction * float64(c.MaxFramesToRecord)))
	if n < 1 {
		n = 1
	}
	return n
}

// SourceStatus is the detection state of one source
type SourceStatus struct {
	CameraID       string                 `json:"camera_id"`
	Active         bool                   `json:"active"`
	State          source.ConnectionState `json:"state"`
	Recording      bool                   `json:"recording"`
	Frames         int                    `json:"frames"`
	MotionFrames   int                    `json:"motion_frames"`
	MotionArea     int                    `json:"motion_area"`
	Clips          int                    `json:"clips"`
	Intruders      int                    `json:"intruders"`
	LastIntruderAt *time.Time             `json:"last_intruder_at,omitempty"`
	Error          string                 `json:"error,omitempty"`
}

type entry struct {
	mu           sync.Mutex
	id           string
	feed         source.Feed
	detector     *motion.Detector
	recording    bool
	clips        int
	intruders    int
	lastIntruder time.Time
}

// Orchestrator polls every registered detector from a single goroutine
type Orchestrator struct {
	cfg       Config
	recorder  Recorder
	store     IntruderStore
	publisher Publisher

	mu      sync.RWMutex
	entries map[string]*entry
	stopped atomic.Bool
	logger  *slog.Logger
}

// NewOrchestrator creates an orchestrator. store and publisher may be nil.
func NewOrchestrator(cfg Config, recorder Recorder, store IntruderStore, publisher Publisher) *Orchestrator {
	def := DefaultConfig()
	if cfg.MinConsecutiveFrames <= 0 {
		cfg.MinConsecutiveFrames = def.MinConsecutiveFrames
	}
	if cfg.MaxFramesToRecord <= 0 {
		cfg.MaxFramesToRecord = def.MaxFramesToRecord
	}
	if cfg.ShutdownFlushFraction <= 0 || cfg.ShutdownFlushFraction > 1 {
		cfg.ShutdownFlushFraction = def.ShutdownFlushFraction
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}

	logger := slog.Default().With("component", "orchestrator")
	if n := recorder.Capacity(); n > 0 && cfg.MaxFramesToRecord > n {
		logger.Warn("Frame cap exceeds recorder buffer, lowering it",
			"max_frames_to_record", cfg.MaxFramesToRecord, "max_stored_frames", n)
		cfg.MaxFramesToRecord = n
	}

	return &Orchestrator{
		cfg:       cfg,
		recorder:  recorder,
		store:     store,
		publisher: publisher,
		entries:   make(map[string]*entry),
		logger:    logger,
	}
}

// Register adds a source and its detector and prepares its clip
// directories. Registering an existing ID replaces nothing and returns an
// error, as does any registration after StopAll.
func (o *Orchestrator) Register(cameraID string, feed source.Feed, detector *motion.Detector) error {
	if feed == nil || detector == nil {
		return fmt.Errorf("camera %s: feed and detector are required", cameraID)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.stopped.Load() {
		return fmt.Errorf("camera %s: %w", cameraID, ErrStopped)
	}
	if _, exists := o.entries[cameraID]; exists {
		return fmt.Errorf("camera %s already registered", cameraID)
	}
	if err := o.recorder.EnsureDirs(feed.Name()); err != nil {
		return fmt.Errorf("camera %s: %w", cameraID, err)
	}
	o.entries[cameraID] = &entry{id: cameraID, feed: feed, detector: detector}
	return nil
}

// Start starts one registered source
func (o *Orchestrator) Start(ctx context.Context, cameraID string) error {
	o.mu.RLock()
	e, ok := o.entries[cameraID]
	o.mu.RUnlock()
	if !ok {
		return fmt.Errorf("camera %s not registered", cameraID)
	}

	if err := e.feed.Start(ctx); err != nil {
		return fmt.Errorf("camera %s: %w", cameraID, err)
	}
	return nil
}

// StartAll starts every registered source. Failures are collected; the
// remaining sources still start.
func (o *Orchestrator) StartAll(ctx context.Context) error {
	var errs []error
	for _, id := range o.ids() {
		if err := o.Start(ctx, id); err != nil {
			o.logger.Warn("Source failed to start", "camera", id, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Unregister removes a source, saving its session if it is long enough,
// and stops its feed
func (o *Orchestrator) Unregister(ctx context.Context, cameraID string) {
	o.mu.Lock()
	e, ok := o.entries[cameraID]
	delete(o.entries, cameraID)
	o.mu.Unlock()
	if !ok {
		return
	}
	o.teardown(ctx, e)
}

// Tick runs one detection cycle over every source, in sequence
func (o *Orchestrator) Tick(ctx context.Context) {
	if o.stopped.Load() {
		return
	}
	for _, id := range o.ids() {
		if ctx.Err() != nil {
			return
		}
		o.mu.RLock()
		e, ok := o.entries[id]
		o.mu.RUnlock()
		if ok {
			o.tickEntry(ctx, e)
		}
	}
}

func (o *Orchestrator) tickEntry(ctx context.Context, e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.feed.IsActive() {
		e.detector.Reset()
		if e.recording {
			o.flush(ctx, e, false)
			e.recording = false
		}
		return
	}

	frame, motion := e.detector.Detect(o.cfg.FrameSize)
	if frame == nil {
		return
	}

	if e.recording {
		if err := o.recorder.AddFrame(frame, e.feed); err != nil {
			o.logger.Warn("Failed to record frame", "camera", e.id, "error", err)
		}
		switch {
		case !motion:
			o.flush(ctx, e, false)
			e.recording = false
		case o.recorder.FrameCount(e.feed.Name()) >= o.cfg.MaxFramesToRecord:
			o.flush(ctx, e, false)
		}
		return
	}

	if e.detector.ConsecutiveMotionFrames() >= o.cfg.MinConsecutiveFrames {
		o.logger.Info("Intrusion started", "camera", e.id, "motion_area", e.detector.MotionArea())
		e.recording = true
		if err := o.recorder.AddFrame(frame, e.feed); err != nil {
			o.logger.Warn("Failed to record frame", "camera", e.id, "error", err)
		}
	}
}

// flush saves the current session and records an intruder when the clip
// was classified. Must hold e.mu.
func (o *Orchestrator) flush(ctx context.Context, e *entry, final bool) {
	save := o.recorder.Save
	if final {
		save = o.recorder.Finish
	}

	clip, err := save(ctx, e.feed)
	if err != nil {
		if !errors.Is(err, recording.ErrEmptySession) {
			o.logger.Error("Failed to save clip", "camera", e.id, "error", err)
		}
		return
	}
	e.clips++

	if clip.Category == detection.CategoryNone {
		o.logger.Debug("Clip not classified, no intruder recorded", "camera", e.id, "frames", clip.FrameCount)
		return
	}

	intruder := &events.Intruder{
		CameraID:      e.id,
		Label:         string(clip.Category),
		VideoPath:     clip.VideoPath,
		ThumbnailPath: clip.ThumbnailPath,
		GifPath:       clip.GifPath,
		DetectedAt:    clip.StartedAt,
		FrameCount:    clip.FrameCount,
	}
	if o.store != nil {
		if err := o.store.Create(ctx, intruder); err != nil {
			o.logger.Error("Failed to store intruder", "camera", e.id, "error", err)
			return
		}
	}
	e.intruders++
	e.lastIntruder = clip.EndedAt

	if o.publisher != nil {
		evt := core.IntruderEvent{
			ID:            intruder.ID,
			CameraID:      intruder.CameraID,
			Label:         intruder.Label,
			VideoPath:     intruder.VideoPath,
			ThumbnailPath: intruder.ThumbnailPath,
			GifPath:       intruder.GifPath,
			FrameCount:    intruder.FrameCount,
			DetectedAt:    intruder.DetectedAt,
		}
		if err := o.publisher.PublishIntruder(evt); err != nil {
			o.logger.Warn("Failed to publish intruder", "camera", e.id, "error", err)
		}
	}
}

// teardown saves a long enough session, then releases everything the
// entry owns
func (o *Orchestrator) teardown(ctx context.Context, e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()

	name := e.feed.Name()
	if e.recording {
		if n := o.recorder.FrameCount(name); n >= o.cfg.ShutdownThreshold() {
			o.flush(ctx, e, true)
		} else {
			o.logger.Info("Dropping short clip on shutdown", "camera", e.id, "frames", n)
		}
		e.recording = false
	}
	o.recorder.Discard(name)

	e.feed.Stop()
	if err := e.detector.Close(); err != nil {
		o.logger.Warn("Failed to close detector", "camera", e.id, "error", err)
	}
}

// StopAll halts detection, saves sessions holding at least the shutdown
// fraction of the frame cap, and stops every source
func (o *Orchestrator) StopAll(ctx context.Context) {
	o.mu.Lock()
	o.stopped.Store(true)
	entries := make([]*entry, 0, len(o.entries))
	for _, e := range o.entries {
		entries = append(entries, e)
	}
	o.entries = make(map[string]*entry)
	o.mu.Unlock()

	for _, e := range entries {
		o.teardown(ctx, e)
	}
	o.logger.Info("Detection stopped", "sources", len(entries))
}

// Run ticks at the configured interval until ctx is cancelled
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Tick(ctx)
		}
	}
}

// Status returns the detection state of every source. Readers never block
// on a source that is being saved.
func (o *Orchestrator) Status() []SourceStatus {
	ids := o.ids()
	out := make([]SourceStatus, 0, len(ids))
	for _, id := range ids {
		o.mu.RLock()
		e, ok := o.entries[id]
		o.mu.RUnlock()
		if !ok {
			continue
		}

		st := SourceStatus{
			CameraID:     id,
			Active:       e.feed.IsActive(),
			State:        e.feed.State(),
			MotionFrames: e.detector.ConsecutiveMotionFrames(),
			MotionArea:   e.detector.MotionArea(),
			Frames:       o.recorder.FrameCount(e.feed.Name()),
		}
		if err := e.feed.Err(); err != nil {
			st.Error = err.Error()
		}
		if e.mu.TryLock() {
			st.Recording = e.recording
			st.Clips = e.clips
			st.Intruders = e.intruders
			if !e.lastIntruder.IsZero() {
				t := e.lastIntruder
				st.LastIntruderAt = &t
			}
			e.mu.Unlock()
		} else {
			st.Recording = true
		}
		out = append(out, st)
	}
	return out
}

// registered reports whether a source is registered
func (o *Orchestrator) registered(cameraID string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.entries[cameraID]
	return ok
}

func (o *Orchestrator) ids() []string {
	o.mu.RLock()
	ids := make([]string, 0, len(o.entries))
	for id := range o.entries {
		ids = append(ids, id)
	}
	o.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
