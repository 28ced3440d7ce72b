package recording

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Spatial-NVR/opensec/internal/detection"
	"github.com/Spatial-NVR/opensec/internal/source"
	"github.com/Spatial-NVR/opensec/internal/storage"
)

// session is the recording state of one source
type session struct {
	mu        sync.Mutex
	ring      *FrameRing
	sink      Sink
	size      image.Point
	state     SessionState
	frames    int
	startedAt time.Time
	clips     int
	lastClip  time.Time
	lastError string
}

// ClipRecorder buffers frames per source and finalizes them into clips.
// Calls for one source are expected from a single goroutine; different
// sources may be driven concurrently.
type ClipRecorder struct {
	cfg        Config
	layout     storage.Layout
	sinks      SinkFactory
	classifier Classifier

	mu       sync.Mutex
	sessions map[string]*session
	logger   *slog.Logger
}

// NewClipRecorder creates a recorder writing under layout. classifier may be
// nil, in which case every clip is CategoryNone.
func NewClipRecorder(cfg Config, layout storage.Layout, sinks SinkFactory, classifier Classifier) *ClipRecorder {
	def := DefaultConfig()
	if cfg.MaxStoredFrames <= 0 {
		cfg.MaxStoredFrames = def.MaxStoredFrames
	}
	if cfg.FPS <= 0 {
		cfg.FPS = def.FPS
	}
	if cfg.RenameAttempts <= 0 {
		cfg.RenameAttempts = def.RenameAttempts
	}
	if cfg.RenameBackoff <= 0 {
		cfg.RenameBackoff = def.RenameBackoff
	}
	if cfg.ThumbnailQuality <= 0 || cfg.ThumbnailQuality > 100 {
		cfg.ThumbnailQuality = def.ThumbnailQuality
	}
	if cfg.GIFStride == 0 {
		cfg.GIFStride = def.GIFStride
	}
	if cfg.GIFScale <= 0 || cfg.GIFScale > 1 {
		cfg.GIFScale = def.GIFScale
	}
	if cfg.GIFFPS <= 0 {
		cfg.GIFFPS = def.GIFFPS
	}

	return &ClipRecorder{
		cfg:        cfg,
		layout:     layout,
		sinks:      sinks,
		classifier: classifier,
		sessions:   make(map[string]*session),
		logger:     slog.Default().With("component", "clip_recorder"),
	}
}

// EnsureDirs creates the clip, thumbnail and preview directories for a
// source. Existing directories and their contents are left untouched.
func (r *ClipRecorder) EnsureDirs(name string) error {
	dirs := []string{r.layout.Videos(name), r.layout.Thumbnails(name)}
	if r.cfg.GIFStride > 0 {
		dirs = append(dirs, r.layout.Gifs(name))
	}
	for _, dir := range dirs {
		if err := storage.EnsureDir(dir); err != nil {
			return err
		}
	}
	return nil
}

// Capacity is the number of frames buffered per source. Frames added past it
// overwrite the oldest ones, so callers save before reaching it.
func (r *ClipRecorder) Capacity() int {
	return r.cfg.MaxStoredFrames
}

func (r *ClipRecorder) session(name string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[name]
	if !ok {
		s = &session{
			ring:  NewFrameRing(r.cfg.MaxStoredFrames),
			state: SessionIdle,
		}
		r.sessions[name] = s
	}
	return s
}

func (r *ClipRecorder) workingPath(name string) string {
	return filepath.Join(r.layout.Videos(name), WorkingFileName)
}

// AddFrame stores a frame in the source's ring and streams it to the open
// sink, opening one on the first frame of a session. Sink failures are
// logged; frames keep being buffered so the clip still gets a thumbnail and
// a category.
func (r *ClipRecorder) AddFrame(frame *source.Frame, src Source) error {
	if frame == nil || frame.Image == nil {
		return nil
	}

	name := src.Name()
	s := r.session(name)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == SessionIdle {
		s.state = SessionRecording
		s.startedAt = frame.CapturedAt
		if s.startedAt.IsZero() {
			s.startedAt = time.Now()
		}
	}

	if s.sink == nil {
		s.size = frame.Size()
		r.openSink(name, s)
	}

	if _, err := s.ring.Write(frame); err != nil {
		return fmt.Errorf("failed to buffer frame: %w", err)
	}
	s.frames++

	if s.sink != nil {
		if err := s.sink.WriteFrame(frame.Image); err != nil {
			r.logger.Warn("Failed to write frame to clip", "source", name, "error", err)
			s.lastError = err.Error()
			_ = s.sink.Close()
			s.sink = nil
		}
	}
	return nil
}

// openSink opens a sink on the working file. Must hold s.mu.
func (r *ClipRecorder) openSink(name string, s *session) {
	if r.sinks == nil {
		return
	}
	if err := r.EnsureDirs(name); err != nil {
		r.logger.Error("Failed to prepare clip directories", "source", name, "error", err)
		s.lastError = err.Error()
		return
	}

	sink, err := r.sinks.Open(r.workingPath(name), s.size, r.cfg.FPS)
	if err != nil {
		r.logger.Error("Failed to open clip sink", "source", name, "error", err)
		s.lastError = err.Error()
		return
	}
	s.sink = sink
}

// FrameCount returns the number of frames added to the current session
func (r *ClipRecorder) FrameCount(name string) int {
	r.mu.Lock()
	s, ok := r.sessions[name]
	r.mu.Unlock()
	if !ok {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Save finalizes the current session into a clip and, if the source is
// still active, immediately opens a fresh sink so recording continues.
func (r *ClipRecorder) Save(ctx context.Context, src Source) (*Clip, error) {
	return r.finalize(ctx, src, src.IsActive())
}

// Finish finalizes the current session without reopening a sink
func (r *ClipRecorder) Finish(ctx context.Context, src Source) (*Clip, error) {
	return r.finalize(ctx, src, false)
}

func (r *ClipRecorder) finalize(ctx context.Context, src Source, reopen bool) (*Clip, error) {
	name := src.Name()
	s := r.session(name)

	s.mu.Lock()
	if s.frames == 0 && s.sink == nil {
		s.mu.Unlock()
		return nil, ErrEmptySession
	}

	frames := s.ring.Frames()
	clip := &Clip{
		Source:     name,
		FrameCount: s.frames,
		FrameSize:  s.size,
		StartedAt:  s.startedAt,
		EndedAt:    time.Now(),
	}
	if n := len(frames); n > 0 && !frames[n-1].CapturedAt.IsZero() {
		clip.EndedAt = frames[n-1].CapturedAt
	}

	sink := s.sink
	s.sink = nil
	if sink != nil {
		if err := sink.Close(); err != nil {
			r.logger.Warn("Clip sink did not close cleanly", "source", name, "error", err)
		}
		path, err := r.renameClip(ctx, name, clip.StartedAt)
		if err != nil {
			r.logger.Warn("Clip saved without video", "source", name, "error", err)
			s.lastError = err.Error()
		}
		clip.VideoPath = path
	}

	s.ring.Clear()
	s.frames = 0
	s.state = SessionIdle
	s.startedAt = time.Time{}
	s.clips++
	s.lastClip = clip.EndedAt

	if reopen {
		r.openSink(name, s)
	}
	s.mu.Unlock()

	if len(frames) > 0 {
		thumb, err := r.writeThumbnail(name, clip.StartedAt, frames[len(frames)/2])
		if err != nil {
			r.logger.Warn("Failed to write thumbnail", "source", name, "error", err)
		}
		clip.ThumbnailPath = thumb

		if r.cfg.GIFStride > 0 {
			gif, err := r.writePreview(name, clip.StartedAt, frames)
			if err != nil {
				r.logger.Warn("Failed to write preview", "source", name, "error", err)
			}
			clip.GifPath = gif
		}
	}

	clip.Category = detection.CategoryNone
	if r.classifier != nil && len(frames) > 0 {
		category, err := r.classifier.Classify(ctx, frames)
		if err != nil {
			r.logger.Warn("Clip classification failed", "source", name, "error", err)
		}
		clip.Category = category
	}

	r.logger.Info("Clip saved",
		"source", name,
		"frames", clip.FrameCount,
		"video", clip.VideoPath,
		"category", clip.Category.String(),
	)
	return clip, nil
}

// renameClip moves the working file to its timestamped name, retrying while
// the encoder finalizes it. Returns an empty path and ErrRenameTimeout when
// every attempt fails.
func (r *ClipRecorder) renameClip(ctx context.Context, name string, startedAt time.Time) (string, error) {
	working := r.workingPath(name)
	target := uniquePath(r.layout.Videos(name), startedAt.Format(ClipTimeFormat), ".mp4")

	attempt := 0
	op := func() error {
		attempt++
		info, err := os.Stat(working)
		if err != nil {
			return err
		}
		if info.Size() == 0 {
			return fmt.Errorf("%s is still empty", WorkingFileName)
		}
		return os.Rename(working, target)
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(r.cfg.RenameBackoff), uint64(r.cfg.RenameAttempts-1)),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		r.logger.Debug("Clip not ready for rename", "source", name, "attempt", attempt, "retry_in", wait, "error", err)
	}

	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return "", fmt.Errorf("%w after %d attempts: %v", ErrRenameTimeout, attempt, err)
	}
	return target, nil
}

func (r *ClipRecorder) writeThumbnail(name string, startedAt time.Time, frame *source.Frame) (string, error) {
	dir := r.layout.Thumbnails(name)
	if err := storage.EnsureDir(dir); err != nil {
		return "", err
	}

	data, err := detection.EncodeJPEG(frame.Image, r.cfg.ThumbnailQuality)
	if err != nil {
		return "", fmt.Errorf("failed to encode thumbnail: %w", err)
	}

	path := uniquePath(dir, startedAt.Format(ClipTimeFormat), ".jpg")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write thumbnail: %w", err)
	}
	return path, nil
}

// Discard drops a source's session, closing its sink and removing the
// unfinished working file
func (r *ClipRecorder) Discard(name string) {
	r.mu.Lock()
	s, ok := r.sessions[name]
	delete(r.sessions, name)
	r.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sink != nil {
		_ = s.sink.Close()
		s.sink = nil
	}
	_ = s.ring.Close()

	if err := os.Remove(r.workingPath(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		r.logger.Warn("Failed to remove working clip", "source", name, "error", err)
	}
}

// Status returns the recorder state of every known source
func (r *ClipRecorder) Status() []SourceStatus {
	r.mu.Lock()
	names := make([]string, 0, len(r.sessions))
	sessions := make(map[string]*session, len(r.sessions))
	for name, s := range r.sessions {
		names = append(names, name)
		sessions[name] = s
	}
	r.mu.Unlock()
	sort.Strings(names)

	out := make([]SourceStatus, 0, len(names))
	for _, name := range names {
		s := sessions[name]
		s.mu.Lock()
		st := SourceStatus{
			Source:    name,
			State:     s.state,
			Frames:    s.frames,
			Stored:    s.ring.Count(),
			Capacity:  s.ring.Capacity(),
			Clips:     s.clips,
			LastError: s.lastError,
		}
		if !s.lastClip.IsZero() {
			t := s.lastClip
			st.LastClipAt = &t
		}
		s.mu.Unlock()
		out = append(out, st)
	}
	return out
}

// uniquePath returns dir/base+ext, adding a numeric suffix if taken
func uniquePath(dir, base, ext string) string {
	path := filepath.Join(dir, base+ext)
	for i := 1; ; i++ {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return path
		}
		path = filepath.Join(dir, base+"_"+strconv.Itoa(i)+ext)
	}
}
