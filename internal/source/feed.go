// Package source ingests frames from network cameras and local video files.
// Each feed runs one read loop and exposes only the most recent frame.
package source

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Spatial-NVR/opensec/internal/video"
)

var (
	// ErrInvalidSourceURI is returned by constructors for structurally malformed URIs
	ErrInvalidSourceURI = errors.New("invalid source uri")
	// ErrSourceUnreachable is returned when a source cannot be connected or reconnected
	ErrSourceUnreachable = errors.New("source unreachable")
)

// ConnectionState is the health of a feed's capture handle
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// MarshalText lets status payloads carry the state name
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Capture is an open decode handle producing one image per call
type Capture interface {
	ReadFrame() (image.Image, error)
	Close() error
}

// Opener opens a capture handle for a URI. The context bounds only the
// open itself, not the lifetime of the returned capture.
type Opener func(ctx context.Context, uri string) (Capture, error)

// Prober reports whether a URI answers within the context deadline
type Prober func(ctx context.Context, uri string) bool

// Feed is a single ingestion loop with latest-wins frame delivery
type Feed interface {
	Name() string
	URI() string
	// Start connects and spawns the read loop. Calling Start on a running feed is a no-op.
	Start(ctx context.Context) error
	// Read returns the latest frame, or nil. A non-zero size resizes the result.
	Read(size image.Point) *Frame
	// Stop halts the loop and releases the capture handle
	Stop()
	IsActive() bool
	State() ConnectionState
	ReconnectAttempts() int
	// Err reports why the loop last halted on its own, if it did
	Err() error
}

// Options configures a feed
type Options struct {
	FrameInterval        time.Duration
	MaxReconnectAttempts int
	ReconnectBackoff     time.Duration
	ProbeTimeout         time.Duration
	Opener               Opener
	Prober               Prober
}

// DefaultOptions returns ffmpeg-backed options at 20 frames per second
func DefaultOptions() Options {
	return Options{
		FrameInterval:        50 * time.Millisecond,
		MaxReconnectAttempts: 3,
		ReconnectBackoff:     5 * time.Second,
		ProbeTimeout:         5 * time.Second,
		Opener:               NewFFmpegOpener("ffmpeg", 20),
		Prober:               NewFFprobeProber("ffprobe"),
	}
}

// NewFeed selects the camera or file variant from the shape of the URI
func NewFeed(name, uri string, opts Options) (Feed, error) {
	if video.IsNetworkURI(uri) {
		return NewCameraFeed(name, uri, opts)
	}
	return NewFileFeed(name, uri, opts)
}

// feed is the read loop shared by both variants. onReadError decides what a
// failed read means: reconnect for cameras, end of stream for files.
type feed struct {
	name        string
	uri         string
	opts        Options
	logger      *slog.Logger
	onReadError func(ctx context.Context, cause error) error
	probe       bool

	current  atomic.Pointer[Frame]
	state    atomic.Int32
	running  atomic.Bool
	readOK   atomic.Bool
	attempts atomic.Int32
	seq      uint64

	// lifecycle serialises Start and Stop
	lifecycle sync.Mutex

	mu      sync.Mutex
	capture Capture
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

func newFeed(name, uri string, opts Options) *feed {
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = 50 * time.Millisecond
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	if opts.Opener == nil {
		opts.Opener = NewFFmpegOpener("ffmpeg", int(time.Second/opts.FrameInterval))
	}
	return &feed{
		name:   name,
		uri:    uri,
		opts:   opts,
		logger: slog.Default().With("component", "source", "source", name),
	}
}

func (f *feed) Name() string { return f.name }

func (f *feed) URI() string { return f.uri }

func (f *feed) State() ConnectionState { return ConnectionState(f.state.Load()) }

func (f *feed) IsActive() bool { return f.running.Load() && f.readOK.Load() }

func (f *feed) ReconnectAttempts() int { return int(f.attempts.Load()) }

func (f *feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *feed) Read(size image.Point) *Frame {
	frame := f.current.Load()
	if frame == nil {
		return nil
	}
	if size == (image.Point{}) || frame.Size() == size {
		return frame
	}
	return frame.Resize(size)
}

func (f *feed) Start(ctx context.Context) error {
	f.lifecycle.Lock()
	defer f.lifecycle.Unlock()

	if f.running.Load() {
		return nil
	}
	f.reap()

	f.state.Store(int32(Connecting))
	capture, err := f.connect(ctx)
	if err != nil {
		f.state.Store(int32(Disconnected))
		err = fmt.Errorf("%w: %s: %v", ErrSourceUnreachable, video.SanitizeURL(f.uri), err)
		f.mu.Lock()
		f.err = err
		f.mu.Unlock()
		return err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	f.mu.Lock()
	f.capture = capture
	f.cancel = cancel
	f.done = done
	f.err = nil
	f.mu.Unlock()

	f.attempts.Store(0)
	f.readOK.Store(true)
	f.state.Store(int32(Connected))
	f.running.Store(true)

	go f.loop(loopCtx, done)

	f.logger.Info("Source started", "uri", video.SanitizeURL(f.uri))
	return nil
}

func (f *feed) Stop() {
	f.lifecycle.Lock()
	defer f.lifecycle.Unlock()

	wasRunning := f.running.Swap(false)
	f.readOK.Store(false)
	f.reap()

	f.current.Store(nil)
	f.state.Store(int32(Disconnected))
	f.attempts.Store(0)

	if wasRunning {
		f.logger.Info("Source stopped")
	}
}

// reap cancels the loop, releases the capture and waits for the loop to exit
func (f *feed) reap() {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.cancel, f.done = nil, nil
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	f.closeCapture()
	if done != nil {
		<-done
	}
}

func (f *feed) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(f.opts.FrameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		img, err := f.readFrame()
		if err == nil && img != nil {
			f.seq++
			f.current.Store(&Frame{Image: img, CapturedAt: time.Now(), Seq: f.seq})
			f.readOK.Store(true)
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errors.New("empty frame")
		}

		f.readOK.Store(false)
		f.current.Store(nil)
		f.state.Store(int32(Disconnected))

		if rerr := f.onReadError(ctx, err); rerr != nil {
			if ctx.Err() == nil {
				f.halt(rerr)
			}
			return
		}
		f.readOK.Store(true)
		f.state.Store(int32(Connected))
	}
}

// halt marks the feed stopped from inside the loop
func (f *feed) halt(err error) {
	f.running.Store(false)
	f.readOK.Store(false)
	f.state.Store(int32(Disconnected))
	f.closeCapture()

	if errors.Is(err, errEndOfStream) {
		f.logger.Info("Source reached end of stream")
		err = nil
	}

	f.mu.Lock()
	f.err = err
	f.mu.Unlock()

	if err != nil {
		f.logger.Error("Source halted", "error", err)
	}
}

func (f *feed) connect(ctx context.Context) (Capture, error) {
	if f.probe && f.opts.Prober != nil {
		pctx, cancel := context.WithTimeout(ctx, f.opts.ProbeTimeout)
		alive := f.opts.Prober(pctx, f.uri)
		cancel()
		if !alive {
			return nil, errors.New("liveness probe failed")
		}
	}
	return f.opts.Opener(ctx, f.uri)
}

func (f *feed) readFrame() (image.Image, error) {
	f.mu.Lock()
	capture := f.capture
	f.mu.Unlock()

	if capture == nil {
		return nil, errors.New("capture closed")
	}
	return capture.ReadFrame()
}

// setCapture installs a new handle unless the loop was cancelled meanwhile
func (f *feed) setCapture(ctx context.Context, capture Capture) bool {
	f.mu.Lock()
	if ctx.Err() != nil {
		f.mu.Unlock()
		_ = capture.Close()
		return false
	}
	f.capture = capture
	f.mu.Unlock()
	return true
}

func (f *feed) closeCapture() {
	f.mu.Lock()
	capture := f.capture
	f.capture = nil
	f.mu.Unlock()

	if capture != nil {
		if err := capture.Close(); err != nil {
			f.logger.Debug("Error closing capture", "error", err)
		}
	}
}

func validateNetworkURI(uri string) error {
	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSourceURI, err)
	}
	if !video.IsNetworkURI(uri) {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidSourceURI, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidSourceURI)
	}
	return nil
}

func validateFilePath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if strings.HasPrefix(path, "file://") {
		u, err := url.Parse(path)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidSourceURI, err)
		}
		path = u.Path
	}
	if path == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidSourceURI)
	}
	if strings.Contains(path, "://") {
		return "", fmt.Errorf("%w: unsupported scheme in %q", ErrInvalidSourceURI, path)
	}
	return path, nil
}
