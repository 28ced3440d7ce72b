// Package streaming republishes each camera as an HLS live feed using one
// ffmpeg segmenter process per camera
package streaming

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/Spatial-NVR/opensec/internal/storage"
	"github.com/Spatial-NVR/opensec/internal/video"
)

// ManifestName is the playlist file written into each stream directory
const ManifestName = "index.m3u8"

// ErrTranscoderNotRunning is returned when a running process is required
var ErrTranscoderNotRunning = errors.New("transcoder not running")

// execCommand is swapped in tests
var execCommand = exec.CommandContext

// stalePatterns match media left behind by a previous session
var stalePatterns = []string{"*.ts", "*.m4s", "*.m3u8", "*.tmp"}

// Options configures the segmenter
type Options struct {
	FFmpegPath     string
	Transcode      bool
	Accel          video.HWAccelType
	SegmentSeconds int
	ListSize       int
	// StopTimeout bounds the wait for the process to exit after kill
	StopTimeout time.Duration
}

// DefaultOptions returns stream-copy HLS with a five segment window
func DefaultOptions() Options {
	return Options{
		FFmpegPath:     "ffmpeg",
		Accel:          video.HWAccelNone,
		SegmentSeconds: 5,
		ListSize:       5,
		StopTimeout:    5 * time.Second,
	}
}

// Stats describes the transcoder process
type Stats struct {
	Running    bool      `json:"running"`
	PID        int       `json:"pid,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	Restarts   int       `json:"restarts"`
	CPUPercent float64   `json:"cpu_percent"`
	RSSBytes   uint64    `json:"rss_bytes"`
	LastError  string    `json:"last_error,omitempty"`
}

// Publisher supervises the segmenter for one source. A crashed process is
// not restarted; callers observe IsStreaming and call Start again.
type Publisher struct {
	name string
	uri  string
	dir  string
	opts Options

	mu        sync.RWMutex
	cmd       *exec.Cmd
	done      chan struct{}
	running   bool
	startedAt time.Time
	starts    int
	lastErr   error
	logger    *slog.Logger
}

// NewPublisher creates a publisher writing into dir
func NewPublisher(name, uri, dir string, opts Options) *Publisher {
	def := DefaultOptions()
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = def.FFmpegPath
	}
	if opts.Accel == "" {
		opts.Accel = def.Accel
	}
	if opts.SegmentSeconds <= 0 {
		opts.SegmentSeconds = def.SegmentSeconds
	}
	if opts.ListSize <= 0 {
		opts.ListSize = def.ListSize
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = def.StopTimeout
	}

	return &Publisher{
		name:   name,
		uri:    uri,
		dir:    dir,
		opts:   opts,
		logger: slog.Default().With("component", "streaming", "source", name),
	}
}

// Name returns the source name
func (p *Publisher) Name() string { return p.name }

// URI returns the source URI
func (p *Publisher) URI() string { return p.uri }

// ManifestPath returns the playlist path, whether or not the process runs
func (p *Publisher) ManifestPath() string {
	return filepath.Join(p.dir, ManifestName)
}

// Start spawns the segmenter and returns the manifest path. Starting a
// running publisher is a no-op.
func (p *Publisher) Start(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	manifest := p.ManifestPath()
	if p.running {
		return manifest, nil
	}

	if err := storage.EnsureDir(p.dir); err != nil {
		return "", err
	}
	if err := clearStale(p.dir); err != nil {
		return "", fmt.Errorf("failed to clear stale segments: %w", err)
	}

	args := hlsArgs(p.uri, manifest, p.opts)
	p.logger.Info("Starting transcoder", "uri", video.SanitizeURL(p.uri), "manifest", manifest, "transcode", p.opts.Transcode)

	cmd := execCommand(ctx, p.opts.FFmpegPath, args...)
	cmd.Stderr = &video.LogWriter{Logger: p.logger, Level: slog.LevelWarn}

	if err := cmd.Start(); err != nil {
		p.lastErr = err
		return "", fmt.Errorf("failed to start transcoder: %w", err)
	}

	done := make(chan struct{})
	p.cmd = cmd
	p.done = done
	p.running = true
	p.startedAt = time.Now()
	p.starts++
	p.lastErr = nil

	go p.monitor(cmd, done)

	return manifest, nil
}

// monitor records the process exit without restarting it
func (p *Publisher) monitor(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()

	p.mu.Lock()
	if p.cmd == cmd {
		if p.running {
			if err == nil {
				err = errors.New("transcoder exited")
			}
			p.logger.Error("Transcoder exited unexpectedly", "error", err)
			p.lastErr = err
		}
		p.running = false
		p.cmd = nil
	}
	p.mu.Unlock()

	close(done)
}

// IsStreaming reports whether the segmenter process is alive
func (p *Publisher) IsStreaming() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Err returns why the process last exited on its own, if it did
func (p *Publisher) Err() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

// Stop kills the segmenter and waits for it to exit. Calling Stop when no
// process runs is a no-op.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	cmd, done := p.cmd, p.done
	p.running = false
	p.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	p.logger.Info("Stopping transcoder")
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill transcoder: %w", err)
	}

	select {
	case <-done:
	case <-time.After(p.opts.StopTimeout):
		return fmt.Errorf("transcoder did not exit within %s", p.opts.StopTimeout)
	}
	return nil
}

// Stats samples resource usage of the running process
func (p *Publisher) Stats() Stats {
	p.mu.RLock()
	st := Stats{
		Running:   p.running,
		StartedAt: p.startedAt,
	}
	if p.starts > 1 {
		st.Restarts = p.starts - 1
	}
	if p.lastErr != nil {
		st.LastError = p.lastErr.Error()
	}
	var pid int
	if p.running && p.cmd != nil && p.cmd.Process != nil {
		pid = p.cmd.Process.Pid
	}
	p.mu.RUnlock()

	if pid == 0 {
		return st
	}
	st.PID = pid

	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return st
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		st.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		st.RSSBytes = mem.RSS
	}
	return st
}

// hlsArgs builds the segmenter command line. The transcoder prunes old
// segments itself through delete_segments.
func hlsArgs(uri, manifest string, opts Options) []string {
	args := video.InputArgs(uri)
	if opts.Transcode {
		args = append(args, video.EncoderArgs(opts.Accel)...)
	} else {
		args = append(args, "-c:v", "copy")
	}
	return append(args,
		"-an",
		"-sc_threshold", "0",
		"-f", "hls",
		"-hls_time", strconv.Itoa(opts.SegmentSeconds),
		"-hls_list_size", strconv.Itoa(opts.ListSize),
		"-hls_flags", "delete_segments",
		"-y", manifest,
	)
}

func clearStale(dir string) error {
	for _, pattern := range stalePatterns {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return err
		}
		for _, m := range matches {
			if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
	}
	return nil
}
