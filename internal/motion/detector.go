// Package motion turns a frame stream into a debounced motion signal using a
// rolling background model and contour filtering.
package motion

import (
	"image"
	"log/slog"
	"sync/atomic"

	"github.com/Spatial-NVR/opensec/internal/source"
)

// Config tunes the detector
type Config struct {
	// MinArea is the smallest region, in pixels, counted as motion
	MinArea int
	// BackgroundStride runs the background model on every Nth frame and
	// reuses the previous mask in between. 1 disables skipping.
	BackgroundStride int
	// DilateIterations merges fragmented regions after opening
	DilateIterations int
}

// DefaultConfig returns the stock detector settings
func DefaultConfig() Config {
	return Config{
		MinArea:          2000,
		BackgroundStride: 2,
		DilateIterations: 2,
	}
}

// Detector wraps one source. Process and Detect must only be called from a
// single goroutine; ConsecutiveMotionFrames may be read from anywhere.
type Detector struct {
	source     source.Feed
	cfg        Config
	subtractor Subtractor
	logger     *slog.Logger

	frames       uint64
	lastMask     *image.Gray
	lastContours []Contour
	maskForLast  *image.Gray

	consecutive atomic.Int64
	lastArea    atomic.Int64
}

// NewDetector creates a detector for src. A nil subtractor selects the
// default background model.
func NewDetector(src source.Feed, cfg Config, subtractor Subtractor) *Detector {
	if cfg.BackgroundStride < 1 {
		cfg.BackgroundStride = 1
	}
	if cfg.DilateIterations < 0 {
		cfg.DilateIterations = 0
	}
	if subtractor == nil {
		subtractor = newDefaultSubtractor()
	}

	name := ""
	if src != nil {
		name = src.Name()
	}
	return &Detector{
		source:     src,
		cfg:        cfg,
		subtractor: subtractor,
		logger:     slog.Default().With("component", "motion", "source", name),
	}
}

// Source returns the wrapped feed
func (d *Detector) Source() source.Feed {
	return d.source
}

// ForegroundMask updates the background model and returns the denoised mask
func (d *Detector) ForegroundMask(img image.Image) *image.Gray {
	d.frames++
	if d.lastMask != nil && d.cfg.BackgroundStride > 1 &&
		d.frames%uint64(d.cfg.BackgroundStride) != 0 &&
		d.lastMask.Bounds().Size() == img.Bounds().Size() {
		return d.lastMask
	}

	mask := open(d.subtractor.Apply(img), ellipse3)
	for i := 0; i < d.cfg.DilateIterations; i++ {
		mask = dilate(mask, rect3)
	}
	d.lastMask = mask
	return mask
}

// FindContours returns the outer regions of mask at or above the minimum area
func (d *Detector) FindContours(mask *image.Gray) []Contour {
	if mask == d.maskForLast {
		return d.lastContours
	}
	contours := findRegions(mask, d.cfg.MinArea)
	d.maskForLast = mask
	d.lastContours = contours
	return contours
}

// Process runs one detection cycle on img and updates the hysteresis counter
func (d *Detector) Process(img image.Image) bool {
	contours := d.FindContours(d.ForegroundMask(img))
	if len(contours) == 0 {
		d.consecutive.Store(0)
		d.lastArea.Store(0)
		return false
	}

	area := 0
	for _, c := range contours {
		area += c.Area
	}
	d.lastArea.Store(int64(area))
	d.consecutive.Add(1)
	return true
}

// Detect reads one frame of the given size from the source and processes it.
// It returns a nil frame when the source has nothing to offer.
func (d *Detector) Detect(size image.Point) (*source.Frame, bool) {
	frame := d.source.Read(size)
	if frame == nil {
		return nil, false
	}
	return frame, d.Process(frame.Image)
}

// ConsecutiveMotionFrames returns the current run length of motion frames
func (d *Detector) ConsecutiveMotionFrames() int {
	return int(d.consecutive.Load())
}

// MotionArea returns the foreground area of the last processed frame
func (d *Detector) MotionArea() int {
	return int(d.lastArea.Load())
}

// Reset zeroes the hysteresis counter
func (d *Detector) Reset() {
	d.consecutive.Store(0)
	d.lastArea.Store(0)
}

// Close releases the background model
func (d *Detector) Close() error {
	d.Reset()
	d.lastMask = nil
	d.maskForLast = nil
	d.lastContours = nil
	return d.subtractor.Close()
}
