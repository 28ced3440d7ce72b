// Package recording buffers frames for a source while an intrusion is active
// and finalizes them into a clip: video file, thumbnail and category.
package recording

import (
	"context"
	"errors"
	"image"
	"time"

	"github.com/Spatial-NVR/opensec/internal/detection"
	"github.com/Spatial-NVR/opensec/internal/source"
)

// WorkingFileName is the file a sink encodes into until the clip is saved
const WorkingFileName = "intruder.mp4"

// ClipTimeFormat names finished clips and thumbnails
const ClipTimeFormat = "2006-01-02_15-04-05"

var (
	// ErrRenameTimeout is reported when the working file never became
	// available for renaming. The clip is still saved without a video path.
	ErrRenameTimeout = errors.New("timed out renaming clip")

	// ErrEmptySession is returned when saving a source with nothing recorded
	ErrEmptySession = errors.New("no frames recorded")
)

// SessionState represents the state of a source's recording session
type SessionState string

const (
	SessionIdle      SessionState = "idle"
	SessionRecording SessionState = "recording"
)

// Source is the part of a feed the recorder needs
type Source interface {
	Name() string
	IsActive() bool
}

// Classifier maps stored frames to a category
type Classifier interface {
	Classify(ctx context.Context, frames []*source.Frame) (detection.Category, error)
}

// Config holds clip recorder settings
type Config struct {
	MaxStoredFrames  int
	FPS              int
	RenameAttempts   int
	RenameBackoff    time.Duration
	ThumbnailQuality int
	// GIFStride keeps every Nth stored frame in the animated preview; a
	// negative value disables previews
	GIFStride int
	GIFScale  float64
	GIFFPS    int
}

// DefaultConfig returns the default recorder settings
func DefaultConfig() Config {
	return Config{
		MaxStoredFrames:  150,
		FPS:              10,
		RenameAttempts:   3,
		RenameBackoff:    2 * time.Second,
		ThumbnailQuality: 85,
		GIFStride:        4,
		GIFScale:         0.4,
		GIFFPS:           5,
	}
}

// Clip is a finalized recording
type Clip struct {
	Source        string             `json:"source"`
	VideoPath     string             `json:"video_path"`
	ThumbnailPath string             `json:"thumbnail_path"`
	GifPath       string             `json:"gif_path,omitempty"`
	Category      detection.Category `json:"category"`
	FrameCount    int                `json:"frame_count"`
	FrameSize     image.Point        `json:"-"`
	StartedAt     time.Time          `json:"started_at"`
	EndedAt       time.Time          `json:"ended_at"`
}

// SourceStatus is the recorder state of one source
type SourceStatus struct {
	Source     string       `json:"source"`
	State      SessionState `json:"state"`
	Frames     int          `json:"frames"`
	Stored     int          `json:"stored"`
	Capacity   int          `json:"capacity"`
	Clips      int          `json:"clips"`
	LastClipAt *time.Time   `json:"last_clip_at,omitempty"`
	LastError  string       `json:"last_error,omitempty"`
}
