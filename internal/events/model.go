// Package events stores intruder records and fans them out to subscribers
package events

import (
	"errors"
	"time"
)

// ErrNotFound is returned when an intruder record does not exist
var ErrNotFound = errors.New("intruder not found")

// Intruder is a classified intrusion clip
type Intruder struct {
	ID            string    `json:"id"`
	CameraID      string    `json:"camera_id"`
	Label         string    `json:"label"`
	VideoPath     string    `json:"video_path,omitempty"`
	ThumbnailPath string    `json:"thumbnail_path,omitempty"`
	GifPath       string    `json:"gif_path,omitempty"`
	DetectedAt    time.Time `json:"detected_at"`
	FrameCount    int       `json:"frame_count"`
	ArchiveKey    string    `json:"archive_key,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Validate checks the fields every stored intruder needs
func (i *Intruder) Validate() error {
	if i.CameraID == "" {
		return errors.New("camera_id is required")
	}
	if i.Label == "" {
		return errors.New("label is required")
	}
	return nil
}

// ListOptions represents filters for querying intruders
type ListOptions struct {
	CameraID  string    `json:"camera_id,omitempty"`
	Label     string    `json:"label,omitempty"`
	StartTime time.Time `json:"start_time,omitempty"`
	EndTime   time.Time `json:"end_time,omitempty"`
	Limit     int       `json:"limit,omitempty"`
	Offset    int       `json:"offset,omitempty"`
}

// Stats summarizes stored intruders
type Stats struct {
	Today   int            `json:"today"`
	Total   int            `json:"total"`
	ByLabel map[string]int `json:"by_label"`
}
