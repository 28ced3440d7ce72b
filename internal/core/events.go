package core

import "time"

// Event subjects
const (
	SubjectCamerasChanged   = "cameras.changed"
	SubjectCameraStatus     = "cameras.status"
	SubjectIntruderDetected = "intruders.detected"
	SubjectSystemShutdown   = "system.shutdown"
)

// IntruderEvent is published once an intruder record is stored
type IntruderEvent struct {
	ID            string    `json:"id"`
	CameraID      string    `json:"camera_id"`
	Label         string    `json:"label"`
	VideoPath     string    `json:"video_path,omitempty"`
	ThumbnailPath string    `json:"thumbnail_path,omitempty"`
	GifPath       string    `json:"gif_path,omitempty"`
	FrameCount    int       `json:"frame_count"`
	DetectedAt    time.Time `json:"detected_at"`
}

// CameraStatusEvent is published when a camera's activity changes
type CameraStatusEvent struct {
	CameraID  string    `json:"camera_id"`
	Active    bool      `json:"active"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PublishIntruder publishes an intruder event
func (eb *EventBus) PublishIntruder(evt IntruderEvent) error {
	return eb.Publish(SubjectIntruderDetected, evt)
}

// PublishCameraStatus publishes a camera status change
func (eb *EventBus) PublishCameraStatus(cameraID string, active bool, err error) error {
	evt := CameraStatusEvent{
		CameraID:  cameraID,
		Active:    active,
		Timestamp: time.Now(),
	}
	if err != nil {
		evt.Error = err.Error()
	}
	return eb.Publish(SubjectCameraStatus, evt)
}

// PublishCamerasChanged signals that the roster should be reconciled
func (eb *EventBus) PublishCamerasChanged(reason string) error {
	return eb.Publish(SubjectCamerasChanged, map[string]interface{}{
		"reason":    reason,
		"timestamp": time.Now(),
	})
}
