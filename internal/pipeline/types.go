package pipeline

import (
	"image"
	"time"
)

// Frame represents a decoded video frame. Ownership moves with the frame:
// once pushed to a queue, the producer never touches it again.
type Frame struct {
	Image     image.Image
	Seq       uint64    // Frame sequence number since process start
	Timestamp time.Time // Capture timestamp
}

// Detection is one qualifying label found in one frame
type Detection struct {
	ID        string      `json:"id"`
	Label     string      `json:"label"`
	Score     float64     `json:"score"`
	Timestamp time.Time   `json:"timestamp"`
	Image     image.Image `json:"-"` // Annotated frame, nil when rendering is off
}

// ISOTimestamp formats the detection time as ISO-8601
func (d *Detection) ISOTimestamp() string {
	return d.Timestamp.Format("2006-01-02T15:04:05.000000")
}

// InferenceStats is a snapshot of the inference stage counters
type InferenceStats struct {
	State           string   `json:"state"`
	FramesProcessed uint64   `json:"frames_processed"`
	Failures        uint64   `json:"failures"`
	Detections      uint64   `json:"detections"`
	Discarded       uint64   `json:"discarded"`
	SleepTimeMs     float64  `json:"sleep_time_ms"`
	LastInferenceMs float64  `json:"last_inference_ms"`
	FrameBacklog    int      `json:"frame_backlog"`
	PreviewEnabled  bool     `json:"preview_enabled"`
	Labels          []string `json:"labels"`
}
