package ws

import "time"

// FrameMessage represents an annotated preview frame broadcast
type FrameMessage struct {
	Type        string    `json:"type"` // "frame"
	Seq         uint64    `json:"seq"`
	Timestamp   time.Time `json:"timestamp"`
	FrameWidth  int       `json:"frame_width"`
	FrameHeight int       `json:"frame_height"`
	Frame       string    `json:"frame"` // Base64 encoded JPEG frame
	Dropped     int       `json:"dropped,omitempty"`
}

// NewFrameMessage creates a new frame message for live streaming
func NewFrameMessage(seq uint64, frameWidth, frameHeight int, frameBase64 string) *FrameMessage {
	return &FrameMessage{
		Type:        "frame",
		Seq:         seq,
		Timestamp:   time.Now(),
		FrameWidth:  frameWidth,
		FrameHeight: frameHeight,
		Frame:       frameBase64,
	}
}
