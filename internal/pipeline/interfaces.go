package pipeline

import (
	"context"
	"image"

	"catwatch/internal/detection"
)

// Detector is the object detection model used by the inference stage.
// Analyze may fail on corrupt input; the stage drops that frame.
type Detector interface {
	Analyze(ctx context.Context, frame image.Image) (*detection.Result, error)
	// ScoredLabels returns (label, score) pairs with score >= minScore.
	// Pass detection.AnyScore for every label.
	ScoredLabels(res *detection.Result, minScore float64) []detection.ScoredLabel
	Plot(res *detection.Result) (image.Image, error)
}

// VideoSink records annotated frames
type VideoSink interface {
	AddImage(img image.Image) error
	Close() error
}

// DetectionStore persists emitted detections
type DetectionStore interface {
	RecordDetection(ctx context.Context, d *Detection) error
}
