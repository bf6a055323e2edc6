// Package notify routes detections to notification channels under
// per-channel schedules and rate limits.
package notify

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidSchedule = errors.New("invalid notify window")
	ErrUnknownChannel  = errors.New("unknown channel")
)

// Payload is what a channel delivers. ImageData and ImageName are empty
// for text-only notifications.
type Payload struct {
	Message   string
	ImageData []byte
	ImageName string
}

// HasImage reports whether the payload carries an image
func (p *Payload) HasImage() bool {
	return p != nil && len(p.ImageData) > 0
}

// Channel is a notification target. Name identifies the channel for
// routing, windows and rate limiting. A nil error means delivered.
type Channel interface {
	Name() string
	Notify(ctx context.Context, p *Payload) error
}

// Attempt records one notification decision for a channel
type Attempt struct {
	ID          string    `json:"id"`
	DetectionID string    `json:"detection_id"`
	Channel     string    `json:"channel"`
	Label       string    `json:"label"`
	Outcome     string    `json:"outcome"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// AttemptStore persists notification attempts
type AttemptStore interface {
	RecordNotification(ctx context.Context, a *Attempt) error
}
