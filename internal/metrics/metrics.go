// Package metrics defines the prometheus collectors shared by the pipeline
// stages.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "catwatch"

// Notification outcomes
const (
	OutcomeDelivered   = "delivered"
	OutcomeFailed      = "failed"
	OutcomeRateLimited = "rate_limited"
	OutcomeOutOfWindow = "out_of_window"
)

// Metrics groups every pipeline collector
type Metrics struct {
	FramesCaptured  prometheus.Counter
	FramesDiscarded prometheus.Counter
	FramesCorrupted prometheus.Counter
	Reconnects      prometheus.Counter
	FrameQueueLen   prometheus.Gauge

	InferenceDuration prometheus.Histogram
	InferenceErrors   prometheus.Counter
	SleepTime         prometheus.Gauge
	Detections        *prometheus.CounterVec

	Notifications *prometheus.CounterVec
}

// New creates the collectors and registers them on reg. A nil registerer
// leaves them unregistered, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "frames_captured_total",
			Help:      "Frames pushed into the frame queue",
		}),
		FramesDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "frames_discarded_total",
			Help:      "Frames dropped by decimation",
		}),
		FramesCorrupted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "frames_corrupted_total",
			Help:      "Frames that were missing or could not be decoded",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "reconnects_total",
			Help:      "Connection attempts after a failure or corrupted burst",
		}),
		FrameQueueLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "frame_queue_length",
			Help:      "Frames waiting for inference",
		}),
		InferenceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "inference",
			Name:      "duration_seconds",
			Help:      "Wall-clock time spent in the detector per frame",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		InferenceErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inference",
			Name:      "errors_total",
			Help:      "Frames dropped because the detector failed",
		}),
		SleepTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "inference",
			Name:      "sleep_seconds",
			Help:      "Current adaptive poll interval",
		}),
		Detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inference",
			Name:      "detections_total",
			Help:      "Detections pushed to the dispatch queue",
		}, []string{"label"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "notifications_total",
			Help:      "Notification decisions per channel and outcome",
		}, []string{"channel", "outcome"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.FramesCaptured,
			m.FramesDiscarded,
			m.FramesCorrupted,
			m.Reconnects,
			m.FrameQueueLen,
			m.InferenceDuration,
			m.InferenceErrors,
			m.SleepTime,
			m.Detections,
			m.Notifications,
		)
	}

	return m
}

// NewRegistry returns a registry with the pipeline collectors plus Go
// runtime and process collectors.
func NewRegistry() (*prometheus.Registry, *Metrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, New(reg)
}
