// Package stream pulls frames from the camera, thins them to roughly one
// per second and hands them to the inference stage.
package stream

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"catwatch/internal/lifecycle"
	"catwatch/internal/metrics"
	"catwatch/internal/pipeline"
	"catwatch/internal/queue"
)

const (
	DefaultReconnectDelay     = 5 * time.Second
	DefaultCorruptedMaxFrames = 10
)

// ErrCorruptedFrame is returned by Capture.Read for a unit that is not a
// valid image
var ErrCorruptedFrame = errors.New("corrupted frame")

// Capture is one open connection to the camera
type Capture interface {
	// FPS is the frame rate reported by the stream, 0 if unknown
	FPS() float64
	Read() (image.Image, error)
	Close() error
}

// Opener connects to the camera. Open is retried until it succeeds or the
// source is stopped; ctx is cancelled on stop.
type Opener interface {
	Open(ctx context.Context) (Capture, error)
}

// Config holds the source settings
type Config struct {
	ReconnectDelay     time.Duration
	CorruptedMaxFrames int
	Metrics            *metrics.Metrics
	Logger             *slog.Logger
}

// Stats is a snapshot of the source counters
type Stats struct {
	State            string  `json:"state"`
	Connected        bool    `json:"connected"`
	FPS              float64 `json:"fps"`
	DecimationFactor int     `json:"decimation_factor"` // 0: sampled by wall clock
	FramesRead       uint64  `json:"frames_read"`
	FramesQueued     uint64  `json:"frames_queued"`
	FramesDiscarded  uint64  `json:"frames_discarded"`
	FramesCorrupted  uint64  `json:"frames_corrupted"`
	Reconnects       uint64  `json:"reconnects"`
}

// Source is the acquisition stage
type Source struct {
	opener         Opener
	frames         *queue.Queue[*pipeline.Frame]
	reconnectDelay time.Duration
	maxCorrupted   int

	flag    *lifecycle.Flag
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	seq        uint64
	connected  atomic.Bool
	fpsBits    atomic.Uint64
	factor     atomic.Int64
	read       atomic.Uint64
	queued     atomic.Uint64
	discarded  atomic.Uint64
	corrupted  atomic.Uint64
	reconnects atomic.Uint64
}

// NewSource creates a source that pushes frames into a fresh queue
func NewSource(opener Opener, cfg Config) *Source {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "stream")

	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	maxCorrupted := cfg.CorruptedMaxFrames
	if maxCorrupted <= 0 {
		maxCorrupted = DefaultCorruptedMaxFrames
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New(nil)
	}

	return &Source{
		opener:         opener,
		frames:         queue.New[*pipeline.Frame](),
		reconnectDelay: delay,
		maxCorrupted:   maxCorrupted,
		flag:           lifecycle.NewFlag(logger),
		metrics:        m,
		logger:         logger,
		now:            time.Now,
	}
}

// Frames is the outgoing frame queue
func (s *Source) Frames() *queue.Queue[*pipeline.Frame] { return s.frames }

// Start launches the capture loop
func (s *Source) Start() error {
	if err := s.flag.Start(); err != nil {
		return err
	}
	go s.run()
	return nil
}

// Stop requests shutdown. Calling it again is a no-op.
func (s *Source) Stop() bool { return s.flag.Stop() }

func (s *Source) Done() <-chan struct{} { return s.flag.Done() }

func (s *Source) State() lifecycle.State { return s.flag.State() }

// Stats returns a snapshot of the source counters
func (s *Source) Stats() Stats {
	return Stats{
		State:            s.flag.State().String(),
		Connected:        s.connected.Load(),
		FPS:              math.Float64frombits(s.fpsBits.Load()),
		DecimationFactor: int(s.factor.Load()),
		FramesRead:       s.read.Load(),
		FramesQueued:     s.queued.Load(),
		FramesDiscarded:  s.discarded.Load(),
		FramesCorrupted:  s.corrupted.Load(),
		Reconnects:       s.reconnects.Load(),
	}
}

func (s *Source) run() {
	defer s.flag.Finish()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.flag.StopRequested():
			cancel()
		case <-ctx.Done():
		}
	}()

	first := true
	for !s.flag.MustStop() {
		if !first {
			s.reconnects.Add(1)
			s.metrics.Reconnects.Inc()
		}
		first = false

		capture, err := s.opener.Open(ctx)
		if err != nil {
			if s.flag.MustStop() {
				break
			}
			s.logger.Error("Failed to open stream", "error", err, "retry_in", s.reconnectDelay)
			s.flag.Sleep(s.reconnectDelay)
			continue
		}

		s.connected.Store(true)
		s.consume(capture)
		s.connected.Store(false)

		if err := capture.Close(); err != nil {
			s.logger.Debug("Error closing stream", "error", err)
		}

		if s.flag.MustStop() {
			break
		}
		s.logger.Warn("Stream lost, reconnecting", "in", s.reconnectDelay)
		s.flag.Sleep(s.reconnectDelay)
	}
}

// consume reads from an open capture until stop is requested or too many
// consecutive corrupted frames are seen.
func (s *Source) consume(c Capture) {
	fps := c.FPS()
	factor := decimationFactor(fps)
	s.fpsBits.Store(math.Float64bits(fps))
	s.factor.Store(int64(factor))
	s.logger.Info("Stream opened", "fps", fps, "keep_every", factor)

	var (
		good     uint64
		lastKept time.Time
	)
	corrupted := 0
	for !s.flag.MustStop() {
		img, err := c.Read()
		if err != nil || img == nil || img.Bounds().Empty() {
			corrupted++
			s.corrupted.Add(1)
			s.metrics.FramesCorrupted.Inc()
			if corrupted > s.maxCorrupted {
				s.logger.Warn("Too many corrupted frames", "count", corrupted, "last_error", err)
				return
			}
			continue
		}
		corrupted = 0
		s.read.Add(1)

		now := s.now()
		good++
		if !keepFrame(factor, good, lastKept, now) {
			s.discarded.Add(1)
			s.metrics.FramesDiscarded.Inc()
			continue
		}
		lastKept = now

		s.seq++
		s.frames.Push(&pipeline.Frame{Image: img, Seq: s.seq, Timestamp: now})
		s.queued.Add(1)
		s.metrics.FramesCaptured.Inc()
		s.metrics.FrameQueueLen.Set(float64(s.frames.Len()))
	}
}

// decimationFactor keeps one frame in round(fps), never less than every
// frame. Zero means the rate is unknown and frames are sampled by wall clock.
func decimationFactor(fps float64) int {
	if math.IsNaN(fps) || math.IsInf(fps, 0) || fps <= 0 {
		return 0
	}
	f := int(math.Round(fps))
	if f < 1 {
		return 1
	}
	return f
}

// keepFrame reports whether the good-th good frame is sampled. Without a
// factor a frame is kept once a second has passed since the last kept one.
func keepFrame(factor int, good uint64, lastKept, now time.Time) bool {
	if factor == 0 {
		return lastKept.IsZero() || now.Sub(lastKept) >= time.Second
	}
	return (good-1)%uint64(factor) == 0
}
