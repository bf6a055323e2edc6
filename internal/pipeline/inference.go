package pipeline

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"catwatch/internal/detection"
	"catwatch/internal/lifecycle"
	"catwatch/internal/metrics"
	"catwatch/internal/queue"
)

// DefaultSleepTimeMin is the floor of the adaptive poll interval
const DefaultSleepTimeMin = 50 * time.Millisecond

// InferenceConfig holds the inference stage settings
type InferenceConfig struct {
	NotifyMinScore float64
	SleepTimeMin   time.Duration
	Recorder       VideoSink      // optional
	Store          DetectionStore // optional
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

// InferenceStage pulls frames, runs the detector and emits qualifying
// detections. It also feeds annotated frames to the preview queue and the
// video recorder.
type InferenceStage struct {
	frames     *queue.Queue[*Frame]
	detections *queue.Queue[*Detection]
	preview    *queue.Queue[image.Image]

	detector Detector
	minScore float64
	sleepMin time.Duration
	recorder VideoSink
	store    DetectionStore

	labels         atomic.Pointer[map[string]struct{}]
	previewEnabled atomic.Bool

	// owned by the loop goroutine
	sleepTime     time.Duration
	recorderInUse bool

	flag    *lifecycle.Flag
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	processed   atomic.Uint64
	failures    atomic.Uint64
	emitted     atomic.Uint64
	discarded   atomic.Uint64
	sleepNanos  atomic.Int64
	lastInferNs atomic.Int64
}

// NewInferenceStage creates a stage reading from frames. Call SetLabels
// before Start; until then no detection is emitted.
func NewInferenceStage(frames *queue.Queue[*Frame], detector Detector, cfg InferenceConfig) *InferenceStage {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "inference")

	sleepMin := cfg.SleepTimeMin
	if sleepMin <= 0 {
		sleepMin = DefaultSleepTimeMin
	}

	m := cfg.Metrics
	if m == nil {
		m = metrics.New(nil)
	}

	s := &InferenceStage{
		frames:     frames,
		detections: queue.New[*Detection](),
		preview:    queue.New[image.Image](),
		detector:   detector,
		minScore:   cfg.NotifyMinScore,
		sleepMin:   sleepMin,
		recorder:   cfg.Recorder,
		store:      cfg.Store,
		sleepTime:  sleepMin,
		flag:       lifecycle.NewFlag(logger),
		metrics:    m,
		logger:     logger,
		now:        time.Now,
	}
	empty := map[string]struct{}{}
	s.labels.Store(&empty)
	s.previewEnabled.Store(true)
	s.sleepNanos.Store(int64(sleepMin))
	return s
}

// SetLabels replaces the set of labels worth emitting
func (s *InferenceStage) SetLabels(labels []string) {
	set := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		set[l] = struct{}{}
	}
	s.labels.Store(&set)
}

// Labels returns the current interest labels, sorted
func (s *InferenceStage) Labels() []string {
	set := *s.labels.Load()
	out := make([]string, 0, len(set))
	for l := range set {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// DisablePreview stops producing frames for the live preview. Recording is
// unaffected. Safe to call at any time, more than once.
func (s *InferenceStage) DisablePreview() {
	if s.previewEnabled.Swap(false) {
		s.logger.Info("Live preview disabled")
	}
}

// Detections is the outgoing detection queue
func (s *InferenceStage) Detections() *queue.Queue[*Detection] { return s.detections }

// Preview is the annotated-frame queue read by the live preview
func (s *InferenceStage) Preview() *queue.Queue[image.Image] { return s.preview }

// Start launches the processing loop
func (s *InferenceStage) Start() error {
	if err := s.flag.Start(); err != nil {
		return err
	}
	go s.run()
	return nil
}

// Stop requests shutdown. The frame being analyzed, if any, completes first.
func (s *InferenceStage) Stop() bool { return s.flag.Stop() }

// Done is closed when the loop has exited and the recorder is closed
func (s *InferenceStage) Done() <-chan struct{} { return s.flag.Done() }

func (s *InferenceStage) State() lifecycle.State { return s.flag.State() }

// Stats returns a snapshot of the stage counters
func (s *InferenceStage) Stats() InferenceStats {
	return InferenceStats{
		State:           s.flag.State().String(),
		FramesProcessed: s.processed.Load(),
		Failures:        s.failures.Load(),
		Detections:      s.emitted.Load(),
		Discarded:       s.discarded.Load(),
		SleepTimeMs:     float64(s.sleepNanos.Load()) / float64(time.Millisecond),
		LastInferenceMs: float64(s.lastInferNs.Load()) / float64(time.Millisecond),
		FrameBacklog:    s.frames.Len(),
		PreviewEnabled:  s.previewEnabled.Load(),
		Labels:          s.Labels(),
	}
}

func (s *InferenceStage) run() {
	defer s.finish()

	ctx := context.Background()
	for !s.flag.MustStop() {
		frame, ok := s.frames.TryPop()
		s.metrics.FrameQueueLen.Set(float64(s.frames.Len()))
		if !ok {
			s.logger.Debug("Queue is empty.")
			s.flag.Sleep(s.sleepTime)
			continue
		}

		if !s.process(ctx, frame) {
			continue
		}
		s.flag.Sleep(s.sleepTime)
	}
}

func (s *InferenceStage) finish() {
	if s.recorder != nil && s.recorderInUse {
		if err := s.recorder.Close(); err != nil {
			s.logger.Error("Failed to close recorder", "error", err)
		}
	}
	s.flag.Finish()
}

// process runs one frame through the detector. It returns false when the
// detector failed and the frame was dropped.
func (s *InferenceStage) process(ctx context.Context, frame *Frame) bool {
	start := time.Now()
	res, err := s.analyze(ctx, frame.Image)
	elapsed := time.Since(start)

	if err != nil {
		s.failures.Add(1)
		s.metrics.InferenceErrors.Inc()
		s.logger.Error("Inference failed, frame dropped", "seq", frame.Seq, "error", err)
		return false
	}
	s.processed.Add(1)

	s.sleepTime = nextSleepTime(elapsed, s.sleepTime, s.sleepMin)
	s.sleepNanos.Store(int64(s.sleepTime))
	s.lastInferNs.Store(int64(elapsed))
	s.metrics.InferenceDuration.Observe(elapsed.Seconds())
	s.metrics.SleepTime.Set(s.sleepTime.Seconds())

	if s.logger.Enabled(ctx, slog.LevelDebug) {
		s.logger.Debug("Analyzed frame", "seq", frame.Seq, "took", elapsed,
			"labels", s.detector.ScoredLabels(res, detection.AnyScore))
	}

	interest := *s.labels.Load()
	qualifying := s.detector.ScoredLabels(res, s.minScore)
	var wanted []detection.ScoredLabel
	for _, sl := range qualifying {
		if _, ok := interest[sl.Label]; !ok {
			s.discarded.Add(1)
			s.logger.Debug("Discarding uninteresting label", "label", sl.Label, "score", sl.Score)
			continue
		}
		wanted = append(wanted, sl)
	}

	previewOn := s.previewEnabled.Load()
	var annotated image.Image
	if previewOn || s.recorder != nil || len(wanted) > 0 {
		annotated = s.render(res)
	}

	if previewOn && annotated != nil {
		s.preview.Push(annotated)
	}

	for _, sl := range wanted {
		d := &Detection{
			ID:        uuid.NewString(),
			Label:     sl.Label,
			Score:     sl.Score,
			Timestamp: s.now(),
			Image:     annotated,
		}
		s.detections.Push(d)
		s.emitted.Add(1)
		s.metrics.Detections.WithLabelValues(d.Label).Inc()
		s.logger.Info("Detected", "label", d.Label, "score", d.Score, "id", d.ID)

		if s.store != nil {
			if err := s.store.RecordDetection(ctx, d); err != nil {
				s.logger.Warn("Failed to store detection", "id", d.ID, "error", err)
			}
		}

		if s.recorder != nil && annotated != nil {
			s.recorderInUse = true
			if err := s.recorder.AddImage(annotated); err != nil {
				s.logger.Error("Failed to record frame", "error", err)
			}
		}
	}

	return true
}

func (s *InferenceStage) analyze(ctx context.Context, img image.Image) (res *detection.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("detector panic: %v", r)
		}
	}()
	if img == nil {
		return nil, detection.ErrEmptyFrame
	}
	return s.detector.Analyze(ctx, img)
}

func (s *InferenceStage) render(res *detection.Result) (img image.Image) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Plot panicked", "panic", r)
			img = nil
		}
	}()
	img, err := s.detector.Plot(res)
	if err != nil {
		s.logger.Error("Failed to plot result", "error", err)
		return nil
	}
	return img
}

// nextSleepTime adapts the poll interval to the last inference duration:
// clamp to the floor, hold a new worst case for one cycle, otherwise decay
// toward the recent average.
func nextSleepTime(d, current, floor time.Duration) time.Duration {
	switch {
	case d < floor:
		return floor
	case d > current:
		return d
	default:
		return (d + current) / 2
	}
}
