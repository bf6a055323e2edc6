package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"catwatch/internal/imaging"
	"catwatch/internal/lifecycle"
	"catwatch/internal/metrics"
	"catwatch/internal/pipeline"
	"catwatch/internal/queue"
)

const (
	DefaultNotifyDelay = 2 * time.Minute
	DefaultQueueSleep  = 100 * time.Millisecond
)

// Config holds the dispatcher settings
type Config struct {
	NotifyDelay time.Duration
	QueueSleep  time.Duration
	Store       AttemptStore // optional
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Stats is a snapshot of the dispatcher counters
type Stats struct {
	State       string `json:"state"`
	Processed   uint64 `json:"processed"`
	Unrouted    uint64 `json:"unrouted"`
	Delivered   uint64 `json:"delivered"`
	Failed      uint64 `json:"failed"`
	RateLimited uint64 `json:"rate_limited"`
	OutOfWindow uint64 `json:"out_of_window"`
	Backlog     int    `json:"backlog"`
}

// ChannelInfo describes a registered channel
type ChannelInfo struct {
	Name         string              `json:"name"`
	Labels       []string            `json:"labels"`
	Windows      map[string]Schedule `json:"windows"`
	LastNotified *time.Time          `json:"last_notified,omitempty"`
}

// Dispatcher is the notification stage. Channels and windows are
// registered before Start and read-only afterwards.
type Dispatcher struct {
	detections  *queue.Queue[*pipeline.Detection]
	notifyDelay time.Duration
	queueSleep  time.Duration
	store       AttemptStore

	order         []string             // channel names, registration order
	channels      map[string]Channel   // name -> channel
	channelLabels map[string][]string  // name -> labels, registration order
	subscriptions map[string][]Channel // label -> channels, registration order
	windows       map[string][]Window  // name -> windows, registration order

	lastMu       sync.RWMutex
	lastNotified map[string]time.Time

	flag    *lifecycle.Flag
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	processed   atomic.Uint64
	unrouted    atomic.Uint64
	delivered   atomic.Uint64
	failed      atomic.Uint64
	rateLimited atomic.Uint64
	outOfWindow atomic.Uint64
}

// NewDispatcher creates a dispatcher consuming detections
func NewDispatcher(detections *queue.Queue[*pipeline.Detection], cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "notifier")

	delay := cfg.NotifyDelay
	if delay <= 0 {
		delay = DefaultNotifyDelay
	}
	sleep := cfg.QueueSleep
	if sleep <= 0 {
		sleep = DefaultQueueSleep
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New(nil)
	}

	return &Dispatcher{
		detections:    detections,
		notifyDelay:   delay,
		queueSleep:    sleep,
		store:         cfg.Store,
		channels:      make(map[string]Channel),
		channelLabels: make(map[string][]string),
		subscriptions: make(map[string][]Channel),
		windows:       make(map[string][]Window),
		lastNotified:  make(map[string]time.Time),
		flag:          lifecycle.NewFlag(logger),
		metrics:       m,
		logger:        logger,
		now:           time.Now,
	}
}

// AddChannel subscribes ch to labels. It may be called several times for
// the same channel; a label is never subscribed twice.
func (d *Dispatcher) AddChannel(ch Channel, labels ...string) {
	name := ch.Name()
	if _, ok := d.channels[name]; !ok {
		d.order = append(d.order, name)
	}
	d.channels[name] = ch

	for _, label := range labels {
		if contains(d.channelLabels[name], label) {
			continue
		}
		d.channelLabels[name] = append(d.channelLabels[name], label)
		d.subscriptions[label] = append(d.subscriptions[label], ch)
	}
	d.logger.Info("Channel registered", "channel", name, "labels", d.channelLabels[name])
}

// AddNotifyWindow attaches a named schedule to a registered channel. Adding
// a window under an existing name replaces it.
func (d *Dispatcher) AddNotifyWindow(channel, name string, s Schedule) error {
	if _, ok := d.channels[channel]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}
	w, err := ParseWindow(name, s)
	if err != nil {
		return err
	}

	windows := d.windows[channel]
	for i := range windows {
		if windows[i].Name == name {
			windows[i] = w
			return nil
		}
	}
	d.windows[channel] = append(windows, w)
	return nil
}

// Labels returns the union of subscribed labels, sorted
func (d *Dispatcher) Labels() []string {
	labels := make([]string, 0, len(d.subscriptions))
	for label := range d.subscriptions {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

// Channels describes every registered channel in registration order
func (d *Dispatcher) Channels() []ChannelInfo {
	d.lastMu.RLock()
	defer d.lastMu.RUnlock()

	out := make([]ChannelInfo, 0, len(d.order))
	for _, name := range d.order {
		info := ChannelInfo{
			Name:    name,
			Labels:  append([]string(nil), d.channelLabels[name]...),
			Windows: make(map[string]Schedule, len(d.windows[name])),
		}
		for _, w := range d.windows[name] {
			info.Windows[w.Name] = w.Schedule()
		}
		if last, ok := d.lastNotified[name]; ok {
			info.LastNotified = &last
		}
		out = append(out, info)
	}
	return out
}

// Start launches the dispatch loop
func (d *Dispatcher) Start() error {
	if err := d.flag.Start(); err != nil {
		return err
	}
	go d.run()
	return nil
}

// Stop requests shutdown. Calling it again is a no-op.
func (d *Dispatcher) Stop() bool { return d.flag.Stop() }

func (d *Dispatcher) Done() <-chan struct{} { return d.flag.Done() }

func (d *Dispatcher) State() lifecycle.State { return d.flag.State() }

// Stats returns a snapshot of the dispatcher counters
func (d *Dispatcher) Stats() Stats {
	return Stats{
		State:       d.flag.State().String(),
		Processed:   d.processed.Load(),
		Unrouted:    d.unrouted.Load(),
		Delivered:   d.delivered.Load(),
		Failed:      d.failed.Load(),
		RateLimited: d.rateLimited.Load(),
		OutOfWindow: d.outOfWindow.Load(),
		Backlog:     d.detections.Len(),
	}
}

func (d *Dispatcher) run() {
	defer d.flag.Finish()

	ctx := context.Background()
	for !d.flag.MustStop() {
		det, ok := d.detections.TryPop()
		if !ok {
			d.logger.Debug("Queue is empty.")
			d.flag.Sleep(d.queueSleep)
			continue
		}
		d.dispatch(ctx, det)
	}
}

// dispatch routes one detection to every subscribed channel
func (d *Dispatcher) dispatch(ctx context.Context, det *pipeline.Detection) {
	d.processed.Add(1)

	channels := d.subscriptions[det.Label]
	if len(channels) == 0 {
		d.unrouted.Add(1)
		d.logger.Debug("No channel for label", "label", det.Label)
		return
	}

	var image []byte
	imageEncoded := false

	for _, ch := range channels {
		name := ch.Name()
		now := d.now()

		if !d.windowOpen(name, now) {
			d.outOfWindow.Add(1)
			d.metrics.Notifications.WithLabelValues(name, metrics.OutcomeOutOfWindow).Inc()
			d.logger.Debug("No open notify window", "channel", name, "label", det.Label)
			continue
		}

		if d.isRateLimited(name, now) {
			d.rateLimited.Add(1)
			d.metrics.Notifications.WithLabelValues(name, metrics.OutcomeRateLimited).Inc()
			d.logger.Info("Rate limited", "channel", name, "label", det.Label)
			d.record(ctx, det, name, metrics.OutcomeRateLimited, nil, now)
			continue
		}

		if !imageEncoded && det.Image != nil {
			imageEncoded = true
			data, err := imaging.EncodeJPEG(det.Image, imaging.DefaultQuality)
			if err != nil {
				d.logger.Error("Failed to encode detection image", "id", det.ID, "error", err)
			} else {
				image = data
			}
		}

		payload := &Payload{Message: fmt.Sprintf("%s detected (%.0f%%)", det.Label, det.Score*100)}
		if image != nil {
			payload.ImageData = image
			payload.ImageName = fmt.Sprintf("%s_%s.jpg", name, now.Format("20060102_150405"))
		}

		d.markNotified(name, now)
		err := d.deliver(ctx, ch, payload)
		if err != nil {
			d.failed.Add(1)
			d.metrics.Notifications.WithLabelValues(name, metrics.OutcomeFailed).Inc()
			d.logger.Error("Notification failed", "channel", name, "label", det.Label, "error", err)
			d.record(ctx, det, name, metrics.OutcomeFailed, err, now)
			continue
		}

		d.delivered.Add(1)
		d.metrics.Notifications.WithLabelValues(name, metrics.OutcomeDelivered).Inc()
		d.logger.Info("Notified", "channel", name, "label", det.Label, "score", det.Score, "image", payload.ImageName)
		d.record(ctx, det, name, metrics.OutcomeDelivered, nil, now)
	}
}

// windowOpen is fail-closed: a channel without windows never fires. The
// first open window wins.
func (d *Dispatcher) windowOpen(channel string, now time.Time) bool {
	for _, w := range d.windows[channel] {
		if w.Open(now) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) isRateLimited(channel string, now time.Time) bool {
	d.lastMu.RLock()
	last, ok := d.lastNotified[channel]
	d.lastMu.RUnlock()
	return ok && now.Sub(last) <= d.notifyDelay
}

func (d *Dispatcher) markNotified(channel string, now time.Time) {
	d.lastMu.Lock()
	d.lastNotified[channel] = now
	d.lastMu.Unlock()
}

func (d *Dispatcher) deliver(ctx context.Context, ch Channel, p *Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("channel panic: %v", r)
		}
	}()
	return ch.Notify(ctx, p)
}

func (d *Dispatcher) record(ctx context.Context, det *pipeline.Detection, channel, outcome string, cause error, now time.Time) {
	if d.store == nil {
		return
	}
	a := &Attempt{
		ID:          uuid.NewString(),
		DetectionID: det.ID,
		Channel:     channel,
		Label:       det.Label,
		Outcome:     outcome,
		Timestamp:   now,
	}
	if cause != nil {
		a.Error = cause.Error()
	}
	if err := d.store.RecordNotification(ctx, a); err != nil {
		d.logger.Warn("Failed to store notification attempt", "channel", channel, "error", err)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
