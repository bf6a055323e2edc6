package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"catwatch/internal/channels"
	"catwatch/internal/config"
	"catwatch/internal/database"
	"catwatch/internal/detection"
	"catwatch/internal/metrics"
	"catwatch/internal/notify"
	"catwatch/internal/pipeline"
	"catwatch/internal/recording"
	"catwatch/internal/stream"
)

// stageJoinTimeout bounds the wait for each stage after Stop. Inference may
// be inside a detector call, which has its own timeout.
const stageJoinTimeout = 45 * time.Second

func main() {
	var (
		configF = flag.String("config", "config.yaml", "Path to the YAML (or JSON) configuration file")
		checkF  = flag.Bool("check-config", false, "Print the effective configuration with secrets redacted and exit")
		dbgF    = flag.Bool("debug", false, "Force debug logging and log HTTP requests")
	)
	flag.Parse()

	cfg, err := config.Load(*configF)
	if err != nil {
		fmt.Fprintf(os.Stderr, "catwatch: %v\n", err)
		os.Exit(1)
	}
	if *dbgF {
		cfg.LogLevel = "debug"
	}

	if *checkF {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(cfg.Redacted()); err != nil {
			fmt.Fprintf(os.Stderr, "catwatch: %v\n", err)
			os.Exit(1)
		}
		return
	}

	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "catwatch: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	if err := run(cfg, logger, *dbgF); err != nil {
		logger.Error("Startup failed", "error", err)
		closeLog()
		os.Exit(1)
	}
	closeLog()
}

// app holds the constructed pipeline
type app struct {
	source    *stream.Source
	inference *pipeline.InferenceStage
	notifier  *notify.Dispatcher
	detector  detection.Backend
	db        *database.Database
}

func run(cfg *config.Config, logger *slog.Logger, debug bool) error {
	reg, m := metrics.NewRegistry()

	a, err := build(cfg, logger, m)
	if err != nil {
		return err
	}
	defer a.detector.Close()
	if a.db != nil {
		defer a.db.Close()
	}

	hctx, hcancel := context.WithTimeout(context.Background(), 5*time.Second)
	if !a.detector.IsHealthy(hctx) {
		logger.Warn("Detector not reachable yet", "kind", a.detector.Name(), "endpoint", cfg.Detector.Endpoint)
	}
	hcancel()

	// consumers first so nothing piles up behind a stage that is not running
	if err := a.notifier.Start(); err != nil {
		return err
	}
	if err := a.inference.Start(); err != nil {
		return err
	}
	if err := a.source.Start(); err != nil {
		return err
	}

	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		sig := <-c
		select {
		case errc <- fmt.Errorf("%s", sig):
		default:
		}
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	if cfg.API.Listen != "" {
		if err := startAPI(ctx, cfg, a, reg, &wg, errc, logger, debug); err != nil {
			cancel()
			a.shutdown(logger)
			return err
		}
	}
	if a.db != nil && cfg.Database.Retention > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pruneEvents(ctx, a.db, cfg.Database.Retention.D(), logger)
		}()
	}

	logger.Info("catwatch running", "stream", stream.MaskURL(cfg.RTSPURL), "labels", a.inference.Labels())
	logger.Info("Exiting", "reason", <-errc)

	cancel()
	a.shutdown(logger)
	wg.Wait()
	logger.Info("Exited")
	return nil
}

// build constructs every stage and registers the channels. Nothing is
// started.
func build(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*app, error) {
	a := &app{}

	var (
		detStore pipeline.DetectionStore
		attStore notify.AttemptStore
	)
	if cfg.Database.Path != "" {
		db, err := database.New(cfg.Database.Path, logger)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, err
		}
		a.db = db
		detStore, attStore = db, db
	}

	det, err := detection.New(detection.Config{
		Kind:          cfg.Detector.Kind,
		Endpoint:      cfg.Detector.Endpoint,
		Timeout:       cfg.Detector.Timeout.D(),
		ConfThreshold: cfg.Detector.ConfThreshold,
		ClassesFilter: cfg.Detector.ClassesFilter,
		Logger:        logger,
	})
	if err != nil {
		a.closeDB()
		return nil, err
	}
	a.detector = det

	var recorder pipeline.VideoSink
	if cfg.Recording {
		recorder = recording.NewRecorder(cfg.VideosFolder, logger)
	}

	a.source = stream.NewSource(stream.NewFFmpegOpener(cfg.RTSPURL, logger), stream.Config{
		ReconnectDelay:     cfg.Stream.ReconnectDelay.D(),
		CorruptedMaxFrames: cfg.Stream.CorruptedMaxFrames,
		Metrics:            m,
		Logger:             logger,
	})

	a.inference = pipeline.NewInferenceStage(a.source.Frames(), det, pipeline.InferenceConfig{
		NotifyMinScore: cfg.NotifyMinScore,
		SleepTimeMin:   cfg.Inference.SleepTimeMin.D(),
		Recorder:       recorder,
		Store:          detStore,
		Metrics:        m,
		Logger:         logger,
	})

	a.notifier = notify.NewDispatcher(a.inference.Detections(), notify.Config{
		NotifyDelay: cfg.Notifier.NotifyDelay.D(),
		QueueSleep:  cfg.Notifier.QueueSleep.D(),
		Store:       attStore,
		Metrics:     m,
		Logger:      logger,
	})

	if err := registerChannels(cfg, a.notifier, logger); err != nil {
		det.Close()
		a.closeDB()
		return nil, err
	}
	a.inference.SetLabels(a.notifier.Labels())

	// nobody drains the preview queue without the API
	if cfg.Headless || cfg.API.Listen == "" {
		a.inference.DisablePreview()
	}
	return a, nil
}

func registerChannels(cfg *config.Config, d *notify.Dispatcher, logger *slog.Logger) error {
	for _, name := range cfg.EnabledNotifiers() {
		n := cfg.Notifiers[name]

		ch, err := channels.New(name, channels.Settings(n.Settings), logger)
		if err != nil {
			return err
		}
		d.AddChannel(ch, n.Objects...)

		windows := make([]string, 0, len(n.NotifyWindows))
		for w := range n.NotifyWindows {
			windows = append(windows, w)
		}
		sort.Strings(windows)
		for _, w := range windows {
			if err := d.AddNotifyWindow(ch.Name(), w, n.NotifyWindows[w]); err != nil {
				return fmt.Errorf("notifier %s: %w", name, err)
			}
		}
	}
	return nil
}

// shutdown stops dispatch, then acquisition, then inference, and waits for
// each loop to exit
func (a *app) shutdown(logger *slog.Logger) {
	a.notifier.Stop()
	a.source.Stop()
	a.inference.Stop()

	for name, done := range map[string]<-chan struct{}{
		"notifier":  a.notifier.Done(),
		"stream":    a.source.Done(),
		"inference": a.inference.Done(),
	} {
		select {
		case <-done:
		case <-time.After(stageJoinTimeout):
			logger.Warn("Stage did not stop in time", "stage", name)
		}
	}
}

func (a *app) closeDB() {
	if a.db != nil {
		a.db.Close()
	}
}

func pruneEvents(ctx context.Context, db *database.Database, retention time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		n, err := db.DeleteOldEvents(ctx, time.Now().Add(-retention))
		if err != nil {
			logger.Warn("Failed to prune events", "error", err)
		} else if n > 0 {
			logger.Info("Pruned old events", "count", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
