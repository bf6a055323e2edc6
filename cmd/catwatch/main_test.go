package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catwatch/internal/config"
	"catwatch/internal/lifecycle"
	"catwatch/internal/metrics"
	"catwatch/internal/notify"
)

const testConfig = `
rtsp_url: rtsp://cam/stream
headless: true
detector:
  kind: http
  endpoint: http://127.0.0.1:1
notifiers:
  discord_webhook:
    enabled: true
    objects: [cat, dog]
    url: http://127.0.0.1:1/hook
    notify_windows:
      b_nights:
        days: mon,tue
        start: "00:00"
        end: "06:00"
      a_days:
        days: sat,sun
        start: "08:00"
        end: "20:00"
  blinkstick_square:
    enabled: true
    objects: [cat]
    url: http://127.0.0.1:1/led
  telegram:
    enabled: false
`

func loadTestConfig(t *testing.T, doc string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(doc))
	require.NoError(t, err)
	return cfg
}

func TestBuildWiresChannelsAndLabels(t *testing.T) {
	cfg := loadTestConfig(t, testConfig)
	cfg.Database.Path = filepath.Join(t.TempDir(), "events.db")

	a, err := build(cfg, slog.Default(), metrics.New(nil))
	require.NoError(t, err)
	t.Cleanup(func() {
		a.detector.Close()
		a.db.Close()
	})

	assert.Equal(t, []string{"cat", "dog"}, a.inference.Labels())
	assert.False(t, a.inference.Stats().PreviewEnabled)

	chans := a.notifier.Channels()
	require.Len(t, chans, 2)
	assert.Equal(t, "blinkstick_square", chans[0].Name)
	assert.Equal(t, "discord_webhook", chans[1].Name)
	assert.Equal(t, []string{"cat", "dog"}, chans[1].Labels)
	assert.Contains(t, chans[1].Windows, "a_days")
	assert.Contains(t, chans[1].Windows, "b_nights")
	assert.Empty(t, chans[0].Windows)

	assert.Equal(t, lifecycle.Idle, a.source.State())
}

func TestBuildKeepsPreviewWithAPI(t *testing.T) {
	cfg := loadTestConfig(t, testConfig)
	cfg.Headless = false
	cfg.API.Listen = "127.0.0.1:0"

	a, err := build(cfg, slog.Default(), metrics.New(nil))
	require.NoError(t, err)
	t.Cleanup(func() { a.detector.Close() })
	assert.True(t, a.inference.Stats().PreviewEnabled)
	assert.Nil(t, a.db)
}

func TestBuildRejectsUnknownDetector(t *testing.T) {
	cfg := loadTestConfig(t, testConfig)
	cfg.Detector.Kind = "onnx"

	_, err := build(cfg, slog.Default(), metrics.New(nil))
	assert.Error(t, err)
}

func TestRegisterChannelsUnknownKind(t *testing.T) {
	cfg := loadTestConfig(t, "rtsp_url: x\nnotifiers:\n  pager:\n    enabled: true\n    objects: [cat]\n")
	d := notify.NewDispatcher(nil, notify.Config{})

	err := registerChannels(cfg, d, slog.Default())
	assert.ErrorIs(t, err, notify.ErrUnknownChannel)
}

func TestNewLoggerWritesFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	cfg := config.Default()
	cfg.LogDir = dir
	cfg.LogTTY = false
	cfg.LogFormat = "json"

	logger, closeLog, err := newLogger(cfg)
	require.NoError(t, err)
	logger.Info("hello", "component", "test")
	logger.Debug("hidden")
	require.NoError(t, closeLog())

	data, err := os.ReadFile(filepath.Join(dir, logFileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
	assert.NotContains(t, string(data), "hidden")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}
