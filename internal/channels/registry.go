// Package channels implements the notification channels selectable from
// configuration.
package channels

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"catwatch/internal/notify"
)

const defaultTimeout = 10 * time.Second

// Settings holds the channel-specific configuration keys
type Settings map[string]any

// Factory builds a channel from its settings
type Factory func(s Settings, logger *slog.Logger) (notify.Channel, error)

var factories = map[string]Factory{
	"discord_webhook": func(s Settings, l *slog.Logger) (notify.Channel, error) {
		return NewDiscordWebhook(s, l)
	},
	"telegram": func(s Settings, l *slog.Logger) (notify.Channel, error) {
		return NewTelegram(s, l)
	},
	"ha_google_speak": func(s Settings, l *slog.Logger) (notify.Channel, error) {
		return NewHAGoogleSpeak(s, l)
	},
	"blinkstick_square": func(s Settings, l *slog.Logger) (notify.Channel, error) {
		return NewBlinkstickSquare(s, l)
	},
}

// New builds the channel registered under kind. A nil logger means
// slog.Default().
func New(kind string, s Settings, logger *slog.Logger) (notify.Channel, error) {
	factory, ok := factories[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %v)", notify.ErrUnknownChannel, kind, Kinds())
	}
	ch, err := factory(s, logger)
	if err != nil {
		return nil, fmt.Errorf("channel %s: %w", kind, err)
	}
	return ch, nil
}

func channelLogger(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", name)
}

// Kinds returns the registered channel names, sorted
func Kinds() []string {
	kinds := make([]string, 0, len(factories))
	for k := range factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// String returns a string setting, or def when missing
func (s Settings) String(key, def string) string {
	switch v := s[key].(type) {
	case string:
		return v
	case nil:
		return def
	default:
		return fmt.Sprint(v)
	}
}

// Float returns a numeric setting, or def when missing or not a number
func (s Settings) Float(key string, def float64) float64 {
	switch v := s[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// Require fails when any key is missing or empty
func (s Settings) Require(keys ...string) error {
	for _, k := range keys {
		if s.String(k, "") == "" {
			return fmt.Errorf("missing setting %q", k)
		}
	}
	return nil
}

// Timeout reads "timeout" in seconds
func (s Settings) Timeout() time.Duration {
	secs := s.Float("timeout", 0)
	if secs <= 0 {
		return defaultTimeout
	}
	return time.Duration(secs * float64(time.Second))
}

func newHTTPClient(s Settings) *http.Client {
	return &http.Client{Timeout: s.Timeout()}
}

// message picks the payload message over the configured default
func message(p *notify.Payload, def string) string {
	if p != nil && p.Message != "" {
		return p.Message
	}
	return def
}
