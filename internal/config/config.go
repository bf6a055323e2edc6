// Package config loads the catwatch YAML configuration. JSON documents are
// valid YAML, so a config.json works as well.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"catwatch/internal/notify"
)

const redacted = "xxxxx"

// ErrInvalidConfig wraps every validation failure
var ErrInvalidConfig = errors.New("invalid configuration")

// Duration is a time.Duration read as "5s" style strings or as a plain
// number of seconds
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	if secs, err := strconv.ParseFloat(value.Value, 64); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(time.Duration(d).String())), nil
}

// D returns the value as a time.Duration
func (d Duration) D() time.Duration { return time.Duration(d) }

// Config represents the complete catwatch configuration
type Config struct {
	LogLevel       string                   `yaml:"log_level" json:"log_level"`
	LogFormat      string                   `yaml:"log_format" json:"log_format"` // text, json
	LogDir         string                   `yaml:"log_dir" json:"log_dir,omitempty"`
	LogTTY         bool                     `yaml:"log_tty" json:"log_tty"`
	RTSPURL        string                   `yaml:"rtsp_url" json:"rtsp_url"`
	Headless       bool                     `yaml:"headless" json:"headless"`
	NotifyMinScore float64                  `yaml:"notify_min_score" json:"notify_min_score"`
	VideosFolder   string                   `yaml:"videos_folder" json:"videos_folder"`
	Recording      bool                     `yaml:"recording" json:"recording"`
	Detector       DetectorConfig           `yaml:"detector" json:"detector"`
	Stream         StreamConfig             `yaml:"stream" json:"stream"`
	Inference      InferenceConfig          `yaml:"inference" json:"inference"`
	Notifier       NotifierConfig           `yaml:"notifier" json:"notifier"`
	Database       DatabaseConfig           `yaml:"database" json:"database"`
	API            APIConfig                `yaml:"api" json:"api"`
	Notifiers      map[string]ChannelConfig `yaml:"notifiers" json:"notifiers"`
}

// DetectorConfig selects the object detection backend
type DetectorConfig struct {
	Kind          string   `yaml:"kind" json:"kind"` // http, grpc
	Endpoint      string   `yaml:"endpoint" json:"endpoint"`
	Timeout       Duration `yaml:"timeout" json:"timeout"`
	ConfThreshold float64  `yaml:"conf_threshold" json:"conf_threshold,omitempty"`
	ClassesFilter string   `yaml:"classes_filter" json:"classes_filter,omitempty"`
}

// StreamConfig contains stream acquisition settings
type StreamConfig struct {
	ReconnectDelay     Duration `yaml:"reconnect_delay" json:"reconnect_delay"`
	CorruptedMaxFrames int      `yaml:"corrupted_max_frames" json:"corrupted_max_frames"`
}

// InferenceConfig contains inference loop settings
type InferenceConfig struct {
	SleepTimeMin Duration `yaml:"sleep_time_min" json:"sleep_time_min"`
}

// NotifierConfig contains dispatcher settings
type NotifierConfig struct {
	NotifyDelay Duration `yaml:"notify_delay" json:"notify_delay"`
	QueueSleep  Duration `yaml:"queue_sleep" json:"queue_sleep"`
}

// DatabaseConfig contains event store settings. An empty path disables it.
type DatabaseConfig struct {
	Path      string   `yaml:"path" json:"path,omitempty"`
	Retention Duration `yaml:"retention" json:"retention"`
}

// APIConfig contains status API settings. An empty listen address
// disables it.
type APIConfig struct {
	Listen          string   `yaml:"listen" json:"listen,omitempty"`
	AuthEnabled     bool     `yaml:"auth_enabled" json:"auth_enabled"`
	Username        string   `yaml:"username" json:"username,omitempty"`
	Password        string   `yaml:"password" json:"password,omitempty"`
	JWTSecret       string   `yaml:"jwt_secret" json:"jwt_secret,omitempty"`
	JWTExpiry       Duration `yaml:"jwt_expiry" json:"jwt_expiry"`
	PreviewInterval Duration `yaml:"preview_interval" json:"preview_interval"`
}

// ChannelConfig configures one notification channel. Keys other than the
// common ones are handed to the channel as settings.
type ChannelConfig struct {
	Enabled       bool                       `yaml:"enabled" json:"enabled"`
	Objects       []string                   `yaml:"objects" json:"objects"`
	NotifyWindows map[string]notify.Schedule `yaml:"notify_windows" json:"notify_windows"`
	Settings      map[string]any             `yaml:",inline" json:"settings,omitempty"`
}

// Default returns the configuration used for keys absent from the file
func Default() *Config {
	return &Config{
		LogLevel:       "info",
		LogFormat:      "text",
		LogTTY:         true,
		NotifyMinScore: 0.5,
		VideosFolder:   "videos",
		Detector: DetectorConfig{
			Kind:    "http",
			Timeout: Duration(30 * time.Second),
		},
		Stream: StreamConfig{
			ReconnectDelay:     Duration(5 * time.Second),
			CorruptedMaxFrames: 10,
		},
		Inference: InferenceConfig{SleepTimeMin: Duration(50 * time.Millisecond)},
		Notifier: NotifierConfig{
			NotifyDelay: Duration(2 * time.Minute),
			QueueSleep:  Duration(100 * time.Millisecond),
		},
		API: APIConfig{
			Username:        "admin",
			JWTExpiry:       Duration(24 * time.Hour),
			PreviewInterval: Duration(200 * time.Millisecond),
		},
	}
}

// Load reads and parses a YAML configuration file, applies environment
// overrides and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load without the file read
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnv(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("CATWATCH_RTSP_URL"); v != "" {
		c.RTSPURL = v
	}
	if v := getenv("CATWATCH_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := getenv("CATWATCH_API_LISTEN"); v != "" {
		c.API.Listen = v
	}
	if v := getenv("AUTH_ENABLED"); v != "" {
		c.API.AuthEnabled = v == "true"
	}
	if v := getenv("AUTH_USERNAME"); v != "" {
		c.API.Username = v
	}
	if v := getenv("AUTH_PASSWORD"); v != "" {
		c.API.Password = v
	}
	if v := getenv("JWT_SECRET"); v != "" {
		c.API.JWTSecret = v
	}
}

// Validate checks the configuration for values the pipeline cannot run with
func (c *Config) Validate() error {
	if c.RTSPURL == "" {
		return fmt.Errorf("%w: rtsp_url is required", ErrInvalidConfig)
	}
	if c.NotifyMinScore < 0 || c.NotifyMinScore > 1 {
		return fmt.Errorf("%w: notify_min_score %v outside [0,1]", ErrInvalidConfig, c.NotifyMinScore)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%w: unknown log_level %q", ErrInvalidConfig, c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("%w: unknown log_format %q", ErrInvalidConfig, c.LogFormat)
	}
	if c.Recording && c.VideosFolder == "" {
		return fmt.Errorf("%w: recording needs videos_folder", ErrInvalidConfig)
	}
	if c.API.AuthEnabled && c.API.Password == "" {
		return fmt.Errorf("%w: api.auth_enabled needs api.password", ErrInvalidConfig)
	}

	for _, name := range c.EnabledNotifiers() {
		n := c.Notifiers[name]
		if len(n.Objects) == 0 {
			return fmt.Errorf("%w: notifier %s has no objects", ErrInvalidConfig, name)
		}
		for wname, s := range n.NotifyWindows {
			if _, err := notify.ParseWindow(wname, s); err != nil {
				return fmt.Errorf("%w: notifier %s: %v", ErrInvalidConfig, name, err)
			}
		}
	}
	return nil
}

// EnabledNotifiers returns the names of the enabled channels, sorted
func (c *Config) EnabledNotifiers() []string {
	var names []string
	for name, n := range c.Notifiers {
		if n.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Redacted returns a copy safe to print: passwords, secrets, tokens and
// camera credentials are masked
func (c *Config) Redacted() *Config {
	out := *c
	out.RTSPURL = maskURL(c.RTSPURL)
	if out.API.Password != "" {
		out.API.Password = redacted
	}
	if out.API.JWTSecret != "" {
		out.API.JWTSecret = redacted
	}

	out.Notifiers = make(map[string]ChannelConfig, len(c.Notifiers))
	for name, n := range c.Notifiers {
		settings := make(map[string]any, len(n.Settings))
		for k, v := range n.Settings {
			if isSecretKey(k) {
				v = redacted
			}
			settings[k] = v
		}
		n.Settings = settings
		out.Notifiers[name] = n
	}
	return &out
}

func isSecretKey(key string) bool {
	key = strings.ToLower(key)
	for _, s := range []string{"token", "secret", "password", "authorization", "url"} {
		if strings.Contains(key, s) {
			return true
		}
	}
	return false
}

func maskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), redacted)
	}
	return u.String()
}
