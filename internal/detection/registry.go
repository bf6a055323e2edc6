package detection

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sort"
	"time"
)

// Backend is a detector implementation that can be selected by name
type Backend interface {
	Name() string
	Analyze(ctx context.Context, frame image.Image) (*Result, error)
	ScoredLabels(res *Result, minScore float64) []ScoredLabel
	Plot(res *Result) (image.Image, error)
	IsHealthy(ctx context.Context) bool
	Close() error
}

// Config selects and configures a backend
type Config struct {
	Kind          string
	Endpoint      string
	Timeout       time.Duration
	ConfThreshold float64
	ClassesFilter string
	Logger        *slog.Logger
}

// Factory builds a backend from configuration
type Factory func(cfg Config) (Backend, error)

var factories = map[string]Factory{
	"http": func(cfg Config) (Backend, error) {
		return NewYOLODetector(YOLOConfig{
			Endpoint:      cfg.Endpoint,
			Timeout:       cfg.Timeout,
			ConfThreshold: cfg.ConfThreshold,
			ClassesFilter: cfg.ClassesFilter,
			Logger:        cfg.Logger,
		}), nil
	},
	"grpc": func(cfg Config) (Backend, error) {
		return NewGRPCDetector(GRPCConfig{
			Endpoint:      cfg.Endpoint,
			Timeout:       cfg.Timeout,
			ConfThreshold: cfg.ConfThreshold,
			Logger:        cfg.Logger,
		})
	},
}

// New builds the backend registered under cfg.Kind
func New(cfg Config) (Backend, error) {
	factory, ok := factories[cfg.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrUnknownDetector, cfg.Kind, Kinds())
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("detector %q: endpoint is required", cfg.Kind)
	}
	return factory(cfg)
}

// Kinds returns the registered backend names, sorted
func Kinds() []string {
	kinds := make([]string, 0, len(factories))
	for k := range factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
