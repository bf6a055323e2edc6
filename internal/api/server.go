// Package api serves the status API: health, per-stage counters, channel
// registrations, stored events, login, the live preview socket and
// prometheus metrics.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	goahttp "goa.design/goa/v3/http"
	httpmdlwr "goa.design/goa/v3/http/middleware"
	"goa.design/goa/v3/middleware"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"catwatch/internal/auth"
	"catwatch/internal/database"
	"catwatch/internal/lifecycle"
	authmw "catwatch/internal/middleware"
	"catwatch/internal/notify"
	"catwatch/internal/pipeline"
	"catwatch/internal/stream"
)

// StreamStage is the read side of the acquisition stage
type StreamStage interface {
	State() lifecycle.State
	Stats() stream.Stats
}

// InferenceStage is the read side of the inference stage
type InferenceStage interface {
	State() lifecycle.State
	Stats() pipeline.InferenceStats
}

// NotifierStage is the read side of the dispatch stage
type NotifierStage interface {
	State() lifecycle.State
	Stats() notify.Stats
	Channels() []notify.ChannelInfo
}

// EventStore lists stored detections
type EventStore interface {
	ListEvents(ctx context.Context, f database.EventFilter) ([]*database.DetectionRecord, error)
	GetDetection(ctx context.Context, id string) (*database.DetectionRecord, error)
}

// Config wires the server to the running pipeline. Events, the preview
// handlers and Gatherer are optional.
type Config struct {
	Stream       StreamStage
	Inference    InferenceStage
	Notifier     NotifierStage
	Events       EventStore
	Auth         *auth.Authenticator
	Preview      http.Handler // websocket
	PreviewMJPEG http.Handler
	Snapshot     http.Handler
	Gatherer     prometheus.Gatherer
	Logger       *slog.Logger
	Debug        bool
}

// Server is the status API
type Server struct {
	cfg     Config
	logger  *slog.Logger
	started time.Time
}

// New creates the server. Auth defaults to disabled.
func New(cfg Config) (*Server, error) {
	if cfg.Stream == nil || cfg.Inference == nil || cfg.Notifier == nil {
		return nil, errors.New("api: all three stages are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Auth == nil {
		a, err := auth.NewAuthenticator(auth.Config{})
		if err != nil {
			return nil, err
		}
		cfg.Auth = a
	}
	return &Server{
		cfg:     cfg,
		logger:  logger.With("component", "api"),
		started: time.Now(),
	}, nil
}

type route struct {
	verb      string
	pattern   string
	handler   http.HandlerFunc
	protected bool
}

// Handler builds the request multiplexer
func (s *Server) Handler() http.Handler {
	mux := goahttp.NewMuxer()
	protect := authmw.AuthMiddleware(s.cfg.Auth)

	routes := []route{
		{"GET", "/health", s.health, false},
		{"POST", "/api/login", s.login, false},
		{"GET", "/api/auth/status", s.authStatus, true},
		{"GET", "/api/stats", s.stats, true},
		{"GET", "/api/channels", s.channels, true},
		{"GET", "/api/events", s.events, true},
		{"GET", "/api/events/{id}", s.event(mux), true},
	}
	if s.cfg.Preview != nil {
		routes = append(routes, route{"GET", "/ws/preview", s.cfg.Preview.ServeHTTP, true})
	}
	if s.cfg.PreviewMJPEG != nil {
		routes = append(routes, route{"GET", "/preview.mjpeg", s.cfg.PreviewMJPEG.ServeHTTP, true})
	}
	if s.cfg.Snapshot != nil {
		routes = append(routes, route{"GET", "/api/snapshot", s.cfg.Snapshot.ServeHTTP, true})
	}
	if s.cfg.Gatherer != nil {
		h := promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})
		routes = append(routes, route{"GET", "/metrics", h.ServeHTTP, false})
	}

	for _, r := range routes {
		h := r.handler
		if r.protected {
			h = protect(h).ServeHTTP
		}
		mux.Handle(r.verb, r.pattern, h)
		s.logger.Debug("HTTP mounted", "verb", r.verb, "pattern", r.pattern, "protected", r.protected)
	}

	var handler http.Handler = mux
	if s.cfg.Debug {
		handler = httpmdlwr.Log(middleware.NewLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelDebug)))(handler)
	}
	handler = httpmdlwr.RequestID()(handler)
	return handler
}

// Run serves on addr until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string, wg *sync.WaitGroup, errc chan<- error) {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: time.Second * 60}

	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			s.logger.Info("HTTP server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				// errc may already hold the reason for exiting
				select {
				case errc <- err:
				default:
					s.logger.Error("HTTP server failed", "addr", addr, "error", err)
				}
			}
		}()

		<-ctx.Done()
		s.logger.Info("Shutting down HTTP server", "addr", addr)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Error("Failed to shutdown", "error", err)
		}
	}()
}
