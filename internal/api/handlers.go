package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	goahttp "goa.design/goa/v3/http"

	"catwatch/internal/auth"
	"catwatch/internal/database"
	"catwatch/internal/lifecycle"
	authmw "catwatch/internal/middleware"
	"catwatch/internal/notify"
	"catwatch/internal/pipeline"
	"catwatch/internal/stream"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

// HealthResult is the /health body
type HealthResult struct {
	Status        string            `json:"status"` // ok, degraded
	UptimeSeconds float64           `json:"uptime_seconds"`
	Stages        map[string]string `json:"stages"`
}

// StatsResult is the /api/stats body
type StatsResult struct {
	Stream    stream.Stats            `json:"stream"`
	Inference pipeline.InferenceStats `json:"inference"`
	Notifier  notify.Stats            `json:"notifier"`
}

// LoginPayload is the /api/login body
type LoginPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResult is returned on successful login
type LoginResult struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// AuthStatusResult is the /api/auth/status body
type AuthStatusResult struct {
	Enabled       bool    `json:"enabled"`
	Authenticated bool    `json:"authenticated"`
	Username      *string `json:"username,omitempty"`
}

// ErrorResult is the body of every error response
type ErrorResult struct {
	Error string `json:"error"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	stages := map[string]lifecycle.State{
		"stream":    s.cfg.Stream.State(),
		"inference": s.cfg.Inference.State(),
		"notifier":  s.cfg.Notifier.State(),
	}

	res := HealthResult{
		Status:        "ok",
		UptimeSeconds: time.Since(s.started).Seconds(),
		Stages:        make(map[string]string, len(stages)),
	}
	code := http.StatusOK
	for name, st := range stages {
		res.Stages[name] = st.String()
		if st != lifecycle.Running {
			res.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	s.encode(r.Context(), w, code, res)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	s.encode(r.Context(), w, http.StatusOK, StatsResult{
		Stream:    s.cfg.Stream.Stats(),
		Inference: s.cfg.Inference.Stats(),
		Notifier:  s.cfg.Notifier.Stats(),
	})
}

func (s *Server) channels(w http.ResponseWriter, r *http.Request) {
	s.encode(r.Context(), w, http.StatusOK, s.cfg.Notifier.Channels())
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Events == nil {
		s.fail(r.Context(), w, http.StatusNotFound, errors.New("event store disabled"))
		return
	}

	q := r.URL.Query()
	f := database.EventFilter{Label: q.Get("label"), Limit: defaultEventLimit}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.fail(r.Context(), w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		f.Limit = min(n, maxEventLimit)
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.fail(r.Context(), w, http.StatusBadRequest, errors.New("since must be RFC3339"))
			return
		}
		f.Since = &t
	}

	events, err := s.cfg.Events.ListEvents(r.Context(), f)
	if err != nil {
		s.logger.Error("Failed to list events", "error", err)
		s.fail(r.Context(), w, http.StatusInternalServerError, err)
		return
	}
	if events == nil {
		events = []*database.DetectionRecord{}
	}
	s.encode(r.Context(), w, http.StatusOK, events)
}

func (s *Server) event(mux goahttp.Muxer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Events == nil {
			s.fail(r.Context(), w, http.StatusNotFound, errors.New("event store disabled"))
			return
		}
		id := mux.Vars(r)["id"]
		rec, err := s.cfg.Events.GetDetection(r.Context(), id)
		if err != nil {
			s.logger.Error("Failed to get event", "id", id, "error", err)
			s.fail(r.Context(), w, http.StatusInternalServerError, err)
			return
		}
		if rec == nil {
			s.fail(r.Context(), w, http.StatusNotFound, errors.New("event not found"))
			return
		}
		s.encode(r.Context(), w, http.StatusOK, rec)
	}
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var p LoginPayload
	if err := goahttp.RequestDecoder(r).Decode(&p); err != nil {
		s.fail(r.Context(), w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}

	token, expiresAt, err := s.cfg.Auth.Authenticate(p.Username, p.Password)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		s.fail(r.Context(), w, http.StatusUnauthorized, errors.New("invalid username or password"))
		return
	case errors.Is(err, auth.ErrAuthDisabled):
		s.fail(r.Context(), w, http.StatusBadRequest, auth.ErrAuthDisabled)
		return
	case err != nil:
		s.logger.Error("Login failed", "error", err)
		s.fail(r.Context(), w, http.StatusInternalServerError, err)
		return
	}

	s.logger.Info("User logged in", "username", p.Username)
	s.encode(r.Context(), w, http.StatusOK, LoginResult{Token: token, ExpiresAt: expiresAt})
}

func (s *Server) authStatus(w http.ResponseWriter, r *http.Request) {
	res := AuthStatusResult{Enabled: s.cfg.Auth.IsEnabled()}
	if claims := authmw.GetUserFromContext(r.Context()); claims != nil {
		res.Authenticated = true
		res.Username = &claims.Username
	}
	s.encode(r.Context(), w, http.StatusOK, res)
}

func (s *Server) encode(ctx context.Context, w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := goahttp.ResponseEncoder(ctx, w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}

func (s *Server) fail(ctx context.Context, w http.ResponseWriter, code int, err error) {
	s.encode(ctx, w, code, ErrorResult{Error: err.Error()})
}
