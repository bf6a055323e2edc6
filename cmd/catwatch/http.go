package main

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"catwatch/internal/api"
	"catwatch/internal/auth"
	"catwatch/internal/config"
	"catwatch/internal/ws"
)

// startAPI mounts the status API and, unless headless, the live preview.
// Everything stops when ctx is cancelled.
func startAPI(ctx context.Context, cfg *config.Config, a *app, reg *prometheus.Registry, wg *sync.WaitGroup, errc chan error, logger *slog.Logger, debug bool) error {
	authenticator, err := auth.NewAuthenticator(auth.Config{
		Enabled:   cfg.API.AuthEnabled,
		Username:  cfg.API.Username,
		Password:  cfg.API.Password,
		JWTSecret: cfg.API.JWTSecret,
		JWTExpiry: cfg.API.JWTExpiry.D(),
	})
	if err != nil {
		return err
	}

	var hub *ws.PreviewHub
	if !cfg.Headless {
		hub = ws.NewPreviewHub(logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			hub.Run(ctx, a.inference.Preview(), cfg.API.PreviewInterval.D())
		}()
	}

	apiCfg := api.Config{
		Stream:    a.source,
		Inference: a.inference,
		Notifier:  a.notifier,
		Auth:      authenticator,
		Gatherer:  reg,
		Logger:    logger,
		Debug:     debug,
	}
	if hub != nil {
		apiCfg.Preview = ws.NewHandler(hub)
		apiCfg.PreviewMJPEG = hub.MJPEGHandler()
		apiCfg.Snapshot = hub.SnapshotHandler()
	}
	if a.db != nil {
		apiCfg.Events = a.db
	}

	srv, err := api.New(apiCfg)
	if err != nil {
		return err
	}
	srv.Run(ctx, cfg.API.Listen, wg, errc)
	return nil
}
