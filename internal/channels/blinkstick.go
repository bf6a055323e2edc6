package channels

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"catwatch/internal/notify"
)

// BlinkstickSquare flashes a BlinkStick Square through its web API
type BlinkstickSquare struct {
	url           string
	querystring   string
	authorization string
	client        *http.Client
	logger        *slog.Logger
}

// NewBlinkstickSquare reads url, querystring, authorization and timeout
func NewBlinkstickSquare(s Settings, logger *slog.Logger) (*BlinkstickSquare, error) {
	if err := s.Require("url"); err != nil {
		return nil, err
	}
	return &BlinkstickSquare{
		url:           s.String("url", ""),
		querystring:   s.String("querystring", ""),
		authorization: s.String("authorization", ""),
		client:        newHTTPClient(s),
		logger:        channelLogger(logger, "blinkstick_square"),
	}, nil
}

func (b *BlinkstickSquare) Name() string { return "blinkstick_square" }

// Notify issues GET url?querystring. Only HTTP 200 counts as delivered.
func (b *BlinkstickSquare) Notify(ctx context.Context, p *notify.Payload) error {
	if p != nil && p.Message != "" {
		b.logger.Debug("Custom content provided but not used", "message", p.Message)
	}

	target := b.url
	if b.querystring != "" {
		target += "?" + b.querystring
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	if b.authorization != "" {
		req.Header.Set("Authorization", b.authorization)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("blinkstick: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	b.logger.Info("Notification sent", "url", b.url)
	return nil
}
