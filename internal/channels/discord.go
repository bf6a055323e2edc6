package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"catwatch/internal/notify"
)

// DiscordWebhook posts to a Discord channel webhook
type DiscordWebhook struct {
	url     string
	message string
	client  *http.Client
	now     func() time.Time
	logger  *slog.Logger
}

// NewDiscordWebhook reads url and an optional default message
func NewDiscordWebhook(s Settings, logger *slog.Logger) (*DiscordWebhook, error) {
	if err := s.Require("url"); err != nil {
		return nil, err
	}
	return &DiscordWebhook{
		url:     s.String("url", ""),
		message: s.String("message", "Detection alert"),
		client:  newHTTPClient(s),
		now:     time.Now,
		logger:  channelLogger(logger, "discord_webhook"),
	}, nil
}

func (d *DiscordWebhook) Name() string { return "discord_webhook" }

// Notify posts "<timestamp> - <message>", attaching the image when present
func (d *DiscordWebhook) Notify(ctx context.Context, p *notify.Payload) error {
	content := d.now().Format("2006-01-02 15:04:05.000000") + " - " + message(p, d.message)

	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return err
	}

	var req *http.Request
	imageName := ""
	if p.HasImage() {
		imageName = p.ImageName
		var b bytes.Buffer
		w := multipart.NewWriter(&b)
		if err := w.WriteField("payload_json", string(body)); err != nil {
			return err
		}
		fw, err := w.CreateFormFile("file", p.ImageName)
		if err != nil {
			return err
		}
		if _, err := fw.Write(p.ImageData); err != nil {
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, d.url, &b)
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", w.FormDataContentType())
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
	}

	d.logger.Info("Request", "message", content, "image", imageName)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("discord webhook: %w", err)
	}
	defer resp.Body.Close()

	return checkStatus(resp)
}

// checkStatus fails on non-2xx, quoting the start of the body
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
