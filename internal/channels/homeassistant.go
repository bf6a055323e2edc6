package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"catwatch/internal/notify"
)

// HAGoogleSpeak sets a media player's volume and speaks the message
// through Home Assistant's tts.speak service
type HAGoogleSpeak struct {
	url                 string
	token               string
	entityID            string
	mediaPlayerEntityID string
	volumeLevel         float64
	message             string
	client              *http.Client
	logger              *slog.Logger
}

// NewHAGoogleSpeak reads url, token, entity_id, media_player_entity_id,
// volume_level and message
func NewHAGoogleSpeak(s Settings, logger *slog.Logger) (*HAGoogleSpeak, error) {
	if err := s.Require("url", "token", "entity_id", "media_player_entity_id"); err != nil {
		return nil, err
	}
	return &HAGoogleSpeak{
		url:                 strings.TrimRight(s.String("url", ""), "/"),
		token:               s.String("token", ""),
		entityID:            s.String("entity_id", ""),
		mediaPlayerEntityID: s.String("media_player_entity_id", ""),
		volumeLevel:         s.Float("volume_level", 0.5),
		message:             s.String("message", "Cat detected"),
		client:              newHTTPClient(s),
		logger:              channelLogger(logger, "ha_google_speak"),
	}, nil
}

func (h *HAGoogleSpeak) Name() string { return "ha_google_speak" }

// Notify ignores images
func (h *HAGoogleSpeak) Notify(ctx context.Context, p *notify.Payload) error {
	if err := h.call(ctx, "/api/services/media_player/volume_set", map[string]any{
		"entity_id":    h.mediaPlayerEntityID,
		"volume_level": h.volumeLevel,
	}); err != nil {
		return fmt.Errorf("volume_set: %w", err)
	}

	if err := h.call(ctx, "/api/services/tts/speak", map[string]any{
		"entity_id":              h.entityID,
		"media_player_entity_id": h.mediaPlayerEntityID,
		"message":                message(p, h.message),
	}); err != nil {
		return fmt.Errorf("tts speak: %w", err)
	}
	return nil
}

func (h *HAGoogleSpeak) call(ctx context.Context, path string, data map[string]any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+h.token)
	req.Header.Set("Content-Type", "application/json")

	h.logger.Debug("Request", "path", path, "data", data)
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}
