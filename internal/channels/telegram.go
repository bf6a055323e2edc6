package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"

	"catwatch/internal/notify"
)

const telegramAPI = "https://api.telegram.org"

// Telegram posts detections to a chat through the Bot API
type Telegram struct {
	botToken   string
	chatID     string
	apiURL     string
	message    string
	httpClient *http.Client
	logger     *slog.Logger
}

// TelegramResponse represents the response from Telegram API
type TelegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
}

// NewTelegram reads bot_token, chat_id, optional message and api_url
func NewTelegram(s Settings, logger *slog.Logger) (*Telegram, error) {
	if err := s.Require("bot_token", "chat_id"); err != nil {
		return nil, err
	}
	return &Telegram{
		botToken:   s.String("bot_token", ""),
		chatID:     s.String("chat_id", ""),
		apiURL:     strings.TrimRight(s.String("api_url", telegramAPI), "/"),
		message:    s.String("message", "Detection alert"),
		httpClient: newHTTPClient(s),
		logger:     channelLogger(logger, "telegram"),
	}, nil
}

func (tb *Telegram) Name() string { return "telegram" }

// Notify sends a photo with caption when the payload has an image, a text
// message otherwise
func (tb *Telegram) Notify(ctx context.Context, p *notify.Payload) error {
	text := "🚨 <b>" + html.EscapeString(message(p, tb.message)) + "</b>"

	if p.HasImage() {
		return tb.sendPhoto(ctx, p.ImageData, p.ImageName, text)
	}

	return tb.sendTelegramRequest(ctx, "sendMessage", map[string]interface{}{
		"chat_id":    tb.chatID,
		"text":       text,
		"parse_mode": "HTML",
	})
}

func (tb *Telegram) sendPhoto(ctx context.Context, photoData []byte, name, caption string) error {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	w.WriteField("chat_id", tb.chatID)
	w.WriteField("caption", caption)
	w.WriteField("parse_mode", "HTML")

	if name == "" {
		name = "detection.jpg"
	}
	fw, err := w.CreateFormFile("photo", name)
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fw.Write(photoData); err != nil {
		return fmt.Errorf("failed to write photo data: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tb.methodURL("sendPhoto"), &b)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := tb.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send photo: %w", err)
	}
	defer resp.Body.Close()

	return tb.handleResponse(resp)
}

func (tb *Telegram) sendTelegramRequest(ctx context.Context, method string, payload map[string]interface{}) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tb.methodURL(method), bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := tb.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	return tb.handleResponse(resp)
}

// handleResponse processes the Telegram API response
func (tb *Telegram) handleResponse(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	var telegramResp TelegramResponse
	if err := json.Unmarshal(body, &telegramResp); err != nil {
		return fmt.Errorf("failed to unmarshal response (status %d): %w", resp.StatusCode, err)
	}

	if !telegramResp.OK {
		return fmt.Errorf("telegram API error %d: %s", telegramResp.ErrorCode, telegramResp.Description)
	}

	tb.logger.Debug("Telegram API accepted request", "status", resp.StatusCode)
	return nil
}

func (tb *Telegram) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", tb.apiURL, tb.botToken, method)
}
