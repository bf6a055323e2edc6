// Package ws serves the live preview: annotated frames from the inference
// stage are broadcast to websocket clients.
package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"catwatch/internal/imaging"
	"catwatch/internal/queue"
)

// DefaultFrameInterval is how often the preview queue is drained
const DefaultFrameInterval = 200 * time.Millisecond

// PreviewHub manages WebSocket connections for the live preview
type PreviewHub struct {
	clients map[*websocket.Conn]bool
	mu      sync.RWMutex

	// serializes data frames; pings go through WriteControl
	writeMu sync.Mutex

	mjpegMu      sync.Mutex
	mjpegClients map[chan []byte]bool

	latestMu sync.RWMutex
	latest   image.Image

	quality int
	logger  *slog.Logger
}

// NewPreviewHub creates a new preview hub
func NewPreviewHub(logger *slog.Logger) *PreviewHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &PreviewHub{
		clients:      make(map[*websocket.Conn]bool),
		mjpegClients: make(map[chan []byte]bool),
		quality:      imaging.DefaultQuality,
		logger:       logger.With("component", "preview"),
	}
}

// Register adds a connection
func (h *PreviewHub) Register(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[conn] = true
	h.logger.Info("Client registered", "remote", conn.RemoteAddr().String(), "total", len(h.clients))
}

// Unregister removes a connection
func (h *PreviewHub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		h.logger.Info("Client unregistered", "remote", conn.RemoteAddr().String(), "total", len(h.clients))
	}
}

// HasClients returns true if any client is connected
func (h *PreviewHub) HasClients() bool {
	return h.ClientCount() > 0
}

// ClientCount returns the number of connected clients
func (h *PreviewHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a message to every client. Clients that fail to receive
// it are dropped.
func (h *PreviewHub) Broadcast(message []byte) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
			h.logger.Warn("Error sending to client", "remote", conn.RemoteAddr().String(), "error", err)
			h.Unregister(conn)
			conn.Close()
		}
	}
}

// BroadcastFrame sends an encoded frame to every websocket client
func (h *PreviewHub) BroadcastFrame(seq uint64, jpegData []byte, b image.Rectangle, dropped int) error {
	msg := NewFrameMessage(seq, b.Dx(), b.Dy(), base64.StdEncoding.EncodeToString(jpegData))
	msg.Dropped = dropped

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	h.Broadcast(payload)
	return nil
}

// Latest returns the newest preview frame, nil before the first one
func (h *PreviewHub) Latest() image.Image {
	h.latestMu.RLock()
	defer h.latestMu.RUnlock()
	return h.latest
}

// Run drains the preview queue until ctx is done. Only the newest frame of
// each tick is shown; older ones are dropped so a slow client never makes
// the queue grow.
func (h *PreviewHub) Run(ctx context.Context, frames *queue.Queue[image.Image], interval time.Duration) {
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer h.closeMJPEGClients()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var latest image.Image
		dropped := -1
		for {
			img, ok := frames.TryPop()
			if !ok {
				break
			}
			latest = img
			dropped++
		}
		if latest == nil {
			continue
		}

		h.latestMu.Lock()
		h.latest = latest
		h.latestMu.Unlock()

		wsClients := h.HasClients()
		if !wsClients && h.mjpegCount() == 0 {
			continue
		}

		data, err := imaging.EncodeJPEG(latest, h.quality)
		if err != nil {
			h.logger.Error("Failed to encode preview frame", "error", err)
			continue
		}

		seq++
		if wsClients {
			if err := h.BroadcastFrame(seq, data, latest.Bounds(), dropped); err != nil {
				h.logger.Error("Failed to broadcast frame", "error", err)
			}
		}
		h.sendMJPEG(data)
	}
}
