package ws

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 256 * 1024, // 256KB for base64 encoded JPEG frames
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// Handler upgrades preview requests and registers them with the hub
type Handler struct {
	hub *PreviewHub
}

// NewHandler creates a new WebSocket handler
func NewHandler(hub *PreviewHub) *Handler {
	return &Handler{hub: hub}
}

// ServeHTTP handles WebSocket upgrade requests
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.logger.Warn("Upgrade error", "error", err)
		return
	}

	h.hub.logger.Debug("New preview connection", "remote", r.RemoteAddr)
	h.hub.Register(conn)

	go h.readPump(conn)
}

// readPump keeps the connection alive and notices client disconnection.
// Clients are not expected to send anything.
func (h *Handler) readPump(conn *websocket.Conn) {
	done := make(chan struct{})
	defer func() {
		close(done)
		h.hub.Unregister(conn)
		conn.Close()
	}()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.hub.logger.Warn("Read error", "error", err)
			}
			return
		}
	}
}
