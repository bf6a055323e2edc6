package ws

import (
	"fmt"
	"net/http"

	"catwatch/internal/imaging"
)

func (h *PreviewHub) addMJPEGClient() chan []byte {
	ch := make(chan []byte, 5)
	h.mjpegMu.Lock()
	h.mjpegClients[ch] = true
	h.mjpegMu.Unlock()
	return ch
}

func (h *PreviewHub) removeMJPEGClient(ch chan []byte) {
	h.mjpegMu.Lock()
	delete(h.mjpegClients, ch)
	h.mjpegMu.Unlock()
}

func (h *PreviewHub) mjpegCount() int {
	h.mjpegMu.Lock()
	defer h.mjpegMu.Unlock()
	return len(h.mjpegClients)
}

// sendMJPEG hands a frame to every MJPEG client. A client whose buffer is
// full skips the frame.
func (h *PreviewHub) sendMJPEG(frame []byte) {
	h.mjpegMu.Lock()
	defer h.mjpegMu.Unlock()
	for ch := range h.mjpegClients {
		select {
		case ch <- frame:
		default:
		}
	}
}

func (h *PreviewHub) closeMJPEGClients() {
	h.mjpegMu.Lock()
	defer h.mjpegMu.Unlock()
	for ch := range h.mjpegClients {
		close(ch)
		delete(h.mjpegClients, ch)
	}
}

// MJPEGHandler serves the preview as multipart/x-mixed-replace, for
// clients without websocket support
func (h *PreviewHub) MJPEGHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := http.NewResponseController(w)

		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		clientCh := h.addMJPEGClient()
		defer h.removeMJPEGClient(clientCh)

		w.WriteHeader(http.StatusOK)
		if err := rc.Flush(); err != nil {
			h.logger.Warn("MJPEG streaming not supported", "remote", r.RemoteAddr, "error", err)
			return
		}

		h.logger.Info("MJPEG client connected", "remote", r.RemoteAddr)
		for {
			select {
			case <-r.Context().Done():
				h.logger.Info("MJPEG client disconnected", "remote", r.RemoteAddr)
				return
			case frame, ok := <-clientCh:
				if !ok {
					return
				}
				fmt.Fprintf(w, "--frame\r\n")
				fmt.Fprintf(w, "Content-Type: image/jpeg\r\n")
				fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(frame))
				if _, err := w.Write(frame); err != nil {
					return
				}
				fmt.Fprintf(w, "\r\n")
				if err := rc.Flush(); err != nil {
					return
				}
			}
		}
	})
}

// SnapshotHandler serves the newest preview frame as a single JPEG
func (h *PreviewHub) SnapshotHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		img := h.Latest()
		if img == nil {
			http.Error(w, "No frame available", http.StatusServiceUnavailable)
			return
		}
		frame, err := imaging.EncodeJPEG(img, h.quality)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(frame)))
		w.Write(frame)
	})
}
