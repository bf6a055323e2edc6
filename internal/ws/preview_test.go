package ws

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catwatch/internal/imaging"
	"catwatch/internal/queue"
)

func dialPreview(t *testing.T, hub *PreviewHub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(NewHandler(hub))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/preview"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	return conn
}

func TestPreviewBroadcastsNewestFrame(t *testing.T) {
	hub := NewPreviewHub(nil)
	conn := dialPreview(t, hub)

	frames := queue.New[image.Image]()
	frames.Push(image.NewRGBA(image.Rect(0, 0, 4, 4)))
	frames.Push(image.NewRGBA(image.Rect(0, 0, 8, 6)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx, frames, 10*time.Millisecond)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg FrameMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "frame", msg.Type)
	assert.Equal(t, uint64(1), msg.Seq)
	assert.Equal(t, 8, msg.FrameWidth)
	assert.Equal(t, 6, msg.FrameHeight)
	assert.Equal(t, 1, msg.Dropped)

	raw, err := base64.StdEncoding.DecodeString(msg.Frame)
	require.NoError(t, err)
	img, err := imaging.DecodeJPEG(raw)
	require.NoError(t, err)
	assert.Equal(t, 8, img.Bounds().Dx())
	assert.True(t, frames.Empty())
}

func TestPreviewDrainsWithoutClients(t *testing.T) {
	hub := NewPreviewHub(nil)
	frames := queue.New[image.Image]()
	for i := 0; i < 5; i++ {
		frames.Push(image.NewRGBA(image.Rect(0, 0, 2, 2)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx, frames, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, frames.Empty, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestClientDisconnectUnregisters(t *testing.T) {
	hub := NewPreviewHub(nil)
	conn := dialPreview(t, hub)

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	assert.Eventually(t, func() bool { return !hub.HasClients() }, 2*time.Second, 10*time.Millisecond)
}

func TestSnapshot(t *testing.T) {
	hub := NewPreviewHub(nil)
	srv := httptest.NewServer(hub.SnapshotHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	frames := queue.New[image.Image]()
	frames.Push(image.NewRGBA(image.Rect(0, 0, 5, 3)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx, frames, 5*time.Millisecond)
	require.Eventually(t, func() bool { return hub.Latest() != nil }, time.Second, 5*time.Millisecond)

	resp, err = http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	img, err := imaging.DecodeJPEG(data)
	require.NoError(t, err)
	assert.Equal(t, 5, img.Bounds().Dx())
}

func TestMJPEGStream(t *testing.T) {
	hub := NewPreviewHub(nil)
	srv := httptest.NewServer(hub.MJPEGHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", resp.Header.Get("Content-Type"))
	require.Eventually(t, func() bool { return hub.mjpegCount() == 1 }, time.Second, 5*time.Millisecond)

	frames := queue.New[image.Image]()
	frames.Push(image.NewRGBA(image.Rect(0, 0, 4, 4)))
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx, frames, 5*time.Millisecond)

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "--frame\r\n", line)
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "Content-Type: image/jpeg\r\n", line)

	// stopping the hub ends the stream
	cancel()
	_, err = io.ReadAll(reader)
	assert.NoError(t, err)
}
