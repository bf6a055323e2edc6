package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net/url"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"catwatch/internal/imaging"
)

// maxPendingBytes bounds the read buffer when no JPEG end marker shows up
const maxPendingBytes = 8 << 20

// FFmpegOpener captures a camera through an ffmpeg subprocess emitting
// MJPEG on stdout. The frame rate is probed with ffprobe first.
type FFmpegOpener struct {
	URL         string
	FFmpegPath  string
	FFprobePath string
	Logger      *slog.Logger
}

// NewFFmpegOpener creates an opener for an rtsp://, http(s):// or device URL
func NewFFmpegOpener(rawURL string, logger *slog.Logger) *FFmpegOpener {
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpegOpener{
		URL:         rawURL,
		FFmpegPath:  "ffmpeg",
		FFprobePath: "ffprobe",
		Logger:      logger.With("component", "ffmpeg", "url", MaskURL(rawURL)),
	}
}

// Open probes the stream and starts ffmpeg. The subprocess is killed when
// ctx is cancelled.
func (o *FFmpegOpener) Open(ctx context.Context) (Capture, error) {
	o.Logger.Info("Connecting to stream")

	fps, err := o.probeFPS(ctx)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", MaskURL(o.URL), err)
	}

	cmd := exec.CommandContext(ctx, o.FFmpegPath, ffmpegArgs(o.URL)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("error creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("error creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("error starting ffmpeg: %w", err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			o.Logger.Debug("ffmpeg", "line", scanner.Text())
		}
	}()

	return &ffmpegCapture{
		cmd:    cmd,
		fps:    fps,
		frames: newJPEGReader(stdout),
	}, nil
}

func (o *FFmpegOpener) probeFPS(ctx context.Context) (float64, error) {
	args := []string{
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=avg_frame_rate,r_frame_rate",
		"-of", "json",
	}
	if strings.HasPrefix(o.URL, "rtsp://") {
		args = append(args, "-rtsp_transport", "tcp")
	}
	args = append(args, o.URL)

	out, err := exec.CommandContext(ctx, o.FFprobePath, args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return 0, fmt.Errorf("%w: %s", err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return 0, err
	}
	return parseProbeOutput(out)
}

type probeOutput struct {
	Streams []struct {
		AvgFrameRate string `json:"avg_frame_rate"`
		RFrameRate   string `json:"r_frame_rate"`
	} `json:"streams"`
}

func parseProbeOutput(out []byte) (float64, error) {
	var probe probeOutput
	if err := json.Unmarshal(out, &probe); err != nil {
		return 0, fmt.Errorf("decode ffprobe output: %w", err)
	}
	if len(probe.Streams) == 0 {
		return 0, errors.New("no video stream")
	}
	s := probe.Streams[0]
	if fps := parseFrameRate(s.AvgFrameRate); fps > 0 {
		return fps, nil
	}
	return parseFrameRate(s.RFrameRate), nil
}

// parseFrameRate reads "30000/1001" or "25" style rates. Unknown is 0.
func parseFrameRate(rate string) float64 {
	num, den, found := strings.Cut(strings.TrimSpace(rate), "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil || n <= 0 {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d <= 0 {
		return 0
	}
	return n / d
}

func ffmpegArgs(device string) []string {
	switch {
	case strings.HasPrefix(device, "rtsp://"):
		return []string{
			"-rtsp_transport", "tcp",
			"-i", device,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-q:v", "5",
			"-",
		}
	case strings.HasPrefix(device, "http://"), strings.HasPrefix(device, "https://"):
		return []string{
			"-i", device,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-q:v", "5",
			"-",
		}
	default:
		// V4L2 device (USB camera)
		return []string{
			"-f", "v4l2",
			"-i", device,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-q:v", "5",
			"-",
		}
	}
}

// MaskURL hides the password of a camera URL for logging
func MaskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}

type ffmpegCapture struct {
	cmd       *exec.Cmd
	fps       float64
	frames    *jpegReader
	closeOnce sync.Once
}

func (c *ffmpegCapture) FPS() float64 { return c.fps }

func (c *ffmpegCapture) Read() (image.Image, error) {
	data, err := c.frames.Next()
	if err != nil {
		return nil, err
	}
	img, err := imaging.DecodeJPEG(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedFrame, err)
	}
	return img, nil
}

func (c *ffmpegCapture) Close() error {
	c.closeOnce.Do(func() {
		if c.cmd.Process != nil {
			c.cmd.Process.Kill()
		}
		c.cmd.Wait()
	})
	return nil
}

// jpegReader splits a concatenated MJPEG byte stream into JPEG images
type jpegReader struct {
	r      io.Reader
	buffer []byte
	chunk  []byte
}

func newJPEGReader(r io.Reader) *jpegReader {
	return &jpegReader{
		r:      r,
		buffer: make([]byte, 0, 1024*1024),
		chunk:  make([]byte, 8192),
	}
}

// Next returns the next complete JPEG. A stream that grows past
// maxPendingBytes without one yields ErrCorruptedFrame.
func (j *jpegReader) Next() ([]byte, error) {
	for {
		if frame := extractJPEGFrame(&j.buffer); frame != nil {
			return frame, nil
		}
		if len(j.buffer) > maxPendingBytes {
			j.buffer = j.buffer[:0]
			return nil, ErrCorruptedFrame
		}

		n, err := j.r.Read(j.chunk)
		j.buffer = append(j.buffer, j.chunk[:n]...)
		if err != nil {
			if n > 0 {
				continue
			}
			return nil, err
		}
	}
}

var (
	jpegStart = []byte{0xFF, 0xD8}
	jpegEnd   = []byte{0xFF, 0xD9}
)

// extractJPEGFrame removes the first complete JPEG from buffer. Bytes
// before the start marker are dropped.
func extractJPEGFrame(buffer *[]byte) []byte {
	buf := *buffer
	if len(buf) < 4 {
		return nil
	}

	startIdx := bytes.Index(buf, jpegStart)
	if startIdx == -1 {
		// keep a trailing 0xFF, it may begin a marker
		if buf[len(buf)-1] == 0xFF {
			*buffer = append(buf[:0], 0xFF)
		} else {
			*buffer = buf[:0]
		}
		return nil
	}

	endRel := bytes.Index(buf[startIdx+2:], jpegEnd)
	if endRel == -1 {
		if startIdx > 0 {
			*buffer = append(buf[:0], buf[startIdx:]...)
		}
		return nil
	}
	endIdx := startIdx + 2 + endRel + 2

	frame := make([]byte, endIdx-startIdx)
	copy(frame, buf[startIdx:endIdx])
	*buffer = append(buf[:0], buf[endIdx:]...)

	return frame
}
