// Package recording writes annotated frames to mp4 files through ffmpeg.
package recording

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"catwatch/internal/imaging"
)

// ErrClosed is returned by AddImage after Close
var ErrClosed = errors.New("recorder closed")

// CommandFunc builds the encoder process writing to path. The process
// reads JPEG frames on stdin.
type CommandFunc func(path string, fps int) *exec.Cmd

// FFmpegCommand encodes an MJPEG stdin stream to H.264
func FFmpegCommand(path string, fps int) *exec.Cmd {
	return exec.Command("ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-y",
		"-f", "image2pipe",
		"-framerate", strconv.Itoa(fps),
		"-c:v", "mjpeg",
		"-i", "-",
		"-vf", "scale=trunc(iw/2)*2:trunc(ih/2)*2",
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		path,
	)
}

// Recorder is a video sink. The output file is created on the first frame
// as <folder>/<YYYYmmdd_HHMMSS>.mp4.
type Recorder struct {
	folder     string
	fps        int
	newCommand CommandFunc
	now        func() time.Time
	logger     *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	path   string
	frames int
	closed bool
}

// NewRecorder creates a 1 fps recorder writing into folder
func NewRecorder(folder string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		folder:     folder,
		fps:        1,
		newCommand: FFmpegCommand,
		now:        time.Now,
		logger:     logger.With("component", "recorder"),
	}
}

// Path returns the file being written, empty before the first frame
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

// AddImage appends one frame to the video
func (r *Recorder) AddImage(img image.Image) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if r.cmd == nil {
		if err := r.open(); err != nil {
			return err
		}
	}

	data, err := imaging.EncodeJPEG(img, imaging.DefaultQuality)
	if err != nil {
		return err
	}
	if _, err := r.stdin.Write(data); err != nil {
		return fmt.Errorf("write frame to encoder: %w", err)
	}
	r.frames++
	return nil
}

func (r *Recorder) open() error {
	if err := os.MkdirAll(r.folder, 0o755); err != nil {
		return fmt.Errorf("create videos folder: %w", err)
	}

	path := filepath.Join(r.folder, r.now().Format("20060102_150405")+".mp4")
	cmd := r.newCommand(path, r.fps)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("error creating stdin pipe: %w", err)
	}
	cmd.Stderr = &logWriter{logger: r.logger}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("error starting encoder: %w", err)
	}

	r.cmd = cmd
	r.stdin = stdin
	r.path = path
	r.logger.Info("Recording started", "path", path)
	return nil
}

// Close flushes the encoder and waits for it. Safe to call more than once.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	if r.cmd == nil {
		return nil
	}

	closeErr := r.stdin.Close()
	waitErr := r.cmd.Wait()
	r.logger.Info("Recording finished", "path", r.path, "frames", r.frames)

	if waitErr != nil {
		return fmt.Errorf("encoder exited: %w", waitErr)
	}
	return closeErr
}

// logWriter forwards encoder stderr to the logger, one record per line
type logWriter struct {
	logger *slog.Logger
}

func (w *logWriter) Write(p []byte) (int, error) {
	for _, line := range bytes.Split(bytes.TrimSpace(p), []byte("\n")) {
		if len(line) > 0 {
			w.logger.Warn("encoder", "line", string(line))
		}
	}
	return len(p), nil
}
