package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"catwatch/internal/imaging"
)

// YOLODetector talks to a YOLO inference service over HTTP
type YOLODetector struct {
	endpoint      string
	client        *http.Client
	confThreshold float64
	classesFilter string
	healthCheck   time.Time
	mu            sync.RWMutex
	logger        *slog.Logger
}

// YOLODetection represents a single detection in the service response
type YOLODetection struct {
	Class      string    `json:"class"`
	ClassID    int       `json:"class_id"`
	Confidence float64   `json:"confidence"`
	BBox       []float64 `json:"bbox"` // [x1, y1, x2, y2]
}

// YOLOResult is the /detect response body
type YOLOResult struct {
	Detections      []YOLODetection `json:"detections"`
	Count           int             `json:"count"`
	InferenceTimeMs float64         `json:"inference_time_ms"`
	Device          string          `json:"device"`
}

// YOLOHealthResponse is the /health response body
type YOLOHealthResponse struct {
	Status       string `json:"status"`
	Device       string `json:"device"`
	GPUAvailable bool   `json:"gpu_available"`
	ModelLoaded  bool   `json:"model_loaded"`
}

// YOLOConfig holds configuration for the detector
type YOLOConfig struct {
	Endpoint      string
	Timeout       time.Duration
	ConfThreshold float64
	ClassesFilter string
	Logger        *slog.Logger
}

// NewYOLODetector creates a detector for the service at cfg.Endpoint
func NewYOLODetector(cfg YOLOConfig) *YOLODetector {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &YOLODetector{
		endpoint:      strings.TrimRight(cfg.Endpoint, "/"),
		client:        &http.Client{Timeout: timeout},
		confThreshold: cfg.ConfThreshold,
		classesFilter: cfg.ClassesFilter,
		logger:        logger.With("component", "yolo-detector"),
	}
}

func (yd *YOLODetector) Name() string { return "http" }

// IsHealthy checks if the YOLO service is available.
// A positive answer is cached for 30 seconds.
func (yd *YOLODetector) IsHealthy(ctx context.Context) bool {
	yd.mu.RLock()
	if time.Since(yd.healthCheck) < 30*time.Second {
		yd.mu.RUnlock()
		return true
	}
	yd.mu.RUnlock()

	health, err := yd.GetHealthInfo(ctx)
	if err != nil || !health.ModelLoaded {
		return false
	}

	yd.mu.Lock()
	yd.healthCheck = time.Now()
	yd.mu.Unlock()
	return true
}

// GetHealthInfo returns detailed health information
func (yd *YOLODetector) GetHealthInfo(ctx context.Context) (*YOLOHealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, yd.endpoint+"/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := yd.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to check YOLO health: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("YOLO health check returned status %d", resp.StatusCode)
	}

	var health YOLOHealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("failed to decode health response: %w", err)
	}
	return &health, nil
}

// DetectObjects posts an encoded image to the service
func (yd *YOLODetector) DetectObjects(ctx context.Context, imageData []byte) (*YOLOResult, error) {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	fw, err := w.CreateFormFile("file", "frame.jpg")
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(imageData); err != nil {
		return nil, err
	}
	if yd.confThreshold > 0 {
		w.WriteField("conf_threshold", fmt.Sprintf("%.3f", yd.confThreshold))
	}
	if yd.classesFilter != "" {
		w.WriteField("classes_filter", yd.classesFilter)
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, yd.endpoint+"/detect", &b)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := yd.client.Do(req)
	if err != nil {
		yd.invalidateHealth()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("YOLO detection failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result YOLOResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode detection response: %w", err)
	}
	return &result, nil
}

// Analyze runs detection on one frame
func (yd *YOLODetector) Analyze(ctx context.Context, frame image.Image) (*Result, error) {
	if frame == nil || frame.Bounds().Empty() {
		return nil, ErrEmptyFrame
	}

	data, err := imaging.EncodeJPEG(frame, imaging.DefaultQuality)
	if err != nil {
		return nil, err
	}

	raw, err := yd.DetectObjects(ctx, data)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Frame:         frame,
		Boxes:         make([]Box, 0, len(raw.Detections)),
		InferenceTime: time.Duration(raw.InferenceTimeMs * float64(time.Millisecond)),
		Device:        raw.Device,
	}
	for _, d := range raw.Detections {
		if len(d.BBox) != 4 {
			yd.logger.Debug("Skipping detection with malformed bbox", "class", d.Class, "len", len(d.BBox))
			continue
		}
		res.Boxes = append(res.Boxes, Box{
			Label: d.Class,
			Score: d.Confidence,
			X1:    d.BBox[0],
			Y1:    d.BBox[1],
			X2:    d.BBox[2],
			Y2:    d.BBox[3],
		})
	}
	return res, nil
}

func (yd *YOLODetector) ScoredLabels(res *Result, minScore float64) []ScoredLabel {
	return ScoredLabels(res, minScore)
}

func (yd *YOLODetector) Plot(res *Result) (image.Image, error) {
	return Plot(res)
}

func (yd *YOLODetector) Close() error { return nil }

func (yd *YOLODetector) invalidateHealth() {
	yd.mu.Lock()
	yd.healthCheck = time.Time{}
	yd.mu.Unlock()
}
