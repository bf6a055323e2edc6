package detection

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"catwatch/internal/imaging"
)

const (
	// DetectorServiceName is the gRPC service the detector calls
	DetectorServiceName = "catwatch.detection.v1.Detector"
	detectMethod        = "/" + DetectorServiceName + "/Detect"
)

// GRPCDetector calls a unary Detect RPC that takes the JPEG frame as a
// BytesValue and answers with a Struct shaped like the HTTP service's JSON.
type GRPCDetector struct {
	endpoint string
	conn     *grpc.ClientConn
	health   healthpb.HealthClient
	timeout  time.Duration

	healthy    bool
	lastHealth time.Time
	healthMu   sync.RWMutex

	logger *slog.Logger
}

// GRPCConfig holds configuration for the gRPC detector
type GRPCConfig struct {
	Endpoint      string
	Timeout       time.Duration
	ConfThreshold float64
	Logger        *slog.Logger
}

// NewGRPCDetector creates a client for the detection service. The
// connection is established lazily on the first call.
func NewGRPCDetector(cfg GRPCConfig, opts ...grpc.DialOption) (*GRPCDetector, error) {
	// Configure keepalive to detect dead connections quickly
	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Endpoint, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", cfg.Endpoint, err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &GRPCDetector{
		endpoint: cfg.Endpoint,
		conn:     conn,
		health:   healthpb.NewHealthClient(conn),
		timeout:  timeout,
		logger:   logger.With("component", "grpc-detector", "endpoint", cfg.Endpoint),
	}, nil
}

func (gd *GRPCDetector) Name() string { return "grpc" }

// IsHealthy asks the standard health service for the detector's status.
// A SERVING answer is cached for 30 seconds.
func (gd *GRPCDetector) IsHealthy(ctx context.Context) bool {
	gd.healthMu.RLock()
	if gd.healthy && time.Since(gd.lastHealth) < 30*time.Second {
		gd.healthMu.RUnlock()
		return true
	}
	gd.healthMu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := gd.health.Check(ctx, &healthpb.HealthCheckRequest{Service: DetectorServiceName})
	healthy := err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	if err != nil {
		gd.logger.Debug("Health check failed", "error", err)
	}

	gd.healthMu.Lock()
	gd.healthy = healthy
	gd.lastHealth = time.Now()
	gd.healthMu.Unlock()

	return healthy
}

// Analyze runs detection on one frame
func (gd *GRPCDetector) Analyze(ctx context.Context, frame image.Image) (*Result, error) {
	if frame == nil || frame.Bounds().Empty() {
		return nil, ErrEmptyFrame
	}

	data, err := imaging.EncodeJPEG(frame, imaging.DefaultQuality)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, gd.timeout)
	defer cancel()

	out := &structpb.Struct{}
	if err := gd.conn.Invoke(ctx, detectMethod, wrapperspb.Bytes(data), out); err != nil {
		gd.healthMu.Lock()
		gd.healthy = false
		gd.healthMu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	res, err := parseDetectResponse(out)
	if err != nil {
		return nil, err
	}
	res.Frame = frame
	return res, nil
}

func (gd *GRPCDetector) ScoredLabels(res *Result, minScore float64) []ScoredLabel {
	return ScoredLabels(res, minScore)
}

func (gd *GRPCDetector) Plot(res *Result) (image.Image, error) {
	return Plot(res)
}

// Close tears down the client connection
func (gd *GRPCDetector) Close() error {
	if gd.conn != nil {
		return gd.conn.Close()
	}
	return nil
}

func parseDetectResponse(s *structpb.Struct) (*Result, error) {
	fields := s.GetFields()
	res := &Result{
		InferenceTime: time.Duration(fields["inference_time_ms"].GetNumberValue() * float64(time.Millisecond)),
		Device:        fields["device"].GetStringValue(),
	}

	for i, v := range fields["detections"].GetListValue().GetValues() {
		d := v.GetStructValue().GetFields()
		if d == nil {
			return nil, fmt.Errorf("detection %d: not an object", i)
		}
		bbox := d["bbox"].GetListValue().GetValues()
		if len(bbox) != 4 {
			continue
		}
		res.Boxes = append(res.Boxes, Box{
			Label: d["class"].GetStringValue(),
			Score: d["confidence"].GetNumberValue(),
			X1:    bbox[0].GetNumberValue(),
			Y1:    bbox[1].GetNumberValue(),
			X2:    bbox[2].GetNumberValue(),
			Y2:    bbox[3].GetNumberValue(),
		})
	}
	return res, nil
}
