package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"catwatch/internal/imaging"
)

func testFrame() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.SetRGBA(x, y, color.RGBA{200, 200, 200, 255})
		}
	}
	return img
}

func TestScoredLabels_FiltersAndSorts(t *testing.T) {
	res := &Result{Boxes: []Box{
		{Label: "dog", Score: 0.4},
		{Label: "cat", Score: 0.9},
		{Label: "cat", Score: 0.7},
	}}

	got := ScoredLabels(res, 0.5)
	assert.Equal(t, []ScoredLabel{{"cat", 0.9}, {"cat", 0.7}}, got)

	all := ScoredLabels(res, AnyScore)
	require.Len(t, all, 3)
	assert.Equal(t, "dog", all[2].Label)

	assert.Nil(t, ScoredLabels(nil, 0))
}

func TestPlot(t *testing.T) {
	_, err := Plot(&Result{})
	assert.ErrorIs(t, err, ErrEmptyFrame)

	frame := testFrame()
	out, err := Plot(&Result{Frame: frame, Boxes: []Box{{Label: "cat", Score: 0.8, X1: 10, Y1: 20, X2: 40, Y2: 40}}})
	require.NoError(t, err)

	rgba, ok := out.(*image.RGBA)
	require.True(t, ok)
	assert.Equal(t, imaging.LabelColor("cat"), rgba.RGBAAt(10, 30))
}

func TestNew_UnknownKind(t *testing.T) {
	_, err := New(Config{Kind: "tflite", Endpoint: "x"})
	assert.ErrorIs(t, err, ErrUnknownDetector)

	_, err = New(Config{Kind: "http"})
	assert.Error(t, err)

	d, err := New(Config{Kind: "http", Endpoint: "http://localhost:1"})
	require.NoError(t, err)
	assert.Equal(t, "http", d.Name())

	assert.Equal(t, []string{"grpc", "http"}, Kinds())
}

func TestYOLODetector_Analyze(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			json.NewEncoder(w).Encode(YOLOHealthResponse{Status: "ok", ModelLoaded: true})
		case "/detect":
			assert.Equal(t, http.MethodPost, r.Method)
			f, _, err := r.FormFile("file")
			if !assert.NoError(t, err) {
				return
			}
			data, _ := io.ReadAll(f)
			_, err = imaging.DecodeJPEG(data)
			assert.NoError(t, err)
			assert.Equal(t, "0.250", r.FormValue("conf_threshold"))

			json.NewEncoder(w).Encode(YOLOResult{
				Detections: []YOLODetection{
					{Class: "cat", Confidence: 0.91, BBox: []float64{1, 2, 30, 40}},
					{Class: "broken", Confidence: 0.99, BBox: []float64{1}},
				},
				InferenceTimeMs: 12.5,
				Device:          "cpu",
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	d := NewYOLODetector(YOLOConfig{Endpoint: srv.URL + "/", ConfThreshold: 0.25, Logger: logger})
	assert.True(t, d.IsHealthy(context.Background()))

	frame := testFrame()
	res, err := d.Analyze(context.Background(), frame)
	require.NoError(t, err)
	require.Len(t, res.Boxes, 1)
	assert.Equal(t, Box{Label: "cat", Score: 0.91, X1: 1, Y1: 2, X2: 30, Y2: 40}, res.Boxes[0])
	assert.Equal(t, 12500*time.Microsecond, res.InferenceTime)
	assert.Equal(t, "cpu", res.Device)
	assert.Same(t, frame, res.Frame)

	assert.Equal(t, []ScoredLabel{{"cat", 0.91}}, d.ScoredLabels(res, 0.5))
	assert.Contains(t, logs.String(), "component=yolo-detector")
	assert.Contains(t, logs.String(), "class=broken")
}

func TestYOLODetector_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := NewYOLODetector(YOLOConfig{Endpoint: srv.URL})
	assert.False(t, d.IsHealthy(context.Background()))

	_, err := d.Analyze(context.Background(), testFrame())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")

	_, err = d.Analyze(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyFrame)

	srv.Close()
	_, err = d.Analyze(context.Background(), testFrame())
	assert.ErrorIs(t, err, ErrUnavailable)
}

type fakeDetectServer struct {
	boxes    []Box
	received int
}

func (f *fakeDetectServer) Detect(ctx context.Context, frame *wrapperspb.BytesValue) (*structpb.Struct, error) {
	if _, err := imaging.DecodeJPEG(frame.GetValue()); err != nil {
		return nil, err
	}
	f.received++
	return NewDetectResponse(f.boxes, 8*time.Millisecond, "cuda:0")
}

func startBufconn(t *testing.T, impl DetectorServer, status healthpb.HealthCheckResponse_ServingStatus) *GRPCDetector {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	RegisterDetectorServer(s, impl)
	hs := health.NewServer()
	hs.SetServingStatus(DetectorServiceName, status)
	healthpb.RegisterHealthServer(s, hs)
	go s.Serve(lis)
	t.Cleanup(s.Stop)

	d, err := NewGRPCDetector(GRPCConfig{Endpoint: "passthrough:///bufnet"},
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestGRPCDetector_Analyze(t *testing.T) {
	impl := &fakeDetectServer{boxes: []Box{
		{Label: "cat", Score: 0.8, X1: 1, Y1: 2, X2: 3, Y2: 4},
		{Label: "person", Score: 0.95, X1: 5, Y1: 6, X2: 7, Y2: 8},
	}}
	d := startBufconn(t, impl, healthpb.HealthCheckResponse_SERVING)

	assert.True(t, d.IsHealthy(context.Background()))

	frame := testFrame()
	res, err := d.Analyze(context.Background(), frame)
	require.NoError(t, err)
	assert.Equal(t, 1, impl.received)
	assert.Equal(t, impl.boxes, res.Boxes)
	assert.Equal(t, 8*time.Millisecond, res.InferenceTime)
	assert.Equal(t, "cuda:0", res.Device)
	assert.Same(t, frame, res.Frame)

	labels := d.ScoredLabels(res, AnyScore)
	require.Len(t, labels, 2)
	assert.Equal(t, "person", labels[0].Label)
}

func TestGRPCDetector_NotServing(t *testing.T) {
	d := startBufconn(t, &fakeDetectServer{}, healthpb.HealthCheckResponse_NOT_SERVING)
	assert.False(t, d.IsHealthy(context.Background()))
}
