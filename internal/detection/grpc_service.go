package detection

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// DetectorServer is the server side of the Detect RPC
type DetectorServer interface {
	Detect(ctx context.Context, frame *wrapperspb.BytesValue) (*structpb.Struct, error)
}

// RegisterDetectorServer registers srv on a gRPC server
func RegisterDetectorServer(s grpc.ServiceRegistrar, srv DetectorServer) {
	s.RegisterService(&detectorServiceDesc, srv)
}

var detectorServiceDesc = grpc.ServiceDesc{
	ServiceName: DetectorServiceName,
	HandlerType: (*DetectorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Detect", Handler: detectHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "catwatch/detection/v1/detector.proto",
}

func detectHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DetectorServer).Detect(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: detectMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DetectorServer).Detect(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// NewDetectResponse builds the Struct a Detect implementation returns
func NewDetectResponse(boxes []Box, inference time.Duration, device string) (*structpb.Struct, error) {
	detections := make([]any, 0, len(boxes))
	for _, b := range boxes {
		detections = append(detections, map[string]any{
			"class":      b.Label,
			"confidence": b.Score,
			"bbox":       []any{b.X1, b.Y1, b.X2, b.Y2},
		})
	}
	return structpb.NewStruct(map[string]any{
		"detections":        detections,
		"count":             float64(len(boxes)),
		"inference_time_ms": float64(inference) / float64(time.Millisecond),
		"device":            device,
	})
}
