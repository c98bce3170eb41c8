package stream

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/KevinKickass/OpenFillCore/internal/machine"
)

const (
	ServiceName      = "filler.v1.Telemetry"
	streamStatusPath = "/" + ServiceName + "/StreamStatus"
)

// TelemetryServer is the server API of filler.v1.Telemetry. The messages
// are well-known types, so no generated code is needed.
type TelemetryServer interface {
	StreamStatus(*emptypb.Empty, StatusStream) error
}

// StatusStream is the server side of StreamStatus.
type StatusStream interface {
	Send(*structpb.Struct) error
	Context() context.Context
}

type statusStream struct {
	grpc.ServerStream
}

func (s *statusStream) Send(m *structpb.Struct) error {
	return s.ServerStream.SendMsg(m)
}

func streamStatusHandler(srv any, stream grpc.ServerStream) error {
	m := new(emptypb.Empty)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(TelemetryServer).StreamStatus(m, &statusStream{stream})
}

var telemetryServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TelemetryServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamStatus",
			Handler:       streamStatusHandler,
			ServerStreams: true,
		},
	},
	Metadata: "filler/v1/telemetry.proto",
}

func RegisterTelemetryServer(s grpc.ServiceRegistrar, srv TelemetryServer) {
	s.RegisterService(&telemetryServiceDesc, srv)
}

// TelemetryService streams machine snapshots to gRPC clients.
type TelemetryService struct {
	streamer *StatusStreamer
}

func NewTelemetryService(streamer *StatusStreamer) *TelemetryService {
	return &TelemetryService{streamer: streamer}
}

// StreamStatus sends the current snapshot and then every broadcast until
// the client goes away or the streamer stops.
func (s *TelemetryService) StreamStatus(_ *emptypb.Empty, stream StatusStream) error {
	ch := s.streamer.Subscribe()
	defer s.streamer.Unsubscribe(ch)

	if err := sendStatus(stream, s.streamer.source.Status()); err != nil {
		return err
	}

	for {
		select {
		case status, ok := <-ch:
			if !ok {
				return nil
			}
			if err := sendStatus(stream, status); err != nil {
				return err
			}

		case <-stream.Context().Done():
			return stream.Context().Err()
		}
	}
}

func sendStatus(stream StatusStream, status machine.Status) error {
	msg, err := StatusToStruct(status)
	if err != nil {
		return err
	}
	return stream.Send(msg)
}

// StatusToStruct converts a snapshot using its JSON field names.
func StatusToStruct(status machine.Status) (*structpb.Struct, error) {
	data, err := json.Marshal(status)
	if err != nil {
		return nil, fmt.Errorf("marshal status: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("unmarshal status: %w", err)
	}
	return structpb.NewStruct(fields)
}

// TelemetryClient is the client side of filler.v1.Telemetry.
type TelemetryClient struct {
	cc grpc.ClientConnInterface
}

func NewTelemetryClient(cc grpc.ClientConnInterface) *TelemetryClient {
	return &TelemetryClient{cc: cc}
}

// StatusReceiver yields the streamed snapshots.
type StatusReceiver struct {
	grpc.ClientStream
}

func (r *StatusReceiver) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := r.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *TelemetryClient) StreamStatus(ctx context.Context, opts ...grpc.CallOption) (*StatusReceiver, error) {
	cs, err := c.cc.NewStream(ctx, &telemetryServiceDesc.Streams[0], streamStatusPath, opts...)
	if err != nil {
		return nil, err
	}
	if err := cs.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := cs.CloseSend(); err != nil {
		return nil, err
	}
	return &StatusReceiver{cs}, nil
}
