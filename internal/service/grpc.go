package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LEEJINSOL1/BnbFunDapp/internal/model"
	"github.com/LEEJINSOL1/BnbFunDapp/internal/utils"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

// CodecName is the gRPC content-subtype of the JSON codec used by BarStream.
const CodecName = "json"

const barStreamServiceName = "fundchart.v1.BarStream"

// jsonCodec lets BarStream carry the same JSON envelopes as the websocket
// channel, so the stream needs no generated protobuf types.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// SubscribeRequest selects the instruments whose bar deltas a stream receives.
// Aggregate updates are delivered for every instrument.
type SubscribeRequest struct {
	Instruments []string `json:"instruments"`
}

// SubscriptionManager defines the interface for managing live subscriptions.
type SubscriptionManager interface {
	Subscribe(ctx context.Context) (*Subscriber, error)
	Unsubscribe(sub *Subscriber) error
	Join(ctx context.Context, sub *Subscriber, instrument string) error
	Leave(ctx context.Context, sub *Subscriber, instrument string) error
}

// BarStreamServer is the server API of the BarStream service.
type BarStreamServer interface {
	Subscribe(req *SubscribeRequest, stream BarStream_SubscribeServer) error
}

// BarStream_SubscribeServer is the server side of a Subscribe stream.
type BarStream_SubscribeServer interface {
	Send(*model.Envelope) error
	grpc.ServerStream
}

type barStreamSubscribeServer struct {
	grpc.ServerStream
}

func (x *barStreamSubscribeServer) Send(m *model.Envelope) error {
	return x.ServerStream.SendMsg(m)
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	req := new(SubscribeRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(BarStreamServer).Subscribe(req, &barStreamSubscribeServer{stream})
}

// BarStreamServiceDesc describes the BarStream service for grpc.Server.RegisterService.
var BarStreamServiceDesc = grpc.ServiceDesc{
	ServiceName: barStreamServiceName,
	HandlerType: (*BarStreamServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "fundchart/v1/barstream",
}

// BarStreamService implements BarStreamServer on top of the Live Fanout.
type BarStreamService struct {
	manager        SubscriptionManager
	maxInstruments int
}

// NewBarStreamService creates the gRPC streaming service.
func NewBarStreamService(manager SubscriptionManager, maxInstruments int) *BarStreamService {
	if maxInstruments <= 0 {
		maxInstruments = defaultMaxInstruments
	}
	return &BarStreamService{manager: manager, maxInstruments: maxInstruments}
}

// Subscribe streams live envelopes until the client disconnects or the fanout stops.
func (s *BarStreamService) Subscribe(req *SubscribeRequest, stream BarStream_SubscribeServer) error {
	if req == nil {
		return status.Error(codes.InvalidArgument, "request cannot be nil")
	}
	if err := utils.ValidateInstruments(req.Instruments, s.maxInstruments); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	ctx := stream.Context()
	logger := log.With().Str("component", "grpc").Strs("instruments", req.Instruments).Logger()

	sub, err := s.manager.Subscribe(ctx)
	if err != nil {
		return status.Errorf(codes.Unavailable, "failed to subscribe: %v", err)
	}
	defer func() {
		if err := s.manager.Unsubscribe(sub); err != nil {
			logger.Error().Err(err).Msg("failed to unsubscribe")
		}
	}()

	for _, inst := range req.Instruments {
		if err := s.manager.Join(ctx, sub, inst); err != nil {
			if errors.Is(err, model.ErrInvalidEvent) {
				return status.Error(codes.InvalidArgument, err.Error())
			}
			return status.Errorf(codes.Unavailable, "failed to join %s: %v", inst, err)
		}
	}

	logger.Info().Msg("new stream subscription")

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("client disconnected")
			return nil
		case env, ok := <-sub.Updates():
			if !ok {
				logger.Info().Msg("subscription channel closed")
				return nil
			}
			if err := stream.Send(&env); err != nil {
				logger.Error().Err(err).Msg("failed to send envelope to client")
				return fmt.Errorf("failed to send envelope: %w", err)
			}
		}
	}
}

// NewGRPCServer builds a server with BarStream, the health service and
// keepalive settings tuned for long-lived streams.
func NewGRPCServer(stream BarStreamServer) (*grpc.Server, *health.Server) {
	s := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 5 * time.Minute,
			MaxConnectionAge:  30 * time.Minute,
			Time:              20 * time.Second,
			Timeout:           10 * time.Second,
		}),
	)
	s.RegisterService(&BarStreamServiceDesc, stream)

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(s, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(barStreamServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	return s, healthServer
}

// BarStreamClient is the client API of the BarStream service.
type BarStreamClient struct {
	cc grpc.ClientConnInterface
}

// NewBarStreamClient wraps a connection.
func NewBarStreamClient(cc grpc.ClientConnInterface) *BarStreamClient {
	return &BarStreamClient{cc: cc}
}

// BarStream_SubscribeClient is the client side of a Subscribe stream.
type BarStream_SubscribeClient interface {
	Recv() (*model.Envelope, error)
	grpc.ClientStream
}

type barStreamSubscribeClient struct {
	grpc.ClientStream
}

func (x *barStreamSubscribeClient) Recv() (*model.Envelope, error) {
	m := new(model.Envelope)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Subscribe opens a stream for the requested instruments.
func (c *BarStreamClient) Subscribe(ctx context.Context, req *SubscribeRequest, opts ...grpc.CallOption) (BarStream_SubscribeClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &BarStreamServiceDesc.Streams[0], "/"+barStreamServiceName+"/Subscribe", opts...)
	if err != nil {
		return nil, err
	}
	x := &barStreamSubscribeClient{stream}
	if err := x.ClientStream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
