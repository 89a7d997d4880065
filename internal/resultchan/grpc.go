package resultchan

// ============================================================================
// gRPC 傳輸
//
// 服務以手寫的 ServiceDesc 宣告，訊息使用 protobuf well-known types：
//   rpc Publish(google.protobuf.Struct) returns (google.protobuf.Empty)
// Struct 內容是 ResultMessage 的 JSON 形式，payload 欄位則以
// types.ArgsToStruct 編碼以保留整數型別。
// 伺服端把訊息轉交給內部的 Channel（通常是 Broker）。
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/swiss-seismological-service/sed-oq-engine/pkg/types"
)

const (
	serviceName   = "oqdist.v1.ResultChannel"
	publishMethod = "/" + serviceName + "/Publish"
)

type resultChannelServer interface {
	PublishRPC(context.Context, *structpb.Struct) (*emptypb.Empty, error)
}

var resultChannelServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*resultChannelServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Publish", Handler: publishHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "oqdist/v1/result_channel.proto",
}

func publishHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(resultChannelServer).PublishRPC(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: publishMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(resultChannelServer).PublishRPC(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func messageToStruct(msg types.ResultMessage) (*structpb.Struct, error) {
	payload := msg.Payload
	msg.Payload = nil
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	st, err := structpb.NewStruct(generic)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		ps, err := types.ArgsToStruct(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		st.Fields["payload"] = structpb.NewStructValue(ps)
	}
	return st, nil
}

func structToMessage(st *structpb.Struct) (types.ResultMessage, error) {
	var msg types.ResultMessage
	envelope := make(map[string]interface{}, len(st.GetFields()))
	for k, v := range st.GetFields() {
		if k != "payload" {
			envelope[k] = v.AsInterface()
		}
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return msg, err
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return msg, err
	}
	if ps := st.GetFields()["payload"].GetStructValue(); ps != nil {
		if msg.Payload, err = types.ArgsFromStruct(ps); err != nil {
			return msg, fmt.Errorf("decode payload: %w", err)
		}
	}
	return msg, nil
}

// GRPCServer serves Publish and delegates everything else to an inner Channel.
type GRPCServer struct {
	inner    Channel
	server   *grpc.Server
	listener net.Listener
	address  string
	log      *zap.Logger
}

// ListenGRPC listens on address ("unix:///path/to.sock" or "host:port").
func ListenGRPC(inner Channel, address string, log *zap.Logger) (*GRPCServer, error) {
	network, addr := "tcp", address
	if strings.HasPrefix(address, "unix://") {
		network, addr = "unix", strings.TrimPrefix(address, "unix://")
		_ = os.Remove(addr)
	}
	lis, err := net.Listen(network, addr)
	if err != nil {
		return nil, fmt.Errorf("resultchan: listen %s: %w", address, err)
	}
	if network == "tcp" {
		address = lis.Addr().String()
	}
	return ServeGRPC(inner, lis, address, log), nil
}

// ServeGRPC serves on an existing listener; address is what workers dial.
func ServeGRPC(inner Channel, lis net.Listener, address string, log *zap.Logger) *GRPCServer {
	if log == nil {
		log = zap.NewNop()
	}
	s := &GRPCServer{
		inner:    inner,
		server:   grpc.NewServer(),
		listener: lis,
		address:  address,
		log:      log,
	}
	s.server.RegisterService(&resultChannelServiceDesc, s)
	go func() {
		if err := s.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.log.Error("grpc result channel stopped", zap.Error(err))
		}
	}()
	s.log.Info("grpc result channel listening", zap.String("address", address))
	return s
}

// PublishRPC implements the Publish RPC.
func (s *GRPCServer) PublishRPC(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	msg, err := structToMessage(in)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode message: %v", err)
	}
	if err := s.inner.Publish(ctx, msg); err != nil {
		switch {
		case errors.Is(err, ErrDuplicate):
			return nil, status.Error(codes.AlreadyExists, err.Error())
		case errors.Is(err, types.ErrCancelled):
			return nil, status.Error(codes.Aborted, err.Error())
		case errors.Is(err, ErrClosed):
			return nil, status.Error(codes.Unavailable, err.Error())
		default:
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
	}
	return &emptypb.Empty{}, nil
}

// Publish delivers msg from the governing process itself.
func (s *GRPCServer) Publish(ctx context.Context, msg types.ResultMessage) error {
	return s.inner.Publish(ctx, msg)
}

func (s *GRPCServer) Subscribe(ctx context.Context, key Key) (Subscription, error) {
	return s.inner.Subscribe(ctx, key)
}

func (s *GRPCServer) Cancel(ctx context.Context, key Key) error {
	return s.inner.Cancel(ctx, key)
}

// Endpoint points workers at this server.
func (s *GRPCServer) Endpoint() types.Endpoint {
	return types.Endpoint{Transport: types.TransportGRPC, Address: s.address}
}

// Close stops serving, then closes the inner channel.
func (s *GRPCServer) Close() error {
	s.server.GracefulStop()
	return s.inner.Close()
}

// GRPCPublisher is the worker side of the gRPC transport.
type GRPCPublisher struct {
	conn *grpc.ClientConn
}

// DialGRPC connects to a GRPCServer address.
func DialGRPC(address string, opts ...grpc.DialOption) (*GRPCPublisher, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("resultchan: dial %s: %w", address, err)
	}
	return &GRPCPublisher{conn: conn}, nil
}

// Publish sends msg and maps status codes back onto channel errors.
func (p *GRPCPublisher) Publish(ctx context.Context, msg types.ResultMessage) error {
	in, err := messageToStruct(msg)
	if err != nil {
		return fmt.Errorf("resultchan: encode message: %w", err)
	}
	err = p.conn.Invoke(ctx, publishMethod, in, new(emptypb.Empty), grpc.WaitForReady(true))
	switch status.Code(err) {
	case codes.OK:
		return nil
	case codes.AlreadyExists:
		return ErrDuplicate
	case codes.Aborted:
		return cancelledError("resultchan.publish", KeyOf(msg))
	default:
		return fmt.Errorf("resultchan: grpc publish: %w", err)
	}
}

func (p *GRPCPublisher) Close() error {
	return p.conn.Close()
}
