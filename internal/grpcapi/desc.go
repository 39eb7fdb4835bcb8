package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "govledger.v1.LedgerService"

const (
	appendMethod = "/" + ServiceName + "/Append"
	verifyMethod = "/" + ServiceName + "/Verify"
)

// LedgerServer is the server API for the ledger service.
type LedgerServer interface {
	Append(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Verify(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes the ledger service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Append", Handler: unaryHandler(appendMethod, LedgerServer.Append)},
		{MethodName: "Verify", Handler: unaryHandler(verifyMethod, LedgerServer.Verify)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "govledger/v1/ledger.proto",
}

// Register attaches srv to s.
func Register(s grpc.ServiceRegistrar, srv LedgerServer) {
	s.RegisterService(&ServiceDesc, srv)
}

type unaryMethod func(LedgerServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(LedgerServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(LedgerServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// LedgerClient is the client API for the ledger service.
type LedgerClient struct {
	cc grpc.ClientConnInterface
}

// NewLedgerClient wraps a client connection.
func NewLedgerClient(cc grpc.ClientConnInterface) *LedgerClient {
	return &LedgerClient{cc: cc}
}

// Append calls LedgerService.Append.
func (c *LedgerClient) Append(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, appendMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Verify calls LedgerService.Verify.
func (c *LedgerClient) Verify(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, verifyMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
