// Package control exposes a running client to local tooling over gRPC:
// status, peer listing, refresh, rename, away and sending text. Payloads use
// the protobuf well-known types so no generated code is needed.
package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "slcp.control.v1.Control"

const (
	methodStatus     = "Status"
	methodListPeers  = "ListPeers"
	methodRefresh    = "Refresh"
	methodRename     = "Rename"
	methodToggleAway = "ToggleAway"
	methodSendText   = "SendText"
)

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// ControlServer is the server API for the control service
type ControlServer interface {
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListPeers(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	Refresh(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Rename(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	ToggleAway(context.Context, *emptypb.Empty) (*wrapperspb.BoolValue, error)
	SendText(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterControlServer registers srv on s
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(methodStatus, func() proto.Message { return new(emptypb.Empty) },
			func(s ControlServer, ctx context.Context, req proto.Message) (proto.Message, error) {
				return s.Status(ctx, req.(*emptypb.Empty))
			}),
		unary(methodListPeers, func() proto.Message { return new(emptypb.Empty) },
			func(s ControlServer, ctx context.Context, req proto.Message) (proto.Message, error) {
				return s.ListPeers(ctx, req.(*emptypb.Empty))
			}),
		unary(methodRefresh, func() proto.Message { return new(emptypb.Empty) },
			func(s ControlServer, ctx context.Context, req proto.Message) (proto.Message, error) {
				return s.Refresh(ctx, req.(*emptypb.Empty))
			}),
		unary(methodRename, func() proto.Message { return new(wrapperspb.StringValue) },
			func(s ControlServer, ctx context.Context, req proto.Message) (proto.Message, error) {
				return s.Rename(ctx, req.(*wrapperspb.StringValue))
			}),
		unary(methodToggleAway, func() proto.Message { return new(emptypb.Empty) },
			func(s ControlServer, ctx context.Context, req proto.Message) (proto.Message, error) {
				return s.ToggleAway(ctx, req.(*emptypb.Empty))
			}),
		unary(methodSendText, func() proto.Message { return new(structpb.Struct) },
			func(s ControlServer, ctx context.Context, req proto.Message) (proto.Message, error) {
				return s.SendText(ctx, req.(*structpb.Struct))
			}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "slcp/control.proto",
}

type callFunc func(s ControlServer, ctx context.Context, req proto.Message) (proto.Message, error)

// unary builds a method descriptor the way generated code does: decode the
// request, then run it through the interceptor chain if there is one
func unary(method string, newReq func() proto.Message, call callFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := newReq()
			if err := dec(req); err != nil {
				return nil, err
			}
			s := srv.(ControlServer)
			if interceptor == nil {
				return call(s, ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
			return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(proto.Message))
			})
		},
	}
}
