package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "simulation.v1.SimulationService"

// SimulationServiceServer is the server API for the simulation control
// service. Payloads use protobuf well-known types so no generated code is
// required.
type SimulationServiceServer interface {
	Start(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Stop(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetStats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetParams(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	SetParams(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetTasks(context.Context, *structpb.ListValue) (*emptypb.Empty, error)
}

// SimulationServiceDesc describes the service for grpc.Server registration.
var SimulationServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SimulationServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("Start", SimulationServiceServer.Start),
		unaryMethod("Stop", SimulationServiceServer.Stop),
		unaryMethod("GetStatus", SimulationServiceServer.GetStatus),
		unaryMethod("GetStats", SimulationServiceServer.GetStats),
		unaryMethod("GetParams", SimulationServiceServer.GetParams),
		unaryMethod("SetParams", SimulationServiceServer.SetParams),
		unaryMethod("SetTasks", SimulationServiceServer.SetTasks),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "simulation/v1/simulation.proto",
}

// RegisterSimulationServiceServer registers srv on s.
func RegisterSimulationServiceServer(s grpc.ServiceRegistrar, srv SimulationServiceServer) {
	s.RegisterService(&SimulationServiceDesc, srv)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// unaryMethod builds the MethodDesc that protoc-gen-go-grpc would emit for a
// unary RPC.
func unaryMethod[Req, Resp any](name string, call func(SimulationServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	full := fullMethod(name)
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(SimulationServiceServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}
