package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName 完整的 gRPC 服務名稱
const ServiceName = "substrender.v1.RenderService"

// RenderServiceServer 渲染服務；所有方法都以 structpb.Struct 作為請求與回應
type RenderServiceServer interface {
	Push(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Run(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Cancel(context.Context, *structpb.Struct) (*structpb.Struct, error)
	IsPending(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Flush(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetOptions(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type method func(RenderServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call method) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(RenderServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: fullMethod(name),
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(RenderServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// ServiceDesc RenderService 的 grpc.ServiceDesc
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RenderServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Push", RenderServiceServer.Push),
		unary("Run", RenderServiceServer.Run),
		unary("Cancel", RenderServiceServer.Cancel),
		unary("IsPending", RenderServiceServer.IsPending),
		unary("Flush", RenderServiceServer.Flush),
		unary("SetOptions", RenderServiceServer.SetOptions),
		unary("Status", RenderServiceServer.Status),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "substrender/v1/render.proto",
}

// RegisterRenderServiceServer 註冊服務
func RegisterRenderServiceServer(s grpc.ServiceRegistrar, srv RenderServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}
