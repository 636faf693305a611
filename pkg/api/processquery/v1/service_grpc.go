package processqueryv1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Пакет передается как google.protobuf.Struct, поэтому отдельный .proto не нужен:
// дескриптор сервиса описан вручную в том же виде, что выдает protoc-gen-go-grpc.

const (
	ServiceName               = "processquery.v1.ProcessQueryService"
	ProcessQueryFullMethod    = "/" + ServiceName + "/ProcessQuery"
	processQueryMethodName    = "ProcessQuery"
	processQueryServiceSource = "processquery/v1/service.proto"
)

// ProcessQueryServiceClient: клиентская сторона сервиса.
type ProcessQueryServiceClient interface {
	ProcessQuery(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type processQueryServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewProcessQueryServiceClient(cc grpc.ClientConnInterface) ProcessQueryServiceClient {
	return &processQueryServiceClient{cc: cc}
}

func (c *processQueryServiceClient) ProcessQuery(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, ProcessQueryFullMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ProcessQueryServiceServer: серверная сторона сервиса.
type ProcessQueryServiceServer interface {
	ProcessQuery(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

func RegisterProcessQueryServiceServer(s grpc.ServiceRegistrar, srv ProcessQueryServiceServer) {
	s.RegisterService(&ProcessQueryService_ServiceDesc, srv)
}

func processQueryHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ProcessQueryServiceServer).ProcessQuery(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: ProcessQueryFullMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ProcessQueryServiceServer).ProcessQuery(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// ProcessQueryService_ServiceDesc: дескриптор для grpc.RegisterService.
var ProcessQueryService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ProcessQueryServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: processQueryMethodName,
			Handler:    processQueryHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: processQueryServiceSource,
}
