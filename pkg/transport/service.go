package transport

import (
	"context"
	"errors"

	"github.com/ovaladares/printmutex/pkg/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const mutualExclusionServiceName = "printmutex.MutualExclusion"
const printerServiceName = "printmutex.Printer"

// AccessHandler serves the mutual exclusion protocol of one peer.
type AccessHandler interface {
	HandleRequest(ctx context.Context, req *domain.AccessRequest) (*domain.AccessResponse, error)
	HandleGrant(ctx context.Context, req *domain.GrantRequest) error
}

// PrintHandler serves print jobs.
type PrintHandler interface {
	HandlePrint(ctx context.Context, req *domain.PrintRequest) (*domain.PrintResponse, error)
}

func fullMethod(service, method string) string {
	return "/" + service + "/" + method
}

var mutualExclusionServiceDesc = grpc.ServiceDesc{
	ServiceName: mutualExclusionServiceName,
	HandlerType: (*AccessHandler)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: domain.RequestAccessMethodName,
			Handler: unaryHandler(mutualExclusionServiceName, domain.RequestAccessMethodName,
				func(ctx context.Context, srv any, in *structpb.Struct) (any, error) {
					var req domain.AccessRequest
					if err := decodeStruct(in, &req); err != nil {
						return nil, status.Errorf(codes.InvalidArgument, "malformed access request: %v", err)
					}

					return srv.(AccessHandler).HandleRequest(ctx, &req)
				}),
		},
		{
			MethodName: domain.GrantAccessMethodName,
			Handler: unaryHandler(mutualExclusionServiceName, domain.GrantAccessMethodName,
				func(ctx context.Context, srv any, in *structpb.Struct) (any, error) {
					var req domain.GrantRequest
					if err := decodeStruct(in, &req); err != nil {
						return nil, status.Errorf(codes.InvalidArgument, "malformed grant: %v", err)
					}

					return struct{}{}, srv.(AccessHandler).HandleGrant(ctx, &req)
				}),
		},
	},
	Streams: []grpc.StreamDesc{},
}

var printerServiceDesc = grpc.ServiceDesc{
	ServiceName: printerServiceName,
	HandlerType: (*PrintHandler)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: domain.SendToPrinterMethodName,
			Handler: unaryHandler(printerServiceName, domain.SendToPrinterMethodName,
				func(ctx context.Context, srv any, in *structpb.Struct) (any, error) {
					var req domain.PrintRequest
					if err := decodeStruct(in, &req); err != nil {
						return nil, status.Errorf(codes.InvalidArgument, "malformed print request: %v", err)
					}

					return srv.(PrintHandler).HandlePrint(ctx, &req)
				}),
		},
	},
	Streams: []grpc.StreamDesc{},
}

type structHandlerFunc func(ctx context.Context, srv any, in *structpb.Struct) (any, error)

// unaryHandler adapts a handler working on domain messages to the shape
// grpc expects from generated code.
func unaryHandler(service, method string, fn structHandlerFunc) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}

		handle := func(ctx context.Context, req any) (any, error) {
			resp, err := fn(ctx, srv, req.(*structpb.Struct))
			if errors.Is(err, domain.ErrInvalidRequest) {
				return nil, status.Error(codes.InvalidArgument, err.Error())
			}

			if err != nil {
				return nil, err
			}

			out, err := encodeStruct(resp)
			if err != nil {
				return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
			}

			return out, nil
		}

		if interceptor == nil {
			return handle(ctx, in)
		}

		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod(service, method),
		}

		return interceptor(ctx, in, info, handle)
	}
}
