package runner

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

const (
	serviceName = "aqmap.MapService"
	codecName   = "json"
)

// jsonCodec carries the runner messages as JSON on the gRPC wire.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// unary adapts one Service method to a gRPC method handler.
func unary[Req, Resp any](name string, call func(Service, context.Context, Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				resp, err := call(srv.(Service), ctx, *req.(*Req))
				if err != nil {
					return nil, toStatus(err)
				}
				return &resp, nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + serviceName + "/" + name,
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes aqmap.MapService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Service)(nil),
	Methods: []grpc.MethodDesc{
		unary("CreateView", Service.CreateView),
		unary("GetView", Service.GetView),
		unary("ListViews", Service.ListViews),
		unary("CloseView", Service.CloseView),
		unary("MoveView", Service.MoveView),
		unary("Interact", Service.Interact),
		unary("Configure", Service.Configure),
		unary("Refresh", Service.Refresh),
		unary("Leaves", Service.Leaves),
		unary("Summary", Service.Summary),
		unary("GeoJSON", Service.GeoJSON),
		unary("SaveSnapshot", Service.SaveSnapshot),
		unary("ListSnapshots", Service.ListSnapshots),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "runner/grpc.go",
}

// Register serves svc on s.
func Register(s grpc.ServiceRegistrar, svc Service) {
	s.RegisterService(&ServiceDesc, svc)
}
