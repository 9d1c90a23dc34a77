package transport

import (
	"context"

	"google.golang.org/grpc"

	"github.com/frobware/go-eatguard/wire"
)

const (
	ServiceName         = "eatguard.v1.Device"
	DeviceControlMethod = "/" + ServiceName + "/DeviceControl"
)

// DeviceServer handles device-control requests. A reply is returned for
// every request, failures included; an error means the request could
// not be completed at all.
type DeviceServer interface {
	DeviceControl(ctx context.Context, req *wire.Request) (*wire.Reply, error)
}

func deviceControlHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wire.Request)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DeviceServer).DeviceControl(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: DeviceControlMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DeviceServer).DeviceControl(ctx, req.(*wire.Request))
	}
	return interceptor(ctx, in, info, handler)
}

// DeviceServiceDesc describes the device service for grpc.Server.
var DeviceServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DeviceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "DeviceControl",
			Handler:    deviceControlHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "eatguard/v1/device",
}

// RegisterDeviceServer registers srv with s.
func RegisterDeviceServer(s grpc.ServiceRegistrar, srv DeviceServer) {
	s.RegisterService(&DeviceServiceDesc, srv)
}

// Invoke sends one request over conn using the raw codec.
func Invoke(ctx context.Context, conn grpc.ClientConnInterface, req *wire.Request, opts ...grpc.CallOption) (*wire.Reply, error) {
	reply := new(wire.Reply)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := conn.Invoke(ctx, DeviceControlMethod, req, reply, opts...); err != nil {
		return nil, err
	}
	return reply, nil
}
