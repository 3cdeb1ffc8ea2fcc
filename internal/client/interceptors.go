package client

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// forwardMetadata is a gRPC unary client interceptor that propagates
// incoming request metadata (including the caller's x-user-id) to outgoing
// service-to-service calls. Keys already set on the outgoing context win.
func forwardMetadata(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	if in, ok := metadata.FromIncomingContext(ctx); ok {
		merged := in.Copy()
		if out, ok := metadata.FromOutgoingContext(ctx); ok {
			for k, v := range out {
				merged[k] = v
			}
		}
		ctx = metadata.NewOutgoingContext(ctx, merged)
	}
	return invoker(ctx, method, req, reply, cc, opts...)
}
