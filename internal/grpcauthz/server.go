package grpcauthz

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the standard health service name. It is always exempt
// from authorization.
const HealthService = "grpc.health.v1.Health"

// NewServer returns a gRPC server whose services are gated by engine. The
// standard health service is registered reporting SERVING, and the access
// service is registered behind the interceptors.
func NewServer(engine Authorizer, resolver ServiceResolver, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	resolver.Skip = append(append([]string(nil), resolver.Skip...), HealthService)
	opts = append(opts,
		grpc.ChainUnaryInterceptor(UnaryServerInterceptor(engine, resolver)),
		grpc.ChainStreamInterceptor(StreamServerInterceptor(engine, resolver)),
	)
	srv := grpc.NewServer(opts...)
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(AccessService, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	RegisterAccessServer(srv, NewAccessServer(engine))
	return srv, hs
}
