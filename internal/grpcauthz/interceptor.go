// Package grpcauthz gates gRPC services through the decision engine.
package grpcauthz

import (
	"context"
	"errors"
	"net"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"authcore.dev/internal/audit"
	"authcore.dev/internal/auth"
	"authcore.dev/internal/authz"
)

// Authorizer is the part of authz.Engine the interceptors need.
type Authorizer interface {
	Authorize(ctx context.Context, token, systemID string, meta audit.RequestMeta) (authz.Verdict, error)
}

// Resolver maps a full gRPC method name to the system it belongs to. An
// empty system with ok=false lets the call through unchecked.
type Resolver interface {
	Resolve(fullMethod string) (systemID string, ok bool)
}

// ServiceResolver uses the service part of the method name
// ("/pkg.Service/Method" -> "pkg.Service") unless Overrides names the
// method or service explicitly. Methods or services listed in Skip are
// not checked.
type ServiceResolver struct {
	Overrides map[string]string
	Skip      []string
}

// Resolve implements Resolver.
func (r ServiceResolver) Resolve(fullMethod string) (string, bool) {
	service := serviceOf(fullMethod)
	for _, s := range r.Skip {
		if s == fullMethod || s == service {
			return "", false
		}
	}
	if sys, ok := r.Overrides[fullMethod]; ok {
		return sys, true
	}
	if sys, ok := r.Overrides[service]; ok {
		return sys, true
	}
	return service, service != ""
}

func serviceOf(fullMethod string) string {
	m := strings.TrimPrefix(fullMethod, "/")
	service, _, _ := strings.Cut(m, "/")
	return service
}

type verdictKey struct{}

// VerdictFromContext returns the verdict that admitted the current call.
func VerdictFromContext(ctx context.Context) (authz.Verdict, bool) {
	v, ok := ctx.Value(verdictKey{}).(authz.Verdict)
	return v, ok
}

// UnaryServerInterceptor authorizes each unary call before the handler runs.
func UnaryServerInterceptor(engine Authorizer, resolver Resolver) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := check(ctx, engine, resolver, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamServerInterceptor authorizes each stream when it is opened.
func StreamServerInterceptor(engine Authorizer, resolver Resolver) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := check(ss.Context(), engine, resolver, info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedStream{ServerStream: ss, ctx: ctx})
	}
}

type wrappedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedStream) Context() context.Context { return w.ctx }

func check(ctx context.Context, engine Authorizer, resolver Resolver, fullMethod string) (context.Context, error) {
	systemID, ok := resolver.Resolve(fullMethod)
	if !ok {
		return ctx, nil
	}
	verdict, err := engine.Authorize(ctx, bearerToken(ctx), systemID, requestMeta(ctx, fullMethod))
	if err != nil {
		return ctx, toStatus(err)
	}
	if !verdict.Allowed {
		if verdict.Reason == authz.ReasonUnauthenticated {
			return ctx, status.Error(codes.Unauthenticated, "unauthenticated")
		}
		return ctx, status.Errorf(codes.PermissionDenied, "access denied: %s", verdict.Reason)
	}
	return context.WithValue(ctx, verdictKey{}, verdict), nil
}

// toStatus maps engine errors to gRPC status codes without leaking detail
// from storage or audit failures.
func toStatus(err error) error {
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		return status.Error(codes.Unauthenticated, "unauthenticated")
	case errors.Is(err, authz.ErrForbidden):
		return status.Error(codes.PermissionDenied, "forbidden")
	case errors.Is(err, auth.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

func bearerToken(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, v := range md.Get("authorization") {
		scheme, token, found := strings.Cut(strings.TrimSpace(v), " ")
		if found && strings.EqualFold(scheme, "bearer") {
			return strings.TrimSpace(token)
		}
	}
	return ""
}

func requestMeta(ctx context.Context, fullMethod string) audit.RequestMeta {
	meta := audit.RequestMeta{Method: "GRPC", Path: fullMethod}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		meta.IP = hostOnly(p.Addr.String())
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ua := md.Get("user-agent"); len(ua) > 0 {
			meta.UserAgent = ua[0]
		}
	}
	return meta
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
