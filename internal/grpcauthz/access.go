package grpcauthz

import (
	"context"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"authcore.dev/internal/authz"
)

// AccessService answers decision checks for enforcement points that cannot
// reach the HTTP API. The service itself is gated like any other: the
// caller's own bearer token must be allowed on the system the resolver maps
// AccessService to, and the subject token being checked travels in the
// request body.
const (
	AccessService = "authcore.v1.Access"
	CheckMethod   = "/" + AccessService + "/Check"
)

// AccessServer is the handler interface behind AccessService.
type AccessServer interface {
	Check(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var accessServiceDesc = grpc.ServiceDesc{
	ServiceName: AccessService,
	HandlerType: (*AccessServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Check", Handler: checkHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "authcore/v1/access",
}

func checkHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AccessServer).Check(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: CheckMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AccessServer).Check(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterAccessServer registers srv under AccessService.
func RegisterAccessServer(s grpc.ServiceRegistrar, srv AccessServer) {
	s.RegisterService(&accessServiceDesc, srv)
}

type accessServer struct {
	engine Authorizer
}

// NewAccessServer returns an AccessServer backed by engine.
func NewAccessServer(engine Authorizer) AccessServer {
	return &accessServer{engine: engine}
}

// Check decides whether the session behind the "token" field may use the
// system named by "system_id". Denials are returned as verdicts, not errors.
func (s *accessServer) Check(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	token := strings.TrimSpace(fields["token"].GetStringValue())
	systemID := fields["system_id"].GetStringValue()
	verdict, err := s.engine.Authorize(ctx, token, systemID, requestMeta(ctx, CheckMethod))
	if err != nil {
		return nil, toStatus(err)
	}
	return verdictStruct(verdict), nil
}

func verdictStruct(v authz.Verdict) *structpb.Struct {
	out := &structpb.Struct{Fields: map[string]*structpb.Value{
		"allowed": structpb.NewBoolValue(v.Allowed),
	}}
	if v.AccessLevel != "" {
		out.Fields["access_level"] = structpb.NewStringValue(v.AccessLevel)
	}
	if v.ExpiresAt != nil {
		out.Fields["expires_at"] = structpb.NewStringValue(v.ExpiresAt.UTC().Format(time.RFC3339Nano))
	}
	if v.Reason != "" {
		out.Fields["reason"] = structpb.NewStringValue(string(v.Reason))
	}
	return out
}

// Check calls AccessService over conn. The caller authenticates with its own
// bearer token in the outgoing metadata; subjectToken is the session being
// checked.
func Check(ctx context.Context, conn grpc.ClientConnInterface, subjectToken, systemID string, opts ...grpc.CallOption) (authz.Verdict, error) {
	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		"token":     structpb.NewStringValue(subjectToken),
		"system_id": structpb.NewStringValue(systemID),
	}}
	resp := new(structpb.Struct)
	if err := conn.Invoke(ctx, CheckMethod, req, resp, opts...); err != nil {
		return authz.Verdict{}, err
	}
	fields := resp.GetFields()
	v := authz.Verdict{
		Allowed:     fields["allowed"].GetBoolValue(),
		AccessLevel: fields["access_level"].GetStringValue(),
		Reason:      authz.Reason(fields["reason"].GetStringValue()),
	}
	if raw := fields["expires_at"].GetStringValue(); raw != "" {
		at, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return authz.Verdict{}, status.Errorf(codes.DataLoss, "malformed expires_at %q", raw)
		}
		v.ExpiresAt = &at
	}
	return v, nil
}
