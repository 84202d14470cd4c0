package grpcauthz

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"authcore.dev/internal/audit"
	"authcore.dev/internal/auth"
	"authcore.dev/internal/authz"
	"authcore.dev/internal/grants"
	"authcore.dev/internal/store/memory"
)

const (
	bufSize    = 1024 * 1024
	testSecret = "0123456789abcdef0123456789abcdef"
)

func startBufGRPC(t *testing.T, server *grpc.Server) *grpc.ClientConn {
	t.Helper()
	listener := bufconn.Listen(bufSize)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Logf("grpc serve error: %v", err)
		}
	}()
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
		server.Stop()
		_ = listener.Close()
	})
	return conn
}

type fixture struct {
	engine *authz.Engine
	store  *memory.Store
	admin  string
	user   string
	userID string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	sessions, err := auth.NewSessionManager(st, testSecret)
	require.NoError(t, err)
	engine, err := authz.New(st, sessions, grants.NewRegistry(st), audit.NewLog(st))
	require.NoError(t, err)

	_, err = engine.BootstrapAdmin(ctx, "alice", "alice-pw", "", audit.RequestMeta{})
	require.NoError(t, err)
	admin, err := engine.Login(ctx, "alice", "alice-pw", audit.RequestMeta{})
	require.NoError(t, err)
	bob, err := engine.RegisterUser(ctx, admin.Token, authz.NewUser{Username: "bob", Password: "bob-pw"}, audit.RequestMeta{})
	require.NoError(t, err)
	user, err := engine.Login(ctx, "bob", "bob-pw", audit.RequestMeta{})
	require.NoError(t, err)
	return &fixture{engine: engine, store: st, admin: admin.Token, user: user.Token, userID: bob.ID}
}

// gatedHealth serves the health service as if it were a protected tool
// mapped to system "ops".
func gatedHealth(t *testing.T, f *fixture) healthpb.HealthClient {
	t.Helper()
	resolver := ServiceResolver{Overrides: map[string]string{HealthService: "ops"}}
	srv := grpc.NewServer(
		grpc.UnaryInterceptor(UnaryServerInterceptor(f.engine, resolver)),
		grpc.StreamInterceptor(StreamServerInterceptor(f.engine, resolver)),
	)
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	return healthpb.NewHealthClient(startBufGRPC(t, srv))
}

func withToken(ctx context.Context, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
}

func TestUnaryInterceptorCodes(t *testing.T) {
	f := newFixture(t)
	client := gatedHealth(t, f)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = client.Check(withToken(ctx, f.user), &healthpb.HealthCheckRequest{})
	require.Equal(t, codes.PermissionDenied, status.Code(err))

	resp, err := client.Check(withToken(ctx, f.admin), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	_, err = f.engine.Grant(ctx, f.admin, grants.GrantRequest{UserID: f.userID, SystemID: "ops"}, audit.RequestMeta{})
	require.NoError(t, err)
	_, err = client.Check(withToken(ctx, f.user), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)

	g, err := f.store.GetGrant(ctx, f.userID, "ops")
	require.NoError(t, err)
	require.EqualValues(t, 1, g.AccessCount)

	entries, err := f.store.Query(ctx, audit.Filter{SystemID: "ops", Action: audit.ActionAuthorize, Limit: 100})
	require.NoError(t, err)
	require.Len(t, entries, 4)
	require.Equal(t, "GRPC", entries[0].Request.Method)
	require.Equal(t, "/grpc.health.v1.Health/Check", entries[0].Request.Path)
}

func TestStreamInterceptorChecksOnOpen(t *testing.T) {
	f := newFixture(t)
	client := gatedHealth(t, f)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.Watch(withToken(ctx, f.user), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	_, err = stream.Recv()
	require.Equal(t, codes.PermissionDenied, status.Code(err))

	stream, err = client.Watch(withToken(ctx, f.admin), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	resp, err := stream.Recv()
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestNewServerExemptsHealth(t *testing.T) {
	f := newFixture(t)
	srv, _ := NewServer(f.engine, ServiceResolver{})
	client := healthpb.NewHealthClient(startBufGRPC(t, srv))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

type failingAuthorizer struct{ err error }

func (f failingAuthorizer) Authorize(context.Context, string, string, audit.RequestMeta) (authz.Verdict, error) {
	return authz.Verdict{}, f.err
}

func TestEngineErrorsMapToInternal(t *testing.T) {
	interceptor := UnaryServerInterceptor(failingAuthorizer{err: authz.ErrAuditWrite}, ServiceResolver{})
	called := false
	_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/tools.Reports/Run"},
		func(ctx context.Context, req any) (any, error) {
			called = true
			return nil, nil
		})
	require.False(t, called)
	require.Equal(t, codes.Internal, status.Code(err))
	require.NotContains(t, err.Error(), "audit")
}

func TestServiceResolver(t *testing.T) {
	r := ServiceResolver{
		Overrides: map[string]string{
			"/tools.Reports/Export": "reports-export",
			"tools.Billing":         "billing",
		},
		Skip: []string{"tools.Public", "/tools.Reports/Ping"},
	}
	cases := []struct {
		method string
		want   string
		ok     bool
	}{
		{"/tools.Reports/Run", "tools.Reports", true},
		{"/tools.Reports/Export", "reports-export", true},
		{"/tools.Billing/Charge", "billing", true},
		{"/tools.Public/Hello", "", false},
		{"/tools.Reports/Ping", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := r.Resolve(tc.method)
		require.Equal(t, tc.ok, ok, tc.method)
		require.Equal(t, tc.want, got, tc.method)
	}
}

func TestBearerTokenFromMetadata(t *testing.T) {
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "bearer abc.def"))
	require.Equal(t, "abc.def", bearerToken(ctx))
	ctx = metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Basic xyz"))
	require.Empty(t, bearerToken(ctx))
	require.Empty(t, bearerToken(context.Background()))
}
