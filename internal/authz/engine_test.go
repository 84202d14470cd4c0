package authz

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"authcore.dev/internal/audit"
	"authcore.dev/internal/auth"
	"authcore.dev/internal/grants"
	"authcore.dev/internal/store/memory"
	"authcore.dev/internal/stream"
)

const testSecret = "0123456789abcdef0123456789abcdef"

var meta = audit.RequestMeta{IP: "10.0.0.1", UserAgent: "test", Method: "POST", Path: "/test"}

type harness struct {
	engine *Engine
	store  *memory.Store
	audit  *failingAudit
	now    time.Time
}

// failingAudit wraps the memory audit store and fails appends on demand.
type failingAudit struct {
	*memory.Store
	mu   sync.Mutex
	fail bool
}

func (f *failingAudit) setFail(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = v
}

func (f *failingAudit) Append(ctx context.Context, e *audit.Entry) error {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return errors.New("audit disk unavailable")
	}
	return f.Store.Append(ctx, e)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{store: memory.New(), now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	h.audit = &failingAudit{Store: h.store}
	clock := func() time.Time { return h.now }
	sessions, err := auth.NewSessionManager(h.store, testSecret)
	require.NoError(t, err)
	engine, err := New(h.store, sessions, grants.NewRegistry(h.store), audit.NewLog(h.audit), WithClock(clock))
	require.NoError(t, err)
	h.engine = engine
	return h
}

func (h *harness) bootstrap(t *testing.T, username, password string) auth.User {
	t.Helper()
	u, err := h.engine.BootstrapAdmin(context.Background(), username, password, "", meta)
	require.NoError(t, err)
	return u
}

func (h *harness) login(t *testing.T, username, password string) string {
	t.Helper()
	sess, err := h.engine.Login(context.Background(), username, password, meta)
	require.NoError(t, err)
	return sess.Token
}

func (h *harness) register(t *testing.T, adminToken, username, password string) auth.User {
	t.Helper()
	u, err := h.engine.RegisterUser(context.Background(), adminToken, NewUser{Username: username, Password: password}, meta)
	require.NoError(t, err)
	return u
}

func (h *harness) entries(t *testing.T) []audit.Entry {
	t.Helper()
	out, err := h.store.Query(context.Background(), audit.Filter{Limit: 100000})
	require.NoError(t, err)
	return out
}

func (h *harness) lastEntry(t *testing.T) audit.Entry {
	t.Helper()
	all := h.entries(t)
	require.NotEmpty(t, all)
	return all[len(all)-1]
}

func TestAliceBobScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.bootstrap(t, "alice", "alice-pw")
	alice := h.login(t, "alice", "alice-pw")
	bob := h.register(t, alice, "bob", "bob-pw")

	_, err := h.engine.Grant(ctx, alice, grants.GrantRequest{UserID: bob.ID, SystemID: "reports", AccessLevel: "read"}, meta)
	require.NoError(t, err)

	bobToken := h.login(t, "bob", "bob-pw")
	v, err := h.engine.Authorize(ctx, bobToken, "reports", meta)
	require.NoError(t, err)
	require.Equal(t, Verdict{Allowed: true, AccessLevel: "read"}, v)

	g, err := h.store.GetGrant(ctx, bob.ID, "reports")
	require.NoError(t, err)
	require.EqualValues(t, 1, g.AccessCount)

	_, err = h.engine.Revoke(ctx, alice, bob.ID, "reports", meta)
	require.NoError(t, err)

	v, err = h.engine.Authorize(ctx, bobToken, "reports", meta)
	require.NoError(t, err)
	require.False(t, v.Allowed)
	require.Equal(t, ReasonRevoked, v.Reason)

	g, err = h.store.GetGrant(ctx, bob.ID, "reports")
	require.NoError(t, err)
	require.EqualValues(t, 1, g.AccessCount)
	require.False(t, g.CanAccess)
}

func TestAuthorizeOutcomes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.bootstrap(t, "alice", "pw")
	alice := h.login(t, "alice", "pw")
	bob := h.register(t, alice, "bob", "pw")
	bobToken := h.login(t, "bob", "pw")

	past := h.now.Add(-time.Minute)
	future := h.now.Add(time.Hour)
	_, err := h.engine.Grant(ctx, alice, grants.GrantRequest{UserID: bob.ID, SystemID: "old", ExpiresAt: &past}, meta)
	require.NoError(t, err)
	_, err = h.engine.Grant(ctx, alice, grants.GrantRequest{UserID: bob.ID, SystemID: "live", AccessLevel: "write", ExpiresAt: &future}, meta)
	require.NoError(t, err)
	_, err = h.engine.Grant(ctx, alice, grants.GrantRequest{UserID: bob.ID, SystemID: "gone"}, meta)
	require.NoError(t, err)
	_, err = h.engine.Revoke(ctx, alice, bob.ID, "gone", meta)
	require.NoError(t, err)

	cases := []struct {
		name   string
		token  string
		system string
		want   Verdict
		reason string
	}{
		{"no grant", bobToken, "billing", Verdict{Reason: ReasonNoGrant}, "no access granted"},
		{"expired", bobToken, "old", Verdict{Reason: ReasonExpired}, "access expired"},
		{"revoked", bobToken, "gone", Verdict{Reason: ReasonRevoked}, "access revoked"},
		{"allowed", bobToken, "live", Verdict{Allowed: true, AccessLevel: "write"}, ""},
		{"unauthenticated", "garbage", "billing", Verdict{Reason: ReasonUnauthenticated}, "not authenticated"},
		{"admin bypass", alice, "billing", Verdict{Allowed: true, AccessLevel: "admin"}, "admin bypass"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before := len(h.entries(t))
			v, err := h.engine.Authorize(ctx, tc.token, tc.system, meta)
			require.NoError(t, err)
			if tc.system == "live" {
				require.NotNil(t, v.ExpiresAt)
				require.True(t, v.ExpiresAt.Equal(future))
				v.ExpiresAt = nil
			}
			require.Equal(t, tc.want, v)

			all := h.entries(t)
			require.Len(t, all, before+1)
			last := all[len(all)-1]
			require.Equal(t, audit.ActionAuthorize, last.Action)
			require.Equal(t, tc.system, last.SystemID)
			require.Equal(t, tc.reason, last.Reason)
			require.Equal(t, meta, last.Request)
			if tc.want.Allowed {
				require.Equal(t, audit.StatusSuccess, last.Status)
			} else {
				require.Equal(t, audit.StatusDenied, last.Status)
			}
			if tc.want.Reason == ReasonUnauthenticated {
				require.Nil(t, last.UserID)
			} else {
				require.NotNil(t, last.UserID)
			}
		})
	}
}

func TestExpiryBoundaryIsInclusive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.bootstrap(t, "alice", "pw")
	alice := h.login(t, "alice", "pw")
	bob := h.register(t, alice, "bob", "pw")
	bobToken := h.login(t, "bob", "pw")

	exp := h.now
	_, err := h.engine.Grant(ctx, alice, grants.GrantRequest{UserID: bob.ID, SystemID: "reports", ExpiresAt: &exp}, meta)
	require.NoError(t, err)
	v, err := h.engine.Authorize(ctx, bobToken, "reports", meta)
	require.NoError(t, err)
	require.Equal(t, ReasonExpired, v.Reason)
}

func TestAuditCompleteness(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.bootstrap(t, "alice", "pw")
	alice := h.login(t, "alice", "pw")
	bob := h.register(t, alice, "bob", "pw")
	bobToken := h.login(t, "bob", "pw")
	_, err := h.engine.Grant(ctx, alice, grants.GrantRequest{UserID: bob.ID, SystemID: "a"}, meta)
	require.NoError(t, err)

	start := len(h.entries(t))
	systems := []string{"a", "b", "a", "c", "a", "b"}
	var verdicts []Verdict
	for _, s := range systems {
		v, err := h.engine.Authorize(ctx, bobToken, s, meta)
		require.NoError(t, err)
		verdicts = append(verdicts, v)
	}
	all := h.entries(t)[start:]
	require.Len(t, all, len(systems))
	for i, e := range all {
		require.Equal(t, systems[i], e.SystemID)
		require.Equal(t, verdicts[i].Allowed, e.Status == audit.StatusSuccess)
	}
}

func TestConcurrentAuthorizeCountsEveryAccess(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.bootstrap(t, "alice", "pw")
	alice := h.login(t, "alice", "pw")
	bob := h.register(t, alice, "bob", "pw")
	bobToken := h.login(t, "bob", "pw")
	_, err := h.engine.Grant(ctx, alice, grants.GrantRequest{UserID: bob.ID, SystemID: "reports"}, meta)
	require.NoError(t, err)

	const n = 100
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := h.engine.Authorize(ctx, bobToken, "reports", meta)
			if err == nil && !v.Allowed {
				err = errors.New("unexpected denial")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	g, err := h.store.GetGrant(ctx, bob.ID, "reports")
	require.NoError(t, err)
	require.EqualValues(t, n, g.AccessCount)

	report, err := h.engine.VerifyAuditChain(ctx, alice, meta)
	require.NoError(t, err)
	require.True(t, report.OK)
}

func TestAuditFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.bootstrap(t, "alice", "pw")
	alice := h.login(t, "alice", "pw")
	bob := h.register(t, alice, "bob", "pw")
	bobToken := h.login(t, "bob", "pw")
	_, err := h.engine.Grant(ctx, alice, grants.GrantRequest{UserID: bob.ID, SystemID: "reports"}, meta)
	require.NoError(t, err)

	h.audit.setFail(true)
	v, err := h.engine.Authorize(ctx, bobToken, "reports", meta)
	require.ErrorIs(t, err, ErrAuditWrite)
	require.Equal(t, Verdict{}, v)

	_, err = h.engine.Authorize(ctx, alice, "reports", meta)
	require.ErrorIs(t, err, ErrAuditWrite)

	sess, err := h.engine.Login(ctx, "bob", "pw", meta)
	require.ErrorIs(t, err, ErrAuditWrite)
	require.Empty(t, sess.Token)

	_, err = h.engine.Grant(ctx, alice, grants.GrantRequest{UserID: bob.ID, SystemID: "other"}, meta)
	require.ErrorIs(t, err, ErrAuditWrite)
}

func TestLoginAuditsEveryAttempt(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	admin := h.bootstrap(t, "alice", "pw")

	_, err := h.engine.Login(ctx, "mallory", "pw", meta)
	require.ErrorIs(t, err, auth.ErrUserNotFound)
	last := h.lastEntry(t)
	require.Equal(t, audit.StatusDenied, last.Status)
	require.Equal(t, "no such user", last.Reason)
	require.Equal(t, "mallory", last.Username)
	require.Nil(t, last.UserID)

	_, err = h.engine.Login(ctx, "alice", "nope", meta)
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)
	last = h.lastEntry(t)
	require.Equal(t, "bad password", last.Reason)
	require.NotNil(t, last.UserID)
	require.Equal(t, admin.ID, *last.UserID)

	_, err = h.engine.Login(ctx, "alice", "pw", meta)
	require.NoError(t, err)
	last = h.lastEntry(t)
	require.Equal(t, audit.StatusSuccess, last.Status)
	require.Equal(t, audit.SystemAuth, last.SystemID)
	require.Equal(t, audit.ActionLogin, last.Action)
}

func TestAdminOperationsRequireAdmin(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.bootstrap(t, "alice", "pw")
	alice := h.login(t, "alice", "pw")
	bob := h.register(t, alice, "bob", "pw")
	bobToken := h.login(t, "bob", "pw")

	_, err := h.engine.Grant(ctx, bobToken, grants.GrantRequest{UserID: bob.ID, SystemID: "reports"}, meta)
	require.ErrorIs(t, err, ErrForbidden)
	last := h.lastEntry(t)
	require.Equal(t, audit.StatusDenied, last.Status)
	require.Equal(t, audit.ActionGrant, last.Action)
	require.Equal(t, "admin role required", last.Reason)

	_, err = h.engine.Revoke(ctx, bobToken, bob.ID, "reports", meta)
	require.ErrorIs(t, err, ErrForbidden)
	_, err = h.engine.QueryAuditLog(ctx, bobToken, audit.Filter{}, meta)
	require.ErrorIs(t, err, ErrForbidden)
	_, err = h.engine.RegisterUser(ctx, bobToken, NewUser{Username: "eve", Password: "pw"}, meta)
	require.ErrorIs(t, err, ErrForbidden)
	_, err = h.engine.VerifyAuditChain(ctx, bobToken, meta)
	require.ErrorIs(t, err, ErrForbidden)
	_, err = h.engine.ListGrants(ctx, bobToken, grants.ListFilter{}, meta)
	require.ErrorIs(t, err, ErrForbidden)

	_, err = h.engine.Grant(ctx, "", grants.GrantRequest{UserID: bob.ID, SystemID: "reports"}, meta)
	require.ErrorIs(t, err, auth.ErrUnauthenticated)
	last = h.lastEntry(t)
	require.Equal(t, "not authenticated", last.Reason)
	require.Nil(t, last.UserID)
}

func TestRevokeSemantics(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.bootstrap(t, "alice", "pw")
	alice := h.login(t, "alice", "pw")
	bob := h.register(t, alice, "bob", "pw")

	_, err := h.engine.Revoke(ctx, alice, bob.ID, "reports", meta)
	require.ErrorIs(t, err, grants.ErrNotFound)
	last := h.lastEntry(t)
	require.Equal(t, audit.StatusDenied, last.Status)
	require.Equal(t, "grant not found", last.Reason)

	_, err = h.engine.Grant(ctx, alice, grants.GrantRequest{UserID: bob.ID, SystemID: "reports"}, meta)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		g, err := h.engine.Revoke(ctx, alice, bob.ID, "reports", meta)
		require.NoError(t, err)
		require.False(t, g.CanAccess)
	}
}

func TestGrantUpsertsSingleRow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.bootstrap(t, "alice", "pw")
	alice := h.login(t, "alice", "pw")
	bob := h.register(t, alice, "bob", "pw")
	bobToken := h.login(t, "bob", "pw")

	_, err := h.engine.Grant(ctx, alice, grants.GrantRequest{UserID: bob.ID, SystemID: "reports"}, meta)
	require.NoError(t, err)
	_, err = h.engine.Authorize(ctx, bobToken, "reports", meta)
	require.NoError(t, err)
	_, err = h.engine.Revoke(ctx, alice, bob.ID, "reports", meta)
	require.NoError(t, err)

	g, err := h.engine.Grant(ctx, alice, grants.GrantRequest{UserID: bob.ID, SystemID: "reports", AccessLevel: "write"}, meta)
	require.NoError(t, err)
	require.True(t, g.CanAccess)
	require.Equal(t, "write", g.AccessLevel)
	require.EqualValues(t, 1, g.AccessCount)

	list, err := h.engine.ListGrants(ctx, alice, grants.ListFilter{UserID: bob.ID}, meta)
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = h.engine.Grant(ctx, alice, grants.GrantRequest{UserID: "missing", SystemID: "reports"}, meta)
	require.ErrorIs(t, err, auth.ErrUserNotFound)
}

func TestBootstrapAdminOnlyOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	first := h.bootstrap(t, "alice", "pw")
	require.Equal(t, auth.RoleAdmin, first.Role)
	last := h.lastEntry(t)
	require.Equal(t, audit.ActionBootstrap, last.Action)
	require.Equal(t, audit.StatusSuccess, last.Status)
	require.Equal(t, audit.SystemAuth, last.SystemID)

	_, err := h.engine.BootstrapAdmin(ctx, "carol", "pw", "", meta)
	require.ErrorIs(t, err, ErrAlreadyBootstrapped)
	require.Equal(t, audit.StatusDenied, h.lastEntry(t).Status)
}

func TestRejectedInputIsAudited(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.engine.BootstrapAdmin(ctx, "  ", "pw", "", meta)
	require.ErrorIs(t, err, auth.ErrInvalidInput)
	last := h.lastEntry(t)
	require.Equal(t, audit.ActionBootstrap, last.Action)
	require.Equal(t, audit.StatusDenied, last.Status)
	require.Equal(t, "invalid input", last.Reason)

	admin := h.bootstrap(t, "alice", "pw")
	alice := h.login(t, "alice", "pw")
	before := len(h.entries(t))

	_, err = h.engine.Authorize(ctx, alice, "   ", meta)
	require.ErrorIs(t, err, auth.ErrInvalidInput)
	all := h.entries(t)
	require.Len(t, all, before+1)
	last = all[len(all)-1]
	require.Equal(t, audit.ActionAuthorize, last.Action)
	require.Equal(t, audit.SystemUnknown, last.SystemID)
	require.Equal(t, audit.StatusDenied, last.Status)
	require.Equal(t, "invalid input", last.Reason)
	require.NotNil(t, last.UserID)
	require.Equal(t, admin.ID, *last.UserID)
	require.Equal(t, meta, last.Request)

	_, err = h.engine.Authorize(ctx, "", "", meta)
	require.ErrorIs(t, err, auth.ErrInvalidInput)
	last = h.lastEntry(t)
	require.Equal(t, audit.SystemUnknown, last.SystemID)
	require.Nil(t, last.UserID)

	h.audit.setFail(true)
	_, err = h.engine.Authorize(ctx, alice, "", meta)
	require.ErrorIs(t, err, ErrAuditWrite)
}

func TestConcurrentBootstrapCreatesOneAdmin(t *testing.T) {
	h := newHarness(t)
	const n = 8
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.engine.BootstrapAdmin(context.Background(), "admin"+string(rune('a'+i)), "pw", "", meta)
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)
	ok := 0
	for err := range results {
		if err == nil {
			ok++
			continue
		}
		require.ErrorIs(t, err, ErrAlreadyBootstrapped)
	}
	require.Equal(t, 1, ok)
}

func TestQueryAuditLogIsAudited(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.bootstrap(t, "alice", "pw")
	alice := h.login(t, "alice", "pw")

	page, err := h.engine.QueryAuditLog(ctx, alice, audit.Filter{Action: audit.ActionLogin}, meta)
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	last := h.lastEntry(t)
	require.Equal(t, audit.ActionQuery, last.Action)
	require.Equal(t, audit.StatusSuccess, last.Status)

	_, err = h.engine.QueryAuditLog(ctx, alice, audit.Filter{Expression: "system_id =="}, meta)
	require.ErrorIs(t, err, audit.ErrInvalidFilter)
	require.Equal(t, audit.StatusDenied, h.lastEntry(t).Status)
}

func TestVerifyAuditChainDetectsTampering(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.bootstrap(t, "alice", "pw")
	alice := h.login(t, "alice", "pw")
	_, err := h.engine.Authorize(ctx, alice, "reports", meta)
	require.NoError(t, err)

	report, err := h.engine.VerifyAuditChain(ctx, alice, meta)
	require.NoError(t, err)
	require.True(t, report.OK)

	require.True(t, h.store.Tamper(2, func(e *audit.Entry) { e.Status = audit.StatusDenied }))
	report, err = h.engine.VerifyAuditChain(ctx, alice, meta)
	require.NoError(t, err)
	require.False(t, report.OK)
	require.EqualValues(t, 2, report.BrokenSeq)
}

func TestCurrentPrincipal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.bootstrap(t, "alice", "pw")
	alice := h.login(t, "alice", "pw")

	u, err := h.engine.CurrentPrincipal(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, "alice", u.Username)

	h.engine.Logout(ctx, alice)
	_, err = h.engine.CurrentPrincipal(ctx, alice)
	require.ErrorIs(t, err, auth.ErrUnauthenticated)
}

func TestWatchAuditLog(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t)
	h.bootstrap(t, "alice", "pw")
	alice := h.login(t, "alice", "pw")
	bob := h.register(t, alice, "bob", "pw")
	bobToken := h.login(t, "bob", "pw")

	_, err := h.engine.WatchAuditLog(ctx, alice, meta)
	require.ErrorIs(t, err, ErrFeedDisabled)

	hub := stream.New(0)
	sessions, err := auth.NewSessionManager(h.store, testSecret)
	require.NoError(t, err)
	engine, err := New(h.store, sessions, grants.NewRegistry(h.store),
		audit.NewLog(h.store, audit.WithObserver(hub.Publish)), WithAuditFeed(hub))
	require.NoError(t, err)
	adminTok, err := engine.Login(ctx, "alice", "pw", meta)
	require.NoError(t, err)
	userTok, err := engine.Login(ctx, "bob", "pw", meta)
	require.NoError(t, err)

	_, err = engine.WatchAuditLog(ctx, userTok.Token, meta)
	require.ErrorIs(t, err, ErrForbidden)
	_, err = engine.WatchAuditLog(ctx, bobToken, meta)
	require.ErrorIs(t, err, auth.ErrUnauthenticated)

	ch, err := engine.WatchAuditLog(ctx, adminTok.Token, meta)
	require.NoError(t, err)
	_, err = engine.Authorize(ctx, userTok.Token, "reports", meta)
	require.NoError(t, err)

	select {
	case e := <-ch:
		require.Equal(t, audit.ActionAuthorize, e.Action)
		require.Equal(t, bob.ID, *e.UserID)
		require.Equal(t, audit.StatusDenied, e.Status)
	case <-time.After(time.Second):
		t.Fatal("no entry delivered to watcher")
	}
}
