// Package authz is the decision engine. Every access decision and every
// administrative action flows through Engine, which writes exactly one audit
// entry per call before reporting its outcome.
package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"authcore.dev/internal/audit"
	"authcore.dev/internal/auth"
	"authcore.dev/internal/grants"
	"authcore.dev/internal/obs"
)

// Subsystems recorded for administrative entries that do not target a
// downstream tool.
const (
	systemAudit  = "audit"
	systemGrants = "grants"
)

// Audit reasons. They are recorded for operators and never returned to
// end users verbatim.
const (
	reasonNoSuchUser       = "no such user"
	reasonBadPassword      = "bad password"
	reasonNotAuthenticated = "not authenticated"
	reasonNoGrant          = "no access granted"
	reasonExpired          = "access expired"
	reasonRevoked          = "access revoked"
	reasonAdminBypass      = "admin bypass"
	reasonAdminRequired    = "admin role required"
	reasonGrantNotFound    = "grant not found"
	reasonUserNotFound     = "target user not found"
	reasonInvalidInput     = "invalid input"
	reasonUsernameTaken    = "username taken"
	reasonBootstrapped     = "admin already exists"
)

const actionListGrants = "grant.list"

// Reason classifies a denied verdict.
type Reason string

const (
	ReasonUnauthenticated Reason = "unauthenticated"
	ReasonNoGrant         Reason = "no-grant"
	ReasonExpired         Reason = "expired"
	ReasonRevoked         Reason = "revoked"
)

// Verdict is the result of Authorize. Reason is empty when Allowed.
type Verdict struct {
	Allowed     bool       `json:"allowed"`
	AccessLevel string     `json:"access_level,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Reason      Reason     `json:"reason,omitempty"`
}

// Engine composes the session manager, grant registry and audit log.
type Engine struct {
	users    auth.UserStore
	sessions *auth.SessionManager
	registry *grants.Registry
	log      *audit.Log
	feed     Feed
	now      func() time.Time
}

// Feed delivers audit entries as they are persisted.
type Feed interface {
	Subscribe(ctx context.Context) <-chan audit.Entry
}

// Option configures Engine.
type Option func(*Engine) error

// WithClock overrides the time source used for grant checks.
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) error {
		if fn != nil {
			e.now = fn
		}
		return nil
	}
}

// WithAuditFeed enables WatchAuditLog over feed.
func WithAuditFeed(feed Feed) Option {
	return func(e *Engine) error {
		e.feed = feed
		return nil
	}
}

// New constructs an Engine. All collaborators are required.
func New(users auth.UserStore, sessions *auth.SessionManager, registry *grants.Registry, log *audit.Log, opts ...Option) (*Engine, error) {
	if users == nil || sessions == nil || registry == nil || log == nil {
		return nil, errors.New("authz: users, sessions, registry and audit log are required")
	}
	e := &Engine{
		users:    users,
		sessions: sessions,
		registry: registry,
		log:      log,
		now:      time.Now,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *Engine) record(ctx context.Context, entry audit.Entry) error {
	if err := e.log.Append(ctx, &entry); err != nil {
		obs.RecordAuditFailure()
		obs.Logger().Error("audit_write_failed",
			slog.String("action", entry.Action),
			slog.String("system_id", entry.SystemID),
			slog.String("error", err.Error()))
		return fmt.Errorf("%w: %w", ErrAuditWrite, err)
	}
	obs.RecordDecision(entry.Action, string(entry.Status))
	return nil
}

func userRef(u *auth.User) *string {
	if u == nil {
		return nil
	}
	id := u.ID
	return &id
}

// Login verifies credentials and opens a session. The attempt is audited
// whatever its outcome; a success whose audit write fails is rolled back.
func (e *Engine) Login(ctx context.Context, username, password string, meta audit.RequestMeta) (auth.Session, error) {
	username = strings.TrimSpace(username)
	sess, user, err := e.sessions.Login(ctx, username, password)
	entry := audit.Entry{
		UserID:   userRef(user),
		Username: username,
		SystemID: audit.SystemAuth,
		Action:   audit.ActionLogin,
		Status:   audit.StatusSuccess,
		Request:  meta,
	}
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrUserNotFound):
		entry.Status, entry.Reason = audit.StatusDenied, reasonNoSuchUser
	case errors.Is(err, auth.ErrInvalidCredentials):
		entry.Status, entry.Reason = audit.StatusDenied, reasonBadPassword
	default:
		return auth.Session{}, persistence(err)
	}
	if auditErr := e.record(ctx, entry); auditErr != nil {
		if err == nil {
			e.sessions.Logout(sess.Token)
		}
		return auth.Session{}, auditErr
	}
	if err != nil {
		return auth.Session{}, err
	}
	return sess, nil
}

// Logout ends the session behind token. It is idempotent and not audited.
func (e *Engine) Logout(_ context.Context, token string) {
	e.sessions.Logout(token)
}

// CurrentPrincipal resolves token to its user.
func (e *Engine) CurrentPrincipal(ctx context.Context, token string) (*auth.User, error) {
	user, _, err := e.sessions.CurrentPrincipal(ctx, token)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthenticated) {
			return nil, err
		}
		return nil, persistence(err)
	}
	return user, nil
}

// Authorize decides whether the session behind token may use systemID. The
// decision is audited before it is returned; if the audit write fails no
// verdict is returned.
func (e *Engine) Authorize(ctx context.Context, token, systemID string, meta audit.RequestMeta) (Verdict, error) {
	systemID = strings.TrimSpace(systemID)
	if systemID == "" {
		rejected := audit.Entry{
			SystemID: audit.SystemUnknown,
			Action:   audit.ActionAuthorize,
			Status:   audit.StatusDenied,
			Reason:   reasonInvalidInput,
			Request:  meta,
		}
		if user, _, err := e.sessions.CurrentPrincipal(ctx, token); err == nil {
			rejected.UserID, rejected.Username = userRef(user), user.Username
		}
		if err := e.record(ctx, rejected); err != nil {
			return Verdict{}, err
		}
		return Verdict{}, fmt.Errorf("%w: system is required", auth.ErrInvalidInput)
	}
	entry := audit.Entry{
		SystemID: systemID,
		Action:   audit.ActionAuthorize,
		Request:  meta,
	}

	user, _, err := e.sessions.CurrentPrincipal(ctx, token)
	if err != nil {
		if !errors.Is(err, auth.ErrUnauthenticated) {
			return Verdict{}, persistence(err)
		}
		entry.Status, entry.Reason = audit.StatusDenied, reasonNotAuthenticated
		if err := e.record(ctx, entry); err != nil {
			return Verdict{}, err
		}
		return Verdict{Reason: ReasonUnauthenticated}, nil
	}
	entry.UserID = userRef(user)
	entry.Username = user.Username

	if user.IsAdmin() {
		entry.Status, entry.Reason = audit.StatusSuccess, reasonAdminBypass
		if err := e.record(ctx, entry); err != nil {
			return Verdict{}, err
		}
		return Verdict{Allowed: true, AccessLevel: string(auth.RoleAdmin)}, nil
	}

	decision, err := e.registry.CheckAndTouch(ctx, user.ID, systemID, e.now())
	if err != nil {
		return Verdict{}, persistence(err)
	}
	var verdict Verdict
	switch decision.Outcome {
	case grants.OutcomeAllowed:
		entry.Status = audit.StatusSuccess
		verdict = Verdict{Allowed: true, AccessLevel: decision.AccessLevel, ExpiresAt: decision.ExpiresAt}
	case grants.OutcomeExpired:
		entry.Status, entry.Reason = audit.StatusDenied, reasonExpired
		verdict = Verdict{Reason: ReasonExpired}
	case grants.OutcomeRevoked:
		entry.Status, entry.Reason = audit.StatusDenied, reasonRevoked
		verdict = Verdict{Reason: ReasonRevoked}
	default:
		entry.Status, entry.Reason = audit.StatusDenied, reasonNoGrant
		verdict = Verdict{Reason: ReasonNoGrant}
	}
	if err := e.record(ctx, entry); err != nil {
		return Verdict{}, err
	}
	return verdict, nil
}

// requireAdmin resolves token and checks the admin role. Rejections are
// audited against action and systemID.
func (e *Engine) requireAdmin(ctx context.Context, token, action, systemID string, meta audit.RequestMeta) (*auth.User, error) {
	entry := audit.Entry{
		SystemID: systemID,
		Action:   action,
		Status:   audit.StatusDenied,
		Request:  meta,
	}
	user, _, err := e.sessions.CurrentPrincipal(ctx, token)
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		entry.Reason = reasonNotAuthenticated
		if auditErr := e.record(ctx, entry); auditErr != nil {
			return nil, auditErr
		}
		return nil, err
	case err != nil:
		return nil, persistence(err)
	case !user.IsAdmin():
		entry.UserID, entry.Username, entry.Reason = userRef(user), user.Username, reasonAdminRequired
		if auditErr := e.record(ctx, entry); auditErr != nil {
			return nil, auditErr
		}
		return nil, ErrForbidden
	}
	return user, nil
}

// adminOutcome audits the result of an admin action performed by admin.
// Expected failures are recorded as denied with the reason picked by
// classify; storage failures are not audited and surface as ErrPersistence.
func (e *Engine) adminOutcome(ctx context.Context, admin *auth.User, action, systemID, detail string, meta audit.RequestMeta, opErr error) error {
	entry := audit.Entry{
		UserID:   userRef(admin),
		Username: admin.Username,
		SystemID: systemID,
		Action:   action,
		Status:   audit.StatusSuccess,
		Reason:   detail,
		Request:  meta,
	}
	if opErr != nil {
		reason, expected := classify(opErr)
		if !expected {
			return persistence(opErr)
		}
		entry.Status, entry.Reason = audit.StatusDenied, reason
	}
	if err := e.record(ctx, entry); err != nil {
		return err
	}
	return opErr
}

func classify(err error) (string, bool) {
	switch {
	case errors.Is(err, grants.ErrNotFound):
		return reasonGrantNotFound, true
	case errors.Is(err, auth.ErrUserNotFound):
		return reasonUserNotFound, true
	case errors.Is(err, auth.ErrConflict):
		return reasonUsernameTaken, true
	case errors.Is(err, auth.ErrInvalidInput), errors.Is(err, audit.ErrInvalidFilter):
		return reasonInvalidInput, true
	default:
		return "", false
	}
}

// Grant gives req.UserID access to req.SystemID on behalf of the admin
// behind token. req.AdminID is taken from the session.
func (e *Engine) Grant(ctx context.Context, token string, req grants.GrantRequest, meta audit.RequestMeta) (grants.Grant, error) {
	systemID := strings.TrimSpace(req.SystemID)
	if systemID == "" {
		systemID = systemGrants
	}
	admin, err := e.requireAdmin(ctx, token, audit.ActionGrant, systemID, meta)
	if err != nil {
		return grants.Grant{}, err
	}
	req.AdminID = admin.ID
	g, opErr := e.registry.Grant(ctx, req)
	detail := "target user " + strings.TrimSpace(req.UserID)
	if err := e.adminOutcome(ctx, admin, audit.ActionGrant, systemID, detail, meta, opErr); err != nil {
		return grants.Grant{}, err
	}
	return g, nil
}

// Revoke disables userID's access to systemID. Revoking twice succeeds;
// a pair that was never granted yields grants.ErrNotFound.
func (e *Engine) Revoke(ctx context.Context, token, userID, systemID string, meta audit.RequestMeta) (grants.Grant, error) {
	auditSystem := strings.TrimSpace(systemID)
	if auditSystem == "" {
		auditSystem = systemGrants
	}
	admin, err := e.requireAdmin(ctx, token, audit.ActionRevoke, auditSystem, meta)
	if err != nil {
		return grants.Grant{}, err
	}
	g, opErr := e.registry.Revoke(ctx, admin.ID, userID, systemID)
	detail := "target user " + strings.TrimSpace(userID)
	if err := e.adminOutcome(ctx, admin, audit.ActionRevoke, auditSystem, detail, meta, opErr); err != nil {
		return grants.Grant{}, err
	}
	return g, nil
}

// ListGrants returns grants matching f for admin views.
func (e *Engine) ListGrants(ctx context.Context, token string, f grants.ListFilter, meta audit.RequestMeta) ([]grants.Grant, error) {
	admin, err := e.requireAdmin(ctx, token, actionListGrants, systemGrants, meta)
	if err != nil {
		return nil, err
	}
	list, opErr := e.registry.List(ctx, f)
	if err := e.adminOutcome(ctx, admin, actionListGrants, systemGrants, "", meta, opErr); err != nil {
		return nil, err
	}
	return list, nil
}

// QueryAuditLog returns a page of audit entries. The query itself is
// audited before results are released.
func (e *Engine) QueryAuditLog(ctx context.Context, token string, f audit.Filter, meta audit.RequestMeta) (audit.Page, error) {
	admin, err := e.requireAdmin(ctx, token, audit.ActionQuery, systemAudit, meta)
	if err != nil {
		return audit.Page{}, err
	}
	page, opErr := e.log.Query(ctx, f)
	if err := e.adminOutcome(ctx, admin, audit.ActionQuery, systemAudit, "", meta, opErr); err != nil {
		return audit.Page{}, err
	}
	return page, nil
}

// VerifyAuditChain walks the audit chain and reports the first broken link.
func (e *Engine) VerifyAuditChain(ctx context.Context, token string, meta audit.RequestMeta) (audit.VerifyReport, error) {
	admin, err := e.requireAdmin(ctx, token, audit.ActionVerify, systemAudit, meta)
	if err != nil {
		return audit.VerifyReport{}, err
	}
	report, opErr := e.log.Verify(ctx)
	if err := e.adminOutcome(ctx, admin, audit.ActionVerify, systemAudit, "", meta, opErr); err != nil {
		return audit.VerifyReport{}, err
	}
	if !report.OK {
		obs.Logger().Warn("audit_chain_broken",
			slog.Int64("broken_seq", report.BrokenSeq),
			slog.String("problem", report.Problem))
	}
	return report, nil
}

// WatchAuditLog subscribes the admin behind token to entries appended from
// now on. The subscription ends with ctx.
func (e *Engine) WatchAuditLog(ctx context.Context, token string, meta audit.RequestMeta) (<-chan audit.Entry, error) {
	admin, err := e.requireAdmin(ctx, token, audit.ActionWatch, systemAudit, meta)
	if err != nil {
		return nil, err
	}
	if e.feed == nil {
		return nil, ErrFeedDisabled
	}
	if err := e.adminOutcome(ctx, admin, audit.ActionWatch, systemAudit, "", meta, nil); err != nil {
		return nil, err
	}
	return e.feed.Subscribe(ctx), nil
}

// NewUser describes a principal to register.
type NewUser struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
	Role     string `json:"role"`
}

func buildUser(in NewUser, role auth.Role) (*auth.User, error) {
	username := strings.TrimSpace(in.Username)
	if !auth.IsValidUsername(username) {
		return nil, fmt.Errorf("%w: invalid username", auth.ErrInvalidInput)
	}
	digest, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	return &auth.User{
		Username:     username,
		Email:        strings.TrimSpace(in.Email),
		PasswordHash: digest,
		Role:         role,
	}, nil
}

// RegisterUser creates a principal on behalf of the admin behind token.
func (e *Engine) RegisterUser(ctx context.Context, token string, in NewUser, meta audit.RequestMeta) (auth.User, error) {
	admin, err := e.requireAdmin(ctx, token, audit.ActionRegister, audit.SystemAuth, meta)
	if err != nil {
		return auth.User{}, err
	}
	var user *auth.User
	role, opErr := auth.ParseRole(in.Role)
	if opErr == nil {
		user, opErr = buildUser(in, role)
	}
	if opErr == nil {
		opErr = e.users.CreateUser(ctx, user)
	}
	detail := "username " + strings.TrimSpace(in.Username)
	if err := e.adminOutcome(ctx, admin, audit.ActionRegister, audit.SystemAuth, detail, meta, opErr); err != nil {
		return auth.User{}, err
	}
	return *user, nil
}

// BootstrapAdmin creates the first admin. It is rejected once any admin
// exists.
func (e *Engine) BootstrapAdmin(ctx context.Context, username, password, email string, meta audit.RequestMeta) (auth.User, error) {
	entry := audit.Entry{
		Username: strings.TrimSpace(username),
		SystemID: audit.SystemAuth,
		Action:   audit.ActionBootstrap,
		Status:   audit.StatusSuccess,
		Request:  meta,
	}
	user, err := buildUser(NewUser{Username: username, Password: password, Email: email}, auth.RoleAdmin)
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidInput) {
			return auth.User{}, err
		}
		entry.Status, entry.Reason = audit.StatusDenied, reasonInvalidInput
		if auditErr := e.record(ctx, entry); auditErr != nil {
			return auth.User{}, auditErr
		}
		return auth.User{}, err
	}
	created, err := e.users.CreateAdminIfNone(ctx, user)
	switch {
	case errors.Is(err, auth.ErrConflict):
		entry.Status, entry.Reason = audit.StatusDenied, reasonUsernameTaken
	case err != nil:
		return auth.User{}, persistence(err)
	case !created:
		entry.Status, entry.Reason = audit.StatusDenied, reasonBootstrapped
		err = ErrAlreadyBootstrapped
	default:
		entry.UserID = userRef(user)
	}
	if auditErr := e.record(ctx, entry); auditErr != nil {
		return auth.User{}, auditErr
	}
	if err != nil {
		return auth.User{}, err
	}
	obs.Logger().Info("admin_bootstrapped", slog.String("user_id", user.ID), slog.String("username", user.Username))
	return *user, nil
}
