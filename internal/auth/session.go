package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"authcore.dev/internal/obs"
)

const (
	defaultIssuer      = "authcore"
	defaultSessionTTL  = 12 * time.Hour
	defaultMaxSessions = 10000
)

// sessionClaims is the JWT payload. ID carries the session id.
type sessionClaims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// SessionManager issues and resolves bearer sessions. Tokens are HS256 JWTs
// whose session id must also be live in the manager's store, so logout takes
// effect before the token expires.
type SessionManager struct {
	users  UserStore
	secret []byte
	issuer string
	ttl    time.Duration
	max    int
	now    func() time.Time
	live   *expirable.LRU[string, Session]

	evictions atomic.Uint64
}

// SessionOption configures SessionManager.
type SessionOption func(*SessionManager) error

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) SessionOption {
	return func(m *SessionManager) error {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			m.issuer = issuer
		}
		return nil
	}
}

// WithSessionTTL configures session lifetime.
func WithSessionTTL(ttl time.Duration) SessionOption {
	return func(m *SessionManager) error {
		if ttl <= 0 {
			return errors.New("auth: session ttl must be positive")
		}
		m.ttl = ttl
		return nil
	}
}

// WithMaxSessions bounds the number of live sessions; the least recently
// used session is dropped when the bound is exceeded. Each drop is logged
// and counted.
func WithMaxSessions(n int) SessionOption {
	return func(m *SessionManager) error {
		if n <= 0 {
			return errors.New("auth: max sessions must be positive")
		}
		m.max = n
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) SessionOption {
	return func(m *SessionManager) error {
		if fn != nil {
			m.now = fn
		}
		return nil
	}
}

// NewSessionManager constructs a SessionManager signing tokens with secret.
func NewSessionManager(users UserStore, secret string, opts ...SessionOption) (*SessionManager, error) {
	if users == nil {
		return nil, errors.New("auth: user store is required")
	}
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: session secret is required")
	}
	m := &SessionManager{
		users:  users,
		secret: []byte(secret),
		issuer: defaultIssuer,
		ttl:    defaultSessionTTL,
		max:    defaultMaxSessions,
		now:    time.Now,
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	m.live = expirable.NewLRU[string, Session](m.max, nil, m.ttl)
	return m, nil
}

// Login verifies credentials and opens a session. On ErrInvalidCredentials
// the resolved user is still returned so callers can attribute the attempt.
func (m *SessionManager) Login(ctx context.Context, username, password string) (Session, *User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return Session{}, nil, ErrUserNotFound
	}
	user, err := m.users.GetUserByUsername(ctx, username)
	if err != nil {
		return Session{}, nil, err
	}
	if !VerifyPassword(password, user.PasswordHash) {
		return Session{}, user, ErrInvalidCredentials
	}

	now := m.now().UTC()
	if err := m.users.TouchLogin(ctx, user.ID, now); err != nil {
		return Session{}, user, fmt.Errorf("record login: %w", err)
	}
	user.LastLogin = &now

	sess, err := m.issue(user, now)
	if err != nil {
		return Session{}, user, err
	}
	return sess, user, nil
}

func (m *SessionManager) issue(user *User, now time.Time) (Session, error) {
	sess := Session{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		Role:      user.Role,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.ttl),
	}
	claims := sessionClaims{
		Role: user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   user.ID,
			ID:        sess.ID,
			IssuedAt:  jwt.NewNumericDate(sess.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return Session{}, fmt.Errorf("sign session token: %w", err)
	}
	sess.Token = signed
	if m.live.Add(sess.ID, sess) {
		m.evictions.Add(1)
		obs.RecordSessionEviction()
		obs.Logger().Warn("session_evicted",
			slog.String("reason", "max_sessions"),
			slog.Int("max_sessions", m.max),
			slog.String("new_session_user_id", user.ID))
	}
	return sess, nil
}

// Logout destroys the session behind token. Unknown, expired or malformed
// tokens are ignored.
func (m *SessionManager) Logout(token string) {
	claims, err := m.parse(token, jwt.WithoutClaimsValidation())
	if err != nil {
		return
	}
	m.live.Remove(claims.ID)
}

// CurrentPrincipal resolves token to its live session and current user
// record. Any failure to resolve is reported as ErrUnauthenticated; storage
// failures are returned as-is.
func (m *SessionManager) CurrentPrincipal(ctx context.Context, token string) (*User, Session, error) {
	claims, err := m.parse(token,
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, Session{}, ErrUnauthenticated
	}
	sess, ok := m.live.Get(claims.ID)
	if !ok || sess.UserID != claims.Subject {
		return nil, Session{}, ErrUnauthenticated
	}
	if !m.now().Before(sess.ExpiresAt) {
		m.live.Remove(sess.ID)
		return nil, Session{}, ErrUnauthenticated
	}
	user, err := m.users.GetUser(ctx, sess.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, Session{}, ErrUnauthenticated
		}
		return nil, Session{}, err
	}
	return user, sess, nil
}

// LiveSessions reports how many sessions are currently held.
func (m *SessionManager) LiveSessions() int {
	return m.live.Len()
}

// Evictions reports how many live sessions were dropped at capacity.
func (m *SessionManager) Evictions() uint64 {
	return m.evictions.Load()
}

func (m *SessionManager) parse(token string, opts ...jwt.ParserOption) (*sessionClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrUnauthenticated
	}
	opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	parsed, err := jwt.ParseWithClaims(token, &sessionClaims{}, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*sessionClaims)
	if !ok || claims.ID == "" || claims.Subject == "" {
		return nil, ErrUnauthenticated
	}
	return claims, nil
}
