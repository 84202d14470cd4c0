package grants

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"authcore.dev/internal/auth"
	"authcore.dev/internal/obs"
)

const maxListLimit = 1000

// Registry validates grant operations and delegates them to a Store. It
// trusts its caller to have authorised the admin.
type Registry struct {
	store Store
	now   func() time.Time
}

// RegistryOption configures Registry.
type RegistryOption func(*Registry)

// WithClock overrides the time source used for GrantedAt.
func WithClock(fn func() time.Time) RegistryOption {
	return func(r *Registry) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewRegistry constructs a Registry backed by store.
func NewRegistry(store Store, opts ...RegistryOption) *Registry {
	r := &Registry{store: store, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func normalizePair(userID, systemID string) (string, string, error) {
	userID = strings.TrimSpace(userID)
	systemID = strings.TrimSpace(systemID)
	if userID == "" || systemID == "" {
		return "", "", fmt.Errorf("%w: user and system are required", auth.ErrInvalidInput)
	}
	return userID, systemID, nil
}

// Grant upserts access for req.UserID to req.SystemID.
func (r *Registry) Grant(ctx context.Context, req GrantRequest) (Grant, error) {
	userID, systemID, err := normalizePair(req.UserID, req.SystemID)
	if err != nil {
		return Grant{}, err
	}
	level := strings.TrimSpace(req.AccessLevel)
	if level == "" {
		level = DefaultAccessLevel
	}
	g := Grant{
		UserID:      userID,
		SystemID:    systemID,
		CanAccess:   true,
		AccessLevel: level,
		GrantedBy:   strings.TrimSpace(req.AdminID),
		GrantedAt:   r.now().UTC().Truncate(time.Microsecond),
	}
	if req.ExpiresAt != nil {
		if req.ExpiresAt.IsZero() {
			return Grant{}, fmt.Errorf("%w: expiry must be a valid time", auth.ErrInvalidInput)
		}
		exp := req.ExpiresAt.UTC().Truncate(time.Microsecond)
		g.ExpiresAt = &exp
	}
	out, err := r.store.UpsertGrant(ctx, g)
	if err != nil {
		return Grant{}, err
	}
	obs.Logger().Info("grant_upserted",
		slog.String("admin_id", g.GrantedBy),
		slog.String("user_id", userID),
		slog.String("system_id", systemID),
		slog.String("access_level", level))
	return out, nil
}

// Revoke disables the grant for (userID, systemID). Revoking an already
// revoked grant succeeds.
func (r *Registry) Revoke(ctx context.Context, adminID, userID, systemID string) (Grant, error) {
	userID, systemID, err := normalizePair(userID, systemID)
	if err != nil {
		return Grant{}, err
	}
	out, err := r.store.RevokeGrant(ctx, userID, systemID)
	if err != nil {
		return Grant{}, err
	}
	obs.Logger().Info("grant_revoked",
		slog.String("admin_id", adminID),
		slog.String("user_id", userID),
		slog.String("system_id", systemID))
	return out, nil
}

// CheckAndTouch decides access for (userID, systemID) at now.
func (r *Registry) CheckAndTouch(ctx context.Context, userID, systemID string, now time.Time) (Decision, error) {
	userID, systemID, err := normalizePair(userID, systemID)
	if err != nil {
		return Decision{}, err
	}
	return r.store.CheckAndTouch(ctx, userID, systemID, now.UTC().Truncate(time.Microsecond))
}

// Get returns the grant for (userID, systemID).
func (r *Registry) Get(ctx context.Context, userID, systemID string) (Grant, error) {
	userID, systemID, err := normalizePair(userID, systemID)
	if err != nil {
		return Grant{}, err
	}
	return r.store.GetGrant(ctx, userID, systemID)
}

// List returns grants ordered by user then system.
func (r *Registry) List(ctx context.Context, f ListFilter) ([]Grant, error) {
	f.UserID = strings.TrimSpace(f.UserID)
	f.SystemID = strings.TrimSpace(f.SystemID)
	if f.Limit <= 0 || f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	return r.store.ListGrants(ctx, f)
}
