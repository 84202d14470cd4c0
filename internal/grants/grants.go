// Package grants owns per-subsystem access rights: who may reach which
// downstream tool, at what level, until when.
package grants

import (
	"context"
	"errors"
	"time"
)

// DefaultAccessLevel is applied when a grant request names no level.
const DefaultAccessLevel = "read"

// ErrNotFound is returned when no grant row exists for a (user, system) pair.
var ErrNotFound = errors.New("grants: not found")

// Grant is the single row held per (UserID, SystemID).
type Grant struct {
	UserID       string     `json:"user_id"`
	SystemID     string     `json:"system_id"`
	CanAccess    bool       `json:"can_access"`
	AccessLevel  string     `json:"access_level"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	GrantedBy    string     `json:"granted_by"`
	GrantedAt    time.Time  `json:"granted_at"`
	LastAccessed *time.Time `json:"last_accessed,omitempty"`
	AccessCount  int64      `json:"access_count"`
}

// GrantRequest asks for (UserID, SystemID) to be granted or re-granted.
type GrantRequest struct {
	AdminID     string
	UserID      string
	SystemID    string
	AccessLevel string
	ExpiresAt   *time.Time
}

// Outcome classifies a CheckAndTouch result.
type Outcome string

const (
	OutcomeNoGrant Outcome = "no-grant"
	OutcomeExpired Outcome = "expired"
	OutcomeRevoked Outcome = "revoked"
	OutcomeAllowed Outcome = "allowed"
)

// Decision is the result of CheckAndTouch. AccessLevel, ExpiresAt and
// AccessCount are only meaningful when the outcome is OutcomeAllowed;
// AccessCount is the value after the increment.
type Decision struct {
	Outcome     Outcome
	AccessLevel string
	ExpiresAt   *time.Time
	AccessCount int64
}

// Allowed reports whether the decision grants access.
func (d Decision) Allowed() bool { return d.Outcome == OutcomeAllowed }

// Evaluate classifies g at now without side effects. A revoked row stays
// revoked regardless of its expiry.
func Evaluate(g *Grant, now time.Time) Outcome {
	switch {
	case g == nil:
		return OutcomeNoGrant
	case !g.CanAccess:
		return OutcomeRevoked
	case g.ExpiresAt != nil && !now.Before(*g.ExpiresAt):
		return OutcomeExpired
	default:
		return OutcomeAllowed
	}
}

// ListFilter narrows ListGrants. Zero values match everything.
type ListFilter struct {
	UserID   string
	SystemID string
	// ActiveOnly excludes revoked grants. Expired grants are still listed.
	ActiveOnly bool
	Limit      int
}

// Store persists grants. Every method is a single-row transaction.
type Store interface {
	// UpsertGrant inserts g with AccessCount 0 or updates the existing row's
	// CanAccess, AccessLevel, ExpiresAt, GrantedBy and GrantedAt, keeping
	// its counters. Returns auth.ErrUserNotFound for an unknown user.
	UpsertGrant(ctx context.Context, g Grant) (Grant, error)
	// RevokeGrant clears CanAccess; ErrNotFound when no row exists.
	RevokeGrant(ctx context.Context, userID, systemID string) (Grant, error)
	// CheckAndTouch evaluates the row at now and, when allowed, increments
	// access_count and sets last_accessed in one atomic statement.
	CheckAndTouch(ctx context.Context, userID, systemID string, now time.Time) (Decision, error)
	GetGrant(ctx context.Context, userID, systemID string) (Grant, error)
	ListGrants(ctx context.Context, f ListFilter) ([]Grant, error)
}
