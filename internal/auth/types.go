package auth

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Role is the authorisation tier of a principal.
type Role string

const (
	// RoleAdmin bypasses grant checks; every use is still audited.
	RoleAdmin Role = "admin"
	// RoleUser needs an explicit, unexpired grant per subsystem.
	RoleUser Role = "user"
)

// ParseRole normalises s into a Role, defaulting an empty value to RoleUser.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case "", RoleUser:
		return RoleUser, nil
	case RoleAdmin:
		return RoleAdmin, nil
	default:
		return "", fmt.Errorf("%w: unsupported role %q", ErrInvalidInput, s)
	}
}

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

// IsValidUsername reports whether username is 1-64 characters of
// letters, digits, dots, hyphens or underscores.
func IsValidUsername(username string) bool {
	return usernamePattern.MatchString(username)
}

// User is a principal. Username is immutable once created.
type User struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	Email        string     `json:"email,omitempty"`
	PasswordHash string     `json:"-"`
	Role         Role       `json:"role"`
	Verified     bool       `json:"verified"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// IsAdmin reports whether the user holds the admin role.
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// Session binds a bearer token to a principal. It is held server-side and
// must be presented by the caller on every call.
type Session struct {
	ID        string    `json:"id"`
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	Role      Role      `json:"role"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}
