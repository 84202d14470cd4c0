package auth

import (
	"context"
	"time"
)

// UserStore persists principals.
type UserStore interface {
	// CreateUser inserts u, assigning ID and CreatedAt when empty.
	// Returns ErrConflict when the username is taken.
	CreateUser(ctx context.Context, u *User) error
	// CreateAdminIfNone inserts u only while no admin exists. It reports
	// whether the row was created.
	CreateAdminIfNone(ctx context.Context, u *User) (bool, error)
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	// TouchLogin sets last_login for id.
	TouchLogin(ctx context.Context, id string, at time.Time) error
}
