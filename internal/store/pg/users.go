package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"authcore.dev/internal/auth"
	"authcore.dev/internal/ids"
)

const userColumns = `id, username, email, password_hash, role, verified, last_login, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*auth.User, error) {
	var (
		u         auth.User
		role      string
		lastLogin sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &role, &u.Verified, &lastLogin, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.Role = auth.Role(role)
	u.LastLogin = timePtr(lastLogin)
	u.CreatedAt = u.CreatedAt.UTC()
	return &u, nil
}

func prepareUser(u *auth.User) {
	if u.ID == "" {
		u.ID = ids.New()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	u.CreatedAt = u.CreatedAt.UTC().Truncate(time.Microsecond)
}

func insertUser(ctx context.Context, exec interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, u *auth.User) error {
	_, err := exec.ExecContext(ctx, `
		insert into users (id, username, email, password_hash, role, verified, created_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, u.ID, u.Username, strings.TrimSpace(u.Email), u.PasswordHash, string(u.Role), u.Verified, u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return auth.ErrConflict
		}
		return err
	}
	return nil
}

// CreateUser implements auth.UserStore.
func (s *Store) CreateUser(ctx context.Context, u *auth.User) error {
	prepareUser(u)
	return insertUser(ctx, s.db, u)
}

// CreateAdminIfNone implements auth.UserStore. On Postgres the users table
// is locked against concurrent writers for the duration of the check.
func (s *Store) CreateAdminIfNone(ctx context.Context, u *auth.User) (bool, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	if s.driver == DriverPostgres {
		if _, err := tx.ExecContext(ctx, `lock table users in share row exclusive mode`); err != nil {
			return false, err
		}
	}
	var admins int
	if err := tx.QueryRowContext(ctx, `select count(*) from users where role = $1`, string(auth.RoleAdmin)).Scan(&admins); err != nil {
		return false, err
	}
	if admins > 0 {
		return false, nil
	}
	prepareUser(u)
	if err := insertUser(ctx, tx, u); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// GetUser implements auth.UserStore.
func (s *Store) GetUser(ctx context.Context, id string) (*auth.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrUserNotFound
	}
	return u, err
}

// GetUserByUsername implements auth.UserStore.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*auth.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where username = $1`, username))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrUserNotFound
	}
	return u, err
}

// TouchLogin implements auth.UserStore.
func (s *Store) TouchLogin(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `update users set last_login = $1 where id = $2`, at.UTC().Truncate(time.Microsecond), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrUserNotFound
	}
	return nil
}
