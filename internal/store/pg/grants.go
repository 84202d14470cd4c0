package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"authcore.dev/internal/auth"
	"authcore.dev/internal/grants"
)

const grantColumns = `user_id, system_id, can_access, access_level, expires_at, granted_by, granted_at, last_accessed, access_count`

func scanGrant(row rowScanner) (grants.Grant, error) {
	var (
		g            grants.Grant
		expiresAt    sql.NullTime
		lastAccessed sql.NullTime
	)
	if err := row.Scan(&g.UserID, &g.SystemID, &g.CanAccess, &g.AccessLevel, &expiresAt, &g.GrantedBy, &g.GrantedAt, &lastAccessed, &g.AccessCount); err != nil {
		return grants.Grant{}, err
	}
	g.ExpiresAt = timePtr(expiresAt)
	g.LastAccessed = timePtr(lastAccessed)
	g.GrantedAt = g.GrantedAt.UTC()
	return g, nil
}

func (s *Store) selectGrant(ctx context.Context, tx *sql.Tx, userID, systemID string) (grants.Grant, error) {
	g, err := scanGrant(tx.QueryRowContext(ctx, `
		select `+grantColumns+`
		from access_grants
		where user_id = $1 and system_id = $2
	`, userID, systemID))
	if errors.Is(err, sql.ErrNoRows) {
		return grants.Grant{}, grants.ErrNotFound
	}
	return g, err
}

// UpsertGrant implements grants.Store.
func (s *Store) UpsertGrant(ctx context.Context, g grants.Grant) (grants.Grant, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return grants.Grant{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `select 1 from users where id = $1`, g.UserID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return grants.Grant{}, auth.ErrUserNotFound
	}
	if err != nil {
		return grants.Grant{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		insert into access_grants (user_id, system_id, can_access, access_level, expires_at, granted_by, granted_at, access_count)
		values ($1, $2, $3, $4, $5, $6, $7, 0)
		on conflict (user_id, system_id) do update
		set can_access = excluded.can_access,
			access_level = excluded.access_level,
			expires_at = excluded.expires_at,
			granted_by = excluded.granted_by,
			granted_at = excluded.granted_at
	`, g.UserID, g.SystemID, g.CanAccess, g.AccessLevel, nullTime(g.ExpiresAt), g.GrantedBy, g.GrantedAt.UTC()); err != nil {
		return grants.Grant{}, err
	}
	out, err := s.selectGrant(ctx, tx, g.UserID, g.SystemID)
	if err != nil {
		return grants.Grant{}, err
	}
	if err := tx.Commit(); err != nil {
		return grants.Grant{}, err
	}
	return out, nil
}

// RevokeGrant implements grants.Store.
func (s *Store) RevokeGrant(ctx context.Context, userID, systemID string) (grants.Grant, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return grants.Grant{}, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update access_grants set can_access = false
		where user_id = $1 and system_id = $2
	`, userID, systemID)
	if err != nil {
		return grants.Grant{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return grants.Grant{}, err
	}
	if n == 0 {
		return grants.Grant{}, grants.ErrNotFound
	}
	out, err := s.selectGrant(ctx, tx, userID, systemID)
	if err != nil {
		return grants.Grant{}, err
	}
	if err := tx.Commit(); err != nil {
		return grants.Grant{}, err
	}
	return out, nil
}

// CheckAndTouch implements grants.Store. The row is locked while the
// decision is made, and the increment itself is a single statement guarded
// by can_access so a concurrent revoke can never be counted as an access.
func (s *Store) CheckAndTouch(ctx context.Context, userID, systemID string, now time.Time) (grants.Decision, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return grants.Decision{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		g         grants.Grant
		expiresAt sql.NullTime
	)
	err = tx.QueryRowContext(ctx, `
		select can_access, access_level, expires_at
		from access_grants
		where user_id = $1 and system_id = $2`+s.forUpdate(),
		userID, systemID).Scan(&g.CanAccess, &g.AccessLevel, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return grants.Decision{Outcome: grants.OutcomeNoGrant}, nil
	}
	if err != nil {
		return grants.Decision{}, err
	}
	g.ExpiresAt = timePtr(expiresAt)
	if outcome := grants.Evaluate(&g, now); outcome != grants.OutcomeAllowed {
		return grants.Decision{Outcome: outcome}, nil
	}

	res, err := tx.ExecContext(ctx, `
		update access_grants
		set access_count = access_count + 1, last_accessed = $1
		where user_id = $2 and system_id = $3 and can_access = true
	`, now.UTC(), userID, systemID)
	if err != nil {
		return grants.Decision{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return grants.Decision{}, err
	}
	if n == 0 {
		return grants.Decision{Outcome: grants.OutcomeRevoked}, nil
	}

	var count int64
	if err := tx.QueryRowContext(ctx, `
		select access_count from access_grants where user_id = $1 and system_id = $2
	`, userID, systemID).Scan(&count); err != nil {
		return grants.Decision{}, err
	}
	if err := tx.Commit(); err != nil {
		return grants.Decision{}, err
	}
	return grants.Decision{
		Outcome:     grants.OutcomeAllowed,
		AccessLevel: g.AccessLevel,
		ExpiresAt:   g.ExpiresAt,
		AccessCount: count,
	}, nil
}

// GetGrant implements grants.Store.
func (s *Store) GetGrant(ctx context.Context, userID, systemID string) (grants.Grant, error) {
	g, err := scanGrant(s.db.QueryRowContext(ctx, `
		select `+grantColumns+`
		from access_grants
		where user_id = $1 and system_id = $2
	`, userID, systemID))
	if errors.Is(err, sql.ErrNoRows) {
		return grants.Grant{}, grants.ErrNotFound
	}
	return g, err
}

// ListGrants implements grants.Store.
func (s *Store) ListGrants(ctx context.Context, f grants.ListFilter) ([]grants.Grant, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		args = append(args, f.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if f.SystemID != "" {
		args = append(args, f.SystemID)
		where = append(where, fmt.Sprintf("system_id = $%d", len(args)))
	}
	if f.ActiveOnly {
		where = append(where, "can_access = true")
	}
	query := `select ` + grantColumns + ` from access_grants`
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	query += " order by user_id, system_id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" limit $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []grants.Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
