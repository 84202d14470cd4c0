package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"authcore.dev/internal/audit"
)

const auditColumns = `id, seq, user_id, username, system_id, action, status, reason, ip, user_agent, method, path, occurred_at, prev_hash, hash`

// Append implements audit.Store. The single audit_chain row is the chain
// head; locking it serialises appenders so sequence numbers and hashes
// never fork.
func (s *Store) Append(ctx context.Context, e *audit.Entry) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		headSeq  int64
		headHash string
	)
	if err := tx.QueryRowContext(ctx, `select seq, hash from audit_chain where id = 1`+s.forUpdate()).Scan(&headSeq, &headHash); err != nil {
		return fmt.Errorf("read audit chain head: %w", err)
	}
	var headAt sql.NullTime
	if headSeq > 0 {
		err := tx.QueryRowContext(ctx, `select occurred_at from audit_log where seq = $1`, headSeq).Scan(&headAt)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read audit chain head time: %w", err)
		}
	}
	audit.Seal(e, headSeq, headHash, headAt.Time)

	var userID sql.NullString
	if e.UserID != nil {
		userID = sql.NullString{String: *e.UserID, Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `
		insert into audit_log (id, seq, user_id, username, system_id, action, status, reason, ip, user_agent, method, path, occurred_at, prev_hash, hash)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, e.ID, e.Seq, userID, e.Username, e.SystemID, e.Action, string(e.Status), e.Reason,
		e.Request.IP, e.Request.UserAgent, e.Request.Method, e.Request.Path,
		e.OccurredAt.UTC(), e.PrevHash, e.Hash); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `update audit_chain set seq = $1, hash = $2 where id = 1`, e.Seq, e.Hash); err != nil {
		return err
	}
	return tx.Commit()
}

// Query implements audit.Store.
func (s *Store) Query(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	args := []any{f.AfterSeq}
	where := []string{"seq > $1"}
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.SystemID != "" {
		add("system_id = $%d", f.SystemID)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if !f.Since.IsZero() {
		add("occurred_at >= $%d", f.Since.UTC())
	}
	if !f.Until.IsZero() {
		add("occurred_at < $%d", f.Until.UTC())
	}
	args = append(args, f.Limit)
	query := fmt.Sprintf(`select %s from audit_log where %s order by seq asc limit $%d`,
		auditColumns, strings.Join(where, " and "), len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var (
			e      audit.Entry
			userID sql.NullString
			status string
		)
		if err := rows.Scan(&e.ID, &e.Seq, &userID, &e.Username, &e.SystemID, &e.Action, &status, &e.Reason,
			&e.Request.IP, &e.Request.UserAgent, &e.Request.Method, &e.Request.Path,
			&e.OccurredAt, &e.PrevHash, &e.Hash); err != nil {
			return nil, err
		}
		if userID.Valid {
			uid := userID.String
			e.UserID = &uid
		}
		e.Status = audit.Status(status)
		e.OccurredAt = e.OccurredAt.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
