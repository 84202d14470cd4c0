// Package pg persists users, grants and the audit chain through database/sql.
// It targets Postgres via pgx and SQLite via go-sqlite3; the SQL is written
// in the subset both understand.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"authcore.dev/internal/audit"
	"authcore.dev/internal/auth"
	"authcore.dev/internal/grants"
)

// Supported database/sql driver names.
const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite3"
)

// ErrUnsupportedDriver is returned by Open for unknown driver names.
var ErrUnsupportedDriver = errors.New("pg: unsupported driver")

type Store struct {
	db     *sql.DB
	driver string
}

var (
	_ auth.UserStore = (*Store)(nil)
	_ grants.Store   = (*Store)(nil)
	_ audit.Store    = (*Store)(nil)
)

// Option configures the connection pool.
type Option func(*sql.DB)

// WithPool overrides pool sizing. Ignored for SQLite, which always uses a
// single connection.
func WithPool(maxOpen, maxIdle int, lifetime time.Duration) Option {
	return func(db *sql.DB) {
		if maxOpen > 0 {
			db.SetMaxOpenConns(maxOpen)
		}
		if maxIdle > 0 {
			db.SetMaxIdleConns(maxIdle)
		}
		if lifetime > 0 {
			db.SetConnMaxLifetime(lifetime)
		}
	}
}

// Open connects with driver ("pgx" or "sqlite3") to dsn.
func Open(driver, dsn string, opts ...Option) (*Store, error) {
	switch driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		// SQLite allows one writer; a single connection serialises every
		// transaction instead of surfacing SQLITE_BUSY.
		db.SetMaxOpenConns(1)
		return &Store{db: db, driver: driver}, nil
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	for _, opt := range opts {
		opt(db)
	}
	return &Store{db: db, driver: driver}, nil
}

// New wraps an existing handle. driver selects the SQL dialect.
func New(db *sql.DB, driver string) *Store {
	return &Store{db: db, driver: driver}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Driver reports the dialect in use.
func (s *Store) Driver() string { return s.driver }

// Ping checks connectivity; used by readiness probes.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// forUpdate returns the row-locking suffix for the dialect. SQLite has no
// row locks; its single connection already serialises transactions.
func (s *Store) forUpdate() string {
	if s.driver == DriverPostgres {
		return " for update"
	}
	return ""
}

func (s *Store) begin(ctx context.Context) (*sql.Tx, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	return s.db.BeginTx(ctx, nil)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
