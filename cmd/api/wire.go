package main

import (
	"context"
	"fmt"

	"authcore.dev/internal/audit"
	"authcore.dev/internal/auth"
	"authcore.dev/internal/authz"
	"authcore.dev/internal/config"
	"authcore.dev/internal/grants"
	"authcore.dev/internal/migrate"
	"authcore.dev/internal/obs"
	"authcore.dev/internal/store/memory"
	"authcore.dev/internal/store/pg"
	"authcore.dev/internal/stream"
)

type backend interface {
	auth.UserStore
	grants.Store
	audit.Store
}

// deps holds everything built from configuration.
type deps struct {
	store  backend
	sql    *pg.Store // nil for the memory driver
	log    *audit.Log
	engine *authz.Engine
}

func (d *deps) Close() error {
	if d.sql != nil {
		return d.sql.Close()
	}
	return nil
}

func openStore(ctx context.Context, c config.Config) (backend, *pg.Store, error) {
	if c.Database.Driver == "memory" {
		obs.Logger().Warn("using in-memory store; state is lost on exit")
		return memory.New(), nil, nil
	}
	st, err := pg.Open(c.Database.Driver, c.Database.DSN,
		pg.WithPool(c.Database.MaxOpenConns, c.Database.MaxIdleConns, c.Database.ConnLifetime))
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := st.Ping(ctx); err != nil {
		_ = st.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}
	if c.Database.AutoMigrate {
		if _, err := migrate.NewManager(st.DB()).Up(ctx); err != nil {
			_ = st.Close()
			return nil, nil, fmt.Errorf("auto-migrate: %w", err)
		}
	}
	return st, st, nil
}

func build(ctx context.Context, c config.Config) (*deps, error) {
	st, sqlStore, err := openStore(ctx, c)
	if err != nil {
		return nil, err
	}
	hub := stream.New(0)
	d := &deps{store: st, sql: sqlStore, log: audit.NewLog(st, audit.WithObserver(hub.Publish))}
	sessions, err := auth.NewSessionManager(st, c.Auth.Secret,
		auth.WithIssuer(c.Auth.Issuer),
		auth.WithSessionTTL(c.Auth.SessionTTL),
		auth.WithMaxSessions(c.Auth.MaxSessions),
	)
	if err != nil {
		_ = d.Close()
		return nil, err
	}
	d.engine, err = authz.New(st, sessions, grants.NewRegistry(st), d.log, authz.WithAuditFeed(hub))
	if err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}
