package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// openPostgres connects the pool shared by the postgres credential store,
// denylist, claims source and audit sink, and registers its /readyz probe.
// Migrations are not applied here; run migrations/ before starting.
func (a *App) openPostgres(ctx context.Context) error {
	pcfg, err := pgxpool.ParseConfig(a.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("db: parse url: %w", err)
	}
	if a.cfg.DBMaxConns > 0 {
		pcfg.MaxConns = a.cfg.DBMaxConns
	}
	pcfg.MinConns = a.cfg.DBMinConns
	if a.cfg.DBMaxConnIdle > 0 {
		pcfg.MaxConnIdleTime = a.cfg.DBMaxConnIdle
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	check := postgresCheck(pool, a.cfg.DBPingTimeout)
	if err := check.ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("db: %w", err)
	}

	a.dbPool = pool
	a.closers = append(a.closers, func() error { pool.Close(); return nil })
	a.checks = append(a.checks, check)
	return nil
}

// postgresCheck reports ready once a connection can be acquired within timeout.
func postgresCheck(pool *pgxpool.Pool, timeout time.Duration) readinessCheck {
	return readinessCheck{name: "postgres", ping: func(parent context.Context) error {
		ctx, cancel := context.WithTimeout(parent, timeout)
		defer cancel()

		conn, err := pool.Acquire(ctx)
		if err != nil {
			return err
		}
		conn.Release()
		return nil
	}}
}
