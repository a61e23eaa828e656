// Package app wires the warden server runtime: config, logging, storage
// drivers, HTTP routes, and metrics.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	authapi "warden/cmd/internal/auth/api"
	"warden/cmd/internal/auth/audit"
	"warden/cmd/internal/auth/denylist"
	"warden/cmd/internal/auth/session"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

// readinessCheck is one dependency probed by /readyz.
type readinessCheck struct {
	name string
	ping func(ctx context.Context) error
}

// App is the warden server runtime: it owns the HTTP server and the
// lifecycles of the stores behind the session service.
type App struct {
	cfg Config
	log Logger

	dbPool  *pgxpool.Pool
	checks  []readinessCheck
	closers []func() error

	registry *prometheus.Registry
	sessions *session.Service
	auth     *authapi.Handler
}

// New constructs a fully wired App instance from config and logger.
// Session and auth API settings are read from the environment.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, nil)
	}
	sessCfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("session config: %w", err)
	}
	authCfg, err := authapi.LoadConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("auth config: %w", err)
	}
	return newApp(context.Background(), cfg, sessCfg, authCfg, log)
}

func newApp(ctx context.Context, cfg Config, sessCfg session.Config, authCfg authapi.Config, log Logger) (_ *App, err error) {
	a := &App{
		cfg:      cfg,
		log:      log,
		registry: prometheus.NewRegistry(),
	}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if cfg.DatabaseURL != "" {
		if err := a.openPostgres(ctx); err != nil {
			return nil, err
		}
		log.Info("db.enabled.postgres")
	}

	store, err := a.newStore(ctx)
	if err != nil {
		return nil, err
	}
	deny, err := a.newDenylist()
	if err != nil {
		return nil, err
	}

	tokens, err := session.NewAccessTokenManager(sessCfg)
	if err != nil {
		return nil, fmt.Errorf("access tokens: %w", err)
	}
	hasher, err := newSecretHasher(sessCfg)
	if err != nil {
		return nil, err
	}

	sinks := audit.Fanout{audit.NewLogSink(log)}
	opts := []session.Option{
		session.WithLogger(log),
		session.WithMetrics(session.NewMetrics(a.registry)),
	}
	if a.dbPool != nil {
		sinks = append(sinks, audit.NewPostgresSink(a.dbPool))
		opts = append(opts, session.WithClaimsSource(session.NewPostgresClaimsSource(a.dbPool)))
	}
	opts = append(opts, session.WithEventSink(sinks))

	a.sessions, err = session.NewService(sessCfg, store, tokens, hasher, deny, opts...)
	if err != nil {
		return nil, fmt.Errorf("session service: %w", err)
	}
	a.auth, err = authapi.NewHandler(log, a.sessions, authCfg)
	if err != nil {
		return nil, fmt.Errorf("auth handler: %w", err)
	}

	log.Info("app.wired",
		"store", cfg.Store,
		"denylist", cfg.Denylist,
		"access_token_format", sessCfg.AccessTokenFormat,
	)
	return a, nil
}

func (a *App) newStore(ctx context.Context) (session.Store, error) {
	switch a.cfg.Store {
	case StorePostgres:
		if a.dbPool == nil {
			return nil, fmt.Errorf("%w: postgres store without database", session.ErrConfig)
		}
		return session.NewPostgresStore(a.dbPool), nil
	case StoreSQLite:
		st, err := session.OpenSQLiteStore(ctx, a.cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite store: %w", err)
		}
		a.closers = append(a.closers, st.Close)
		a.checks = append(a.checks, readinessCheck{name: "sqlite", ping: st.Ping})
		return st, nil
	default:
		a.log.Info("store.inmemory", "note", "credentials are lost on restart")
		return session.NewMemoryStore(), nil
	}
}

func (a *App) newDenylist() (session.Denylist, error) {
	switch a.cfg.Denylist {
	case DenylistPostgres:
		if a.dbPool == nil {
			return nil, fmt.Errorf("%w: postgres denylist without database", session.ErrConfig)
		}
		return denylist.NewPostgres(a.dbPool), nil
	case DenylistRedis:
		opts, err := redis.ParseURL(a.cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("%w: redis url: %v", session.ErrConfig, err)
		}
		client := redis.NewClient(opts)
		d := denylist.NewRedis(client)
		a.closers = append(a.closers, client.Close)
		a.checks = append(a.checks, readinessCheck{name: "redis", ping: d.Ping})
		return d, nil
	default:
		return denylist.NewMemory(), nil
	}
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.checks, a.dbPool != nil, a.registry, a.auth)
	return WithRequestLogging(WithSecurityHeaders(mux), a.log)
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbPool != nil)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	a.log.Info("server.stopped")
	return nil
}

// close releases resources in reverse acquisition order.
func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Error("app.close.fail", "err", err)
		}
	}
	a.closers = nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
