// Package app wires the Parley server runtime: config, logging, HTTP routes,
// the presence registry, the relay backplane, and the websocket gateway.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"parley/cmd/internal/hub"
	"parley/cmd/internal/presence"
	"parley/cmd/internal/store"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// App is the Parley server runtime. It owns the lifecycle of the Redis
// client, the DB pool, and the hub's backplane.
type App struct {
	cfg Config
	log Logger

	rdb    *redis.Client
	dbPool *pgxpool.Pool

	store     store.Store
	backplane hub.Backplane
	hub       *hub.Hub
	ws        *hub.WSGateway
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	ctx := context.Background()

	var (
		rdb       *redis.Client
		registry  presence.Registry
		backplane hub.Backplane
		err       error
	)
	if cfg.RedisURL != "" {
		rdb, err = NewRedisClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		registry, err = presence.NewRedisRegistry(rdb)
		if err != nil {
			_ = rdb.Close()
			return nil, err
		}
		backplane, err = hub.NewRedisBackplane(log, rdb)
		if err != nil {
			_ = rdb.Close()
			return nil, err
		}
		log.Info("presence.redis", "relay", "redis")
	} else {
		// Single-process dev mode: no cross-process relay is needed, but the
		// hub still runs against the same interfaces.
		registry = presence.NewMemoryRegistry()
		backplane = hub.NewMemoryBus().Node()
		log.Info("presence.inmemory", "relay", "inmemory")
	}

	st, dbPool, err := newStore(ctx, cfg, log)
	if err != nil {
		if rdb != nil {
			_ = rdb.Close()
		}
		return nil, err
	}

	h := hub.New(log, registry, st, backplane)
	ws := hub.NewWSGateway(log, h, &hub.HeaderIdentityProvider{})

	return &App{
		cfg:       cfg,
		log:       log,
		rdb:       rdb,
		dbPool:    dbPool,
		store:     st,
		backplane: backplane,
		hub:       h,
		ws:        ws,
	}, nil
}

// Run starts the backplane consumer and the HTTP server, then blocks until
// context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	if err := a.hub.Start(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.rdb, a.store, a.ws)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "instance", a.hub.InstanceID(),
		"redis_enabled", a.rdb != nil, "db_enabled", a.dbPool != nil)

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

	a.close()

	a.log.Info("server.stopped")
	return nil
}

// close releases owned resources in dependency order: the backplane consumer
// first, then the clients it consumes from.
func (a *App) close() {
	if err := a.backplane.Close(); err != nil {
		a.log.Error("backplane.close.fail", "err", err)
	}
	if err := a.store.Close(); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis.close.fail", "err", err)
		}
	}
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

// newStore decides between Postgres-backed persistence and the in-memory dev
// store.
//
// Ownership model:
// - app owns the pool lifecycle
// - PostgresStore.Close() is a no-op
func newStore(ctx context.Context, cfg Config, log Logger) (store.Store, *pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store", "dev_rooms", cfg.DevRooms)
		return store.NewMemoryStore(cfg.DevRooms...), nil, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	st, err := store.NewPostgresStore(pool)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}

	log.Info("db.enabled.postgres_store")
	return st, pool, nil
}
