package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/polyflip/tradestate/internal/config"
	"github.com/polyflip/tradestate/internal/resource"
	"github.com/polyflip/tradestate/internal/store"
)

type migrator interface {
	Migrate(ctx context.Context) error
}

// backend is the opened row store plus whatever must be closed with it.
// st is nil when the configured driver cannot run; notConfigured then says
// why and is returned on every data request.
type backend struct {
	st            store.Store
	migrate       migrator
	notConfigured *resource.ConfigurationError
	cleanup       []func()
}

func (b *backend) Close() {
	for i := len(b.cleanup) - 1; i >= 0; i-- {
		b.cleanup[i]()
	}
}

func openBackend(ctx context.Context, cfg config.Config, log *zap.Logger) (*backend, error) {
	b := &backend{}

	switch cfg.Store.Driver {
	case "postgres", "":
		if cfg.Store.DSN == "" {
			log.Warn("store.dsn not set; data requests will fail until it is configured")
			b.notConfigured = &resource.ConfigurationError{
				Msg: "Database not configured. Set TS_STORE_DSN or DATABASE_URL.",
			}
			return b, nil
		}
		pcfg, err := pgxpool.ParseConfig(cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("parse store.dsn: %w", err)
		}
		if cfg.Store.MaxConns > 0 {
			pcfg.MaxConns = cfg.Store.MaxConns
		}
		pool, err := pgxpool.NewWithConfig(ctx, pcfg)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		b.cleanup = append(b.cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		b.st, b.migrate = pg, pg
		log.Info("connected to postgres", zap.Int32("max_conns", pcfg.MaxConns))

	case "sqlite":
		gs, err := store.OpenSQLite(cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		b.cleanup = append(b.cleanup, func() { _ = gs.Close() })
		b.st, b.migrate = gs, gs
		log.Info("opened sqlite", zap.String("path", cfg.Store.SQLitePath))

	case "memory":
		log.Warn("using in-memory store; data will not survive a restart")
		b.st = store.NewMemoryStore()

	default:
		return nil, fmt.Errorf("unknown store.driver %q", cfg.Store.Driver)
	}

	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("parse redis.url: %w", err)
		}
		rdb := redis.NewClient(opt)
		b.cleanup = append(b.cleanup, func() { _ = rdb.Close() })
		ttl := cfg.Redis.TTL
		if ttl <= 0 {
			ttl = 30 * time.Second
		}
		b.st = store.NewCachedStore(b.st, rdb, ttl)
		log.Info("redis cache enabled", zap.Duration("ttl", ttl))
	}
	return b, nil
}
