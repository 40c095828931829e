package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"github.com/koltyakov/pgproblems/internal/collect"
	"github.com/koltyakov/pgproblems/internal/config"
	apperrors "github.com/koltyakov/pgproblems/internal/errors"
	"github.com/koltyakov/pgproblems/internal/lock"
	"github.com/koltyakov/pgproblems/internal/pgpool"
	"github.com/koltyakov/pgproblems/internal/scan"
	"github.com/koltyakov/pgproblems/internal/store"
)

// components are the long-lived pieces behind serve and scan.
type components struct {
	target   pgpool.ConnConfig
	registry *pgpool.Registry
	pool     *pgxpool.Pool
	store    store.Store
	locker   lock.Locker
	coord    *scan.Coordinator

	closers []func()
}

func (c *components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

// build validates the config and wires the pool registry, store, locker and
// scan coordinator. Metrics register on reg when it is not nil.
func (a *app) build(ctx context.Context, reg prometheus.Registerer) (_ *components, err error) {
	if err := a.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrInvalidConfig, err)
	}
	c := &components{}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	if c.target, err = a.cfg.Target(); err != nil {
		return nil, err
	}
	if c.registry, err = pgpool.NewRegistry(a.cfg.Database.MaxPools); err != nil {
		return nil, err
	}
	c.closers = append(c.closers, c.registry.Close)
	if c.pool, err = c.registry.Pin(ctx, c.target); err != nil {
		return nil, err
	}

	if c.store, err = a.openStore(ctx); err != nil {
		return nil, err
	}
	c.closers = append(c.closers, c.store.Close)

	if c.locker, err = a.newLocker(ctx, c); err != nil {
		return nil, err
	}

	var metrics *scan.Metrics
	if reg != nil {
		metrics = scan.NewMetrics(reg)
	}
	c.coord = &scan.Coordinator{
		Collector: collect.NewCollector(c.pool, a.cfg.Collect,
			collect.WithConnectionHost(c.target.HostPort()),
		),
		Store:          c.store,
		Locker:         c.locker,
		Logger:         a.log,
		Metrics:        metrics,
		CollectTimeout: a.cfg.Scheduler.CollectTimeout,
	}
	return c, nil
}

// openStore opens the configured problem store and applies pending
// migrations when enabled.
func (a *app) openStore(ctx context.Context) (store.Store, error) {
	if a.cfg.Store.Backend == config.StoreMemory {
		a.log.Warn("problems are kept in memory and lost on exit")
		return store.NewMemory(), nil
	}
	url, err := a.cfg.StoreURL()
	if err != nil {
		return nil, err
	}
	pg, err := store.OpenPostgres(ctx, url)
	if err != nil {
		return nil, err
	}
	if a.cfg.Store.Migrate {
		applied, err := store.Migrate(ctx, pg.Pool())
		if err != nil {
			pg.Close()
			return nil, err
		}
		for _, v := range applied {
			a.log.Info("migration applied", "version", v)
		}
	}
	return pg, nil
}

// newLocker returns the scan lock backend. Advisory locks are taken in the
// problem store database when it is PostgreSQL, otherwise in the monitored
// database.
func (a *app) newLocker(ctx context.Context, c *components) (lock.Locker, error) {
	switch a.cfg.Lock.Backend {
	case config.LockLocal:
		return lock.NewLocal(), nil
	case config.LockRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("%w: redis %s: %w", apperrors.ErrConnectionFailed, a.cfg.Redis.Addr, err)
		}
		c.closers = append(c.closers, func() { _ = client.Close() })
		return lock.NewRedis(client, a.cfg.Lock.RedisTTL), nil
	default:
		pool := c.pool
		if pg, ok := c.store.(*store.Postgres); ok {
			pool = pg.Pool()
		}
		return lock.NewAdvisory(pool, nil), nil
	}
}
