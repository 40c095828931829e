package api

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koltyakov/pgproblems/internal/collect"
	"github.com/koltyakov/pgproblems/internal/pgpool"
)

// PoolResolver resolves targets through a pool registry.
type PoolResolver struct {
	Registry *pgpool.Registry
	Default  pgpool.ConnConfig
}

var _ Resolver = PoolResolver{}

// Resolve leases the pool of the request's target. The pool stays open
// until release is called.
func (p PoolResolver) Resolve(r *http.Request, cfg collect.Config) (_ Target, release func(), _ error) {
	conn := p.Default.WithHeaders(r.Header)
	pool, release, err := p.Registry.Lease(r.Context(), conn)
	if err != nil {
		return nil, nil, err
	}
	return NewPoolTarget(pool, cfg, conn.HostPort(), r.Header.Get(HeaderInstanceLabel)), release, nil
}

// PoolTarget is a Target backed by a pgx pool.
type PoolTarget struct {
	*collect.Collector
	pool *pgxpool.Pool
}

// NewPoolTarget builds a Target on pool. An empty label defaults to
// "<database> (<hostPort>)".
func NewPoolTarget(pool *pgxpool.Pool, cfg collect.Config, hostPort, label string) *PoolTarget {
	return &PoolTarget{
		Collector: collect.NewCollector(pool, cfg,
			collect.WithConnectionHost(hostPort),
			collect.WithInstanceLabel(label),
		),
		pool: pool,
	}
}

func (t *PoolTarget) Now(ctx context.Context) (time.Time, error) {
	var now time.Time
	err := t.pool.QueryRow(ctx, "SELECT now()").Scan(&now)
	return now, err
}

func (t *PoolTarget) Databases(ctx context.Context) ([]string, error) {
	rows, err := t.pool.Query(ctx, "SELECT datname FROM pg_database WHERE NOT datistemplate ORDER BY datname")
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}
