package collect

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/koltyakov/pgproblems/internal/errors"
)

// Querier is the subset of pgx used by the collector. *pgxpool.Pool,
// *pgxpool.Conn, *pgx.Conn and pgx.Tx all satisfy it.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Collector reads a Snapshot from one PostgreSQL instance.
type Collector struct {
	db  Querier
	cfg Config

	// host and label override the instance identity reported by InstanceInfo.
	host  string
	label string

	now func() time.Time
}

// Option configures a Collector.
type Option func(*Collector)

// WithConnectionHost sets the "host:port" reported by InstanceInfo.
func WithConnectionHost(host string) Option {
	return func(c *Collector) { c.host = host }
}

// WithInstanceLabel sets a fixed instance label reported by InstanceInfo.
func WithInstanceLabel(label string) Option {
	return func(c *Collector) { c.label = label }
}

// NewCollector returns a Collector reading from db.
// Zero values in cfg are replaced by defaults.
func NewCollector(db Querier, cfg Config, opts ...Option) *Collector {
	def := DefaultConfig()
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.QueryTimeout == 0 {
		cfg.QueryTimeout = def.QueryTimeout
	}
	if cfg.LongRunningMin == 0 {
		cfg.LongRunningMin = def.LongRunningMin
	}
	c := &Collector{db: db, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// metric is one named query writing into a distinct Snapshot field.
type metric struct {
	name     string
	optional bool // tolerated when the view does not exist on this server version
	run      func(ctx context.Context, q Querier, s *Snapshot) error
}

func (c *Collector) metrics() []metric {
	minSec := c.cfg.LongRunningMin.Seconds()
	return []metric{
		{name: "overview", run: collectOverview},
		{name: "connection_usage", run: one(sqlConnectionUsage, func(s *Snapshot, v *ConnectionUsage) { s.ConnectionUsage = v })},
		{name: "deadlocks", run: rows(sqlDeadlocks, func(s *Snapshot, v []DeadlockRow) { s.Deadlocks = v })},
		{name: "locks", run: rows(sqlLocks, func(s *Snapshot, v []LockCount) { s.Locks = v })},
		{name: "lock_summary", run: rows(sqlLockSummary, func(s *Snapshot, v []LockSummaryRow) { s.LockSummary = v })},
		{name: "blocked_sessions", run: rows(sqlBlockedSessions, func(s *Snapshot, v []BlockedSession) { s.BlockedSessions = v })},
		{name: "wait_by_lock_mode", run: rows(sqlWaitByLockMode, func(s *Snapshot, v []LockModeWait) { s.WaitByLockMode = v })},
		{name: "lock_overview_per_db", run: rows(sqlLockOverviewPerDB, func(s *Snapshot, v []DatabaseLocks) { s.LockOverviewPerDB = v })},
		{name: "index_usage", run: rows(sqlIndexUsage, func(s *Snapshot, v []IndexUsageRow) { s.IndexUsage = v })},
		{name: "seq_vs_idx_scans", run: rows(sqlSeqVsIdxScans, func(s *Snapshot, v []ScanRatioRow) { s.SeqVsIdxScans = v })},
		{name: "table_sizes", run: rows(sqlTableSizes, func(s *Snapshot, v []TableSizeRow) { s.TableSizes = v })},
		{name: "long_running", run: rows(sqlLongRunning, func(s *Snapshot, v []LongRunningQuery) { s.LongRunning = v }, minSec)},
		{name: "wait_events", run: rows(sqlWaitEvents, func(s *Snapshot, v []WaitEvent) { s.WaitEvents = v })},
		{name: "oldest_idle_transaction", run: rows(sqlOldestIdleTransaction, func(s *Snapshot, v []IdleTransaction) { s.OldestIdleTransaction = v })},
		{name: "active_waiting_sessions", run: one(sqlActiveWaitingSessions, func(s *Snapshot, v *SessionCounts) { s.ActiveWaitingSessions = v })},
		{name: "tps_rollback_rate", run: rows(sqlTPSRollbackRate, func(s *Snapshot, v []RollbackRateRow) { s.TPSRollbackRate = v })},
		{name: "per_db_cache_hit", run: rows(sqlPerDBCacheHit, func(s *Snapshot, v []DatabaseCacheHit) { s.PerDBCacheHit = v })},
		{name: "autovacuum", run: rows(sqlAutovacuum, func(s *Snapshot, v []AutovacuumRow) { s.AutoVacuum = v })},
		{name: "dead_tuples", run: rows(sqlDeadTuples, func(s *Snapshot, v []DeadTupleRow) { s.DeadTuples = v })},
		{name: "wal_throughput", optional: true, run: one(sqlWALThroughput, func(s *Snapshot, v *WALStats) { s.WALThroughput = v })},
		{name: "checkpoints", optional: true, run: one(sqlCheckpoints, func(s *Snapshot, v *CheckpointStats) { s.Checkpoints = v })},
		{name: "temp_files", run: rows(sqlTempFiles, func(s *Snapshot, v []TempFileRow) { s.TempFiles = v })},
		{name: "db_sizes", run: rows(sqlDBSizes, func(s *Snapshot, v []DatabaseSize) { s.DBSizes = v })},
	}
}

// Collect runs every metric query concurrently and returns the joined
// Snapshot. The first failing metric cancels the rest and is returned as a
// *errors.CollectionError; no partial Snapshot is returned.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	metrics := c.metrics()
	// Each metric writes into its own partial snapshot so no field is shared
	// between goroutines; the parts are merged after Wait.
	parts := make([]Snapshot, len(metrics))

	g, gctx := errgroup.WithContext(ctx)
	for i, m := range metrics {
		i, m := i, m
		g.Go(func() error {
			qctx, qcancel := context.WithTimeout(gctx, c.cfg.QueryTimeout)
			defer qcancel()

			err := m.run(qctx, c.db, &parts[i])
			if err == nil {
				return nil
			}
			if m.optional && !c.cfg.StrictVersions && isUndefinedObject(err) {
				return nil
			}
			return apperrors.NewCollectionError(m.name, classify(err))
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s := merge(parts)
	normalize(s)
	s.CollectedAt = c.now()
	return s, nil
}

// InstanceInfo returns the identity of the monitored database.
// The label defaults to "<db> (<host>)" when a host is known.
func (c *Collector) InstanceInfo(ctx context.Context) (Instance, error) {
	var inst Instance
	if err := c.db.QueryRow(ctx, `SELECT current_database()`).Scan(&inst.DatabaseName); err != nil {
		return inst, apperrors.NewCollectionError("instance", classify(err))
	}
	inst.ConnectionHost = c.host
	inst.InstanceLabel = c.label
	if inst.InstanceLabel == "" && inst.ConnectionHost != "" && inst.DatabaseName != "" {
		inst.InstanceLabel = fmt.Sprintf("%s (%s)", inst.DatabaseName, inst.ConnectionHost)
	}
	return inst, nil
}

func collectOverview(ctx context.Context, q Querier, s *Snapshot) error {
	r, err := q.Query(ctx, sqlConnectionsByState)
	if err != nil {
		return apperrors.NewQueryError(sqlConnectionsByState, err)
	}
	states, err := pgx.CollectRows(r, pgx.RowToStructByName[StateCount])
	if err != nil {
		return apperrors.NewQueryError(sqlConnectionsByState, err)
	}
	var hit *float64
	if err := q.QueryRow(ctx, sqlCacheHitPercent).Scan(&hit); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return apperrors.NewQueryError(sqlCacheHitPercent, err)
	}
	s.Overview = &Overview{ConnectionsByState: states, CacheHitPercent: hit}
	return nil
}

// rows builds a metric reading a row set into T by column name.
func rows[T any](sql string, set func(*Snapshot, []T), args ...any) func(context.Context, Querier, *Snapshot) error {
	return func(ctx context.Context, q Querier, s *Snapshot) error {
		r, err := q.Query(ctx, sql, args...)
		if err != nil {
			return apperrors.NewQueryError(sql, err)
		}
		out, err := pgx.CollectRows(r, pgx.RowToStructByName[T])
		if err != nil {
			return apperrors.NewQueryError(sql, err)
		}
		set(s, out)
		return nil
	}
}

// one builds a metric reading at most one row; no row leaves the field nil.
func one[T any](sql string, set func(*Snapshot, *T)) func(context.Context, Querier, *Snapshot) error {
	return func(ctx context.Context, q Querier, s *Snapshot) error {
		r, err := q.Query(ctx, sql)
		if err != nil {
			return apperrors.NewQueryError(sql, err)
		}
		out, err := pgx.CollectOneRow(r, pgx.RowToAddrOfStructByName[T])
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return apperrors.NewQueryError(sql, err)
		}
		set(s, out)
		return nil
	}
}

func merge(parts []Snapshot) *Snapshot {
	s := &Snapshot{}
	for i := range parts {
		p := &parts[i]
		if p.Overview != nil {
			s.Overview = p.Overview
		}
		if p.ConnectionUsage != nil {
			s.ConnectionUsage = p.ConnectionUsage
		}
		if p.ActiveWaitingSessions != nil {
			s.ActiveWaitingSessions = p.ActiveWaitingSessions
		}
		if p.WALThroughput != nil {
			s.WALThroughput = p.WALThroughput
		}
		if p.Checkpoints != nil {
			s.Checkpoints = p.Checkpoints
		}
		s.Deadlocks = append(s.Deadlocks, p.Deadlocks...)
		s.Locks = append(s.Locks, p.Locks...)
		s.LockSummary = append(s.LockSummary, p.LockSummary...)
		s.BlockedSessions = append(s.BlockedSessions, p.BlockedSessions...)
		s.WaitByLockMode = append(s.WaitByLockMode, p.WaitByLockMode...)
		s.LockOverviewPerDB = append(s.LockOverviewPerDB, p.LockOverviewPerDB...)
		s.IndexUsage = append(s.IndexUsage, p.IndexUsage...)
		s.SeqVsIdxScans = append(s.SeqVsIdxScans, p.SeqVsIdxScans...)
		s.TableSizes = append(s.TableSizes, p.TableSizes...)
		s.LongRunning = append(s.LongRunning, p.LongRunning...)
		s.WaitEvents = append(s.WaitEvents, p.WaitEvents...)
		s.OldestIdleTransaction = append(s.OldestIdleTransaction, p.OldestIdleTransaction...)
		s.TPSRollbackRate = append(s.TPSRollbackRate, p.TPSRollbackRate...)
		s.PerDBCacheHit = append(s.PerDBCacheHit, p.PerDBCacheHit...)
		s.AutoVacuum = append(s.AutoVacuum, p.AutoVacuum...)
		s.DeadTuples = append(s.DeadTuples, p.DeadTuples...)
		s.TempFiles = append(s.TempFiles, p.TempFiles...)
		s.DBSizes = append(s.DBSizes, p.DBSizes...)
	}
	return s
}

// isUndefinedObject reports a missing relation or column, which is how older
// servers answer queries against newer statistics views.
func isUndefinedObject(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "42P01" || pgErr.Code == "42703"
}

// classify maps driver errors onto package sentinels while keeping the cause.
func classify(err error) error {
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", apperrors.ErrTimeout, err)
	case errors.As(err, &pgErr) && pgErr.Code == "42501":
		return fmt.Errorf("%w: %w", apperrors.ErrPermissionDenied, err)
	case isNetError(err):
		return fmt.Errorf("%w: %w", apperrors.ErrConnectionFailed, err)
	}
	return err
}

func isNetError(err error) bool {
	var netErr net.Error
	var connErr *pgconn.ConnectError
	return errors.As(err, &netErr) || errors.As(err, &connErr)
}
