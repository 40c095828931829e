// Package scan runs detection scans: collect a snapshot, analyze it and
// reconcile the stored problems of the scanned database.
package scan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/koltyakov/pgproblems/internal/analyze"
	"github.com/koltyakov/pgproblems/internal/collect"
	apperrors "github.com/koltyakov/pgproblems/internal/errors"
	"github.com/koltyakov/pgproblems/internal/lock"
	"github.com/koltyakov/pgproblems/internal/logger"
	"github.com/koltyakov/pgproblems/internal/store"
)

// DefaultCollectTimeout bounds snapshot collection so a hung query cannot
// hold the scan lock forever.
const DefaultCollectTimeout = 60 * time.Second

// Triggers recorded in logs.
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

// Collector produces snapshots of one database.
type Collector interface {
	InstanceInfo(ctx context.Context) (collect.Instance, error)
	Collect(ctx context.Context) (*collect.Snapshot, error)
}

// Scanner runs one scan.
type Scanner interface {
	RunScan(ctx context.Context, opts Options) (Result, error)
}

// Options control a single scan.
type Options struct {
	// SkipLock runs without the scan lock, so it may overlap other scans.
	SkipLock bool
	Trigger  string
}

// Result describes a finished or skipped scan.
type Result struct {
	ScanID   uuid.UUID
	Scope    store.Scope
	Detected int
	Resolved int
	Problems []analyze.Problem
	Skipped  bool
	Duration time.Duration
}

// Coordinator serializes scans behind a named lock.
type Coordinator struct {
	Collector      Collector
	Store          store.Store
	Locker         lock.Locker
	Logger         *logger.Logger
	Metrics        *Metrics
	Analyzer       analyze.Analyzer
	CollectTimeout time.Duration
}

var _ Scanner = (*Coordinator)(nil)

// RunScan performs one scan. A scan that finds the lock held returns a
// Result with Skipped set and a nil error. Any other failure is a
// *errors.ScanError and leaves stored problems as they were.
func (c *Coordinator) RunScan(ctx context.Context, opts Options) (Result, error) {
	res := Result{ScanID: uuid.New()}
	start := time.Now()
	log := c.logger().With("scan_id", res.ScanID.String(), "trigger", opts.Trigger)

	fail := func(phase string, cause error) (Result, error) {
		res.Duration = time.Since(start)
		c.Metrics.observe(OutcomeFailed, res)
		serr := apperrors.NewScanError(res.ScanID.String(), phase, cause)
		log.Error("scan failed", "phase", phase, "error", cause)
		return res, serr
	}

	if !opts.SkipLock {
		rel, ok, lerr := c.Locker.TryLock(ctx, lock.ScanLockName)
		if lerr != nil {
			return fail(apperrors.PhaseLock, lerr)
		}
		if !ok {
			res.Skipped = true
			c.Metrics.observe(OutcomeSkipped, res)
			log.Warn("scan skipped, another scan is running")
			return res, nil
		}
		defer func() {
			if rerr := rel.Release(context.WithoutCancel(ctx)); rerr != nil {
				log.Error("release scan lock", "error", rerr)
			}
		}()
	}
	log.Info("scan started")

	inst, ierr := c.Collector.InstanceInfo(ctx)
	if ierr != nil {
		return fail(apperrors.PhaseInstance, ierr)
	}
	res.Scope = store.Scope{
		DatabaseName:   inst.DatabaseName,
		InstanceLabel:  inst.InstanceLabel,
		ConnectionHost: inst.ConnectionHost,
	}

	snap, cerr := c.collect(ctx)
	if cerr != nil {
		return fail(apperrors.PhaseCollect, cerr)
	}

	res.Problems = c.Analyzer.Analyze(snap)
	res.Detected = len(res.Problems)

	resolved, perr := Reconcile(ctx, c.Store, res.Scope, res.Problems)
	if perr != nil {
		return fail(apperrors.PhasePersist, perr)
	}
	res.Resolved = int(resolved)
	res.Duration = time.Since(start)

	c.Metrics.observe(OutcomeSuccess, res)
	log.Info("scan finished",
		"database", res.Scope.DatabaseName,
		"instance", res.Scope.InstanceLabel,
		"detected", res.Detected,
		"resolved", res.Resolved,
		"duration", res.Duration,
	)
	return res, nil
}

func (c *Coordinator) collect(ctx context.Context) (*collect.Snapshot, error) {
	timeout := c.CollectTimeout
	if timeout <= 0 {
		timeout = DefaultCollectTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	snap, err := c.Collector.Collect(cctx)
	if err != nil {
		if errors.Is(cctx.Err(), context.DeadlineExceeded) && !errors.Is(err, apperrors.ErrTimeout) {
			err = fmt.Errorf("%w after %s: %w", apperrors.ErrTimeout, timeout, err)
		}
		return nil, err
	}
	if snap == nil {
		return nil, apperrors.ErrNoData
	}
	return snap, nil
}

func (c *Coordinator) logger() *logger.Logger {
	if c.Logger == nil {
		return logger.Nop()
	}
	return c.Logger
}

// Reconcile upserts problems as open and resolves the scope's other open
// problems in one transaction. Upserts happen before the resolve.
func Reconcile(ctx context.Context, s store.Store, scope store.Scope, problems []analyze.Problem) (int64, error) {
	var resolved int64
	err := s.WithTx(ctx, func(tx store.Tx) error {
		for _, p := range problems {
			if _, err := tx.UpsertOpen(ctx, scope, p); err != nil {
				return err
			}
		}
		n, err := tx.ResolveStale(ctx, scope, analyze.IDs(problems))
		if err != nil {
			return err
		}
		resolved = n
		return nil
	})
	return resolved, err
}
