// Package collect reads PostgreSQL health metrics into a Snapshot.
//
// The collector issues one catalog query per metric concurrently and joins
// the results into a single immutable Snapshot. Metrics covered:
//   - Connection states, usage and session counts
//   - Locks, lock waits and blocked sessions
//   - Index usage, sequential scans and table sizes
//   - Long-running queries, wait events and idle transactions
//   - Rollback rates and per-database cache hit ratios
//   - Autovacuum and dead tuples
//   - WAL throughput, checkpoints, temp files and database sizes
package collect

import (
	"time"

	apperrors "github.com/koltyakov/pgproblems/internal/errors"
)

// Default configuration values.
const (
	// DefaultTimeout is the default timeout for a full collection.
	DefaultTimeout = 60 * time.Second

	// MinTimeout is the minimum allowed timeout.
	MinTimeout = 5 * time.Second

	// MaxTimeout is the maximum allowed timeout.
	MaxTimeout = 10 * time.Minute

	// DefaultLongRunningMin is the age after which an active query is reported
	// as long running.
	DefaultLongRunningMin = 60 * time.Second

	// DefaultQueryTimeout bounds each individual metric query.
	DefaultQueryTimeout = 15 * time.Second
)

// Config holds the configuration for the metrics collector.
type Config struct {
	// Timeout is the maximum duration for the entire collection.
	Timeout time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`

	// QueryTimeout bounds each metric query.
	QueryTimeout time.Duration `json:"query_timeout" yaml:"query_timeout" mapstructure:"query_timeout"`

	// LongRunningMin filters long-running queries to those older than this.
	LongRunningMin time.Duration `json:"long_running_min" yaml:"long_running_min" mapstructure:"long_running_min"`

	// StrictVersions makes a missing statistics view (pg_stat_wal before 14,
	// pg_stat_checkpointer before 17) fail collection instead of leaving the
	// metric empty.
	StrictVersions bool `json:"strict_versions" yaml:"strict_versions" mapstructure:"strict_versions"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Timeout:        DefaultTimeout,
		QueryTimeout:   DefaultQueryTimeout,
		LongRunningMin: DefaultLongRunningMin,
	}
}

// Validate checks that the configuration is valid.
func (c Config) Validate() error {
	if c.Timeout < MinTimeout {
		return apperrors.NewValidationError("collect.timeout", c.Timeout.String(), "must be at least 5 seconds")
	}
	if c.Timeout > MaxTimeout {
		return apperrors.NewValidationError("collect.timeout", c.Timeout.String(), "exceeds maximum of 10 minutes")
	}
	if c.QueryTimeout <= 0 {
		return apperrors.NewValidationError("collect.query_timeout", c.QueryTimeout.String(), "must be positive")
	}
	if c.LongRunningMin < 0 {
		return apperrors.NewValidationError("collect.long_running_min", c.LongRunningMin.String(), "must not be negative")
	}
	return nil
}

// Meta contains metadata about a collection run.
type Meta struct {
	// StartedAt is when the collection started.
	StartedAt time.Time `json:"started_at"`

	// Duration is how long the collection took.
	Duration time.Duration `json:"duration"`

	// Version is the pgproblems version that collected the snapshot.
	Version string `json:"version"`
}
