package collect

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/koltyakov/pgproblems/internal/errors"
)

// fakeResult is the canned answer for one SQL text.
type fakeResult struct {
	cols []string
	rows [][]any
	err  error
}

// fakeDB answers queries by exact SQL text. Unknown queries return no rows.
type fakeDB struct {
	mu      sync.Mutex
	results map[string]fakeResult
	args    map[string][]any
}

func newFakeDB() *fakeDB {
	return &fakeDB{results: map[string]fakeResult{}, args: map[string][]any{}}
}

func (f *fakeDB) on(sql string, cols []string, rows ...[]any) *fakeDB {
	f.results[sql] = fakeResult{cols: cols, rows: rows}
	return f
}

func (f *fakeDB) fail(sql string, err error) *fakeDB {
	f.results[sql] = fakeResult{err: err}
	return f
}

func (f *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.mu.Lock()
	res := f.results[sql]
	f.args[sql] = args
	f.mu.Unlock()
	if res.err != nil {
		return nil, res.err
	}
	return &fakeRows{cols: res.cols, rows: res.rows, idx: -1}, nil
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	r, err := f.Query(ctx, sql, args...)
	return &fakeRow{rows: r, err: err}
}

type fakeRow struct {
	rows pgx.Rows
	err  error
}

func (r *fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	defer r.rows.Close()
	if !r.rows.Next() {
		return pgx.ErrNoRows
	}
	return r.rows.Scan(dest...)
}

type fakeRows struct {
	cols []string
	rows [][]any
	idx  int
}

func (r *fakeRows) Close()                        {}
func (r *fakeRows) Err() error                    { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag { return pgconn.CommandTag{} }
func (r *fakeRows) Conn() *pgx.Conn               { return nil }
func (r *fakeRows) RawValues() [][]byte           { return nil }

func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription {
	fds := make([]pgconn.FieldDescription, len(r.cols))
	for i, c := range r.cols {
		fds[i] = pgconn.FieldDescription{Name: c}
	}
	return fds
}

func (r *fakeRows) Next() bool {
	r.idx++
	return r.idx < len(r.rows)
}

func (r *fakeRows) Values() ([]any, error) { return r.rows[r.idx], nil }

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.idx]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: %d destinations for %d columns", len(dest), len(row))
	}
	for i, d := range dest {
		target := reflect.ValueOf(d).Elem()
		if row[i] == nil {
			target.Set(reflect.Zero(target.Type()))
			continue
		}
		v := reflect.ValueOf(row[i])
		if target.Kind() == reflect.Pointer {
			p := reflect.New(target.Type().Elem())
			p.Elem().Set(v.Convert(target.Type().Elem()))
			target.Set(p)
			continue
		}
		target.Set(v.Convert(target.Type()))
	}
	return nil
}

func ptr[T any](v T) *T { return &v }

func TestCollectJoinsMetrics(t *testing.T) {
	db := newFakeDB().
		on(sqlConnectionsByState, []string{"state", "count"}, []any{"active", 3}, []any{"idle in transaction", 7}).
		on(sqlCacheHitPercent, []string{"hit"}, []any{99.5}).
		on(sqlConnectionUsage, []string{"current_connections", "max_connections", "used_percent"}, []any{95, 100, 95.0}).
		on(sqlDeadlocks, []string{"datname", "deadlocks"}, []any{"app", 3}).
		on(sqlTempFiles, []string{"datname", "temp_files", "temp_bytes"}, []any{"app", 2, nil}).
		on(sqlCheckpoints, []string{"num_timed", "num_requested", "num_done", "write_time", "sync_time", "buffers_written", "slru_written", "stats_reset"},
			[]any{10, 1, 150, 900.0, 200.0, 5000, 10, "2026-01-01T00:00:00"})

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewCollector(db, Config{LongRunningMin: 90 * time.Second})
	c.now = func() time.Time { return fixed }

	s, err := c.Collect(context.Background())
	require.NoError(t, err)

	require.NotNil(t, s.Overview)
	assert.Len(t, s.Overview.ConnectionsByState, 2)
	assert.Equal(t, "idle in transaction", s.Overview.ConnectionsByState[1].State)
	require.NotNil(t, s.Overview.CacheHitPercent)
	assert.InDelta(t, 99.5, *s.Overview.CacheHitPercent, 1e-9)

	require.NotNil(t, s.ConnectionUsage)
	assert.Equal(t, int64(95), s.ConnectionUsage.Current)

	require.Len(t, s.Deadlocks, 1)
	assert.Equal(t, DeadlockRow{Datname: "app", Deadlocks: 3}, s.Deadlocks[0])

	require.Len(t, s.TempFiles, 1)
	assert.Nil(t, s.TempFiles[0].TempBytes)
	assert.Equal(t, int64(2), *s.TempFiles[0].TempFiles)

	require.NotNil(t, s.Checkpoints)
	assert.Equal(t, int64(150), *s.Checkpoints.NumDone)

	// Queries without rows stay empty rather than zero.
	assert.Nil(t, s.ActiveWaitingSessions)
	assert.Nil(t, s.WALThroughput)
	assert.Empty(t, s.BlockedSessions)

	assert.Equal(t, fixed, s.CollectedAt)
	assert.Equal(t, []any{90.0}, db.args[sqlLongRunning])
}

func TestCollectFailsOnAnyMetric(t *testing.T) {
	boom := errors.New("boom")
	db := newFakeDB().fail(sqlDeadTuples, boom)

	s, err := NewCollector(db, Config{}).Collect(context.Background())
	require.Error(t, err)
	assert.Nil(t, s)

	var ce *apperrors.CollectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "dead_tuples", ce.Metric)
	assert.ErrorIs(t, err, boom)

	var qe *apperrors.QueryError
	require.ErrorAs(t, err, &qe)
	assert.Contains(t, qe.Query, "n_dead_tup")
	assert.ErrorIs(t, qe, boom)
}

func TestCollectOptionalViews(t *testing.T) {
	missing := &pgconn.PgError{Code: "42P01", Message: `relation "pg_stat_checkpointer" does not exist`}

	t.Run("tolerated by default", func(t *testing.T) {
		db := newFakeDB().fail(sqlCheckpoints, missing)
		s, err := NewCollector(db, Config{}).Collect(context.Background())
		require.NoError(t, err)
		assert.Nil(t, s.Checkpoints)
	})

	t.Run("strict versions", func(t *testing.T) {
		db := newFakeDB().fail(sqlCheckpoints, missing)
		_, err := NewCollector(db, Config{StrictVersions: true}).Collect(context.Background())
		var ce *apperrors.CollectionError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, "checkpoints", ce.Metric)
	})

	t.Run("required metric never tolerated", func(t *testing.T) {
		db := newFakeDB().fail(sqlLocks, missing)
		_, err := NewCollector(db, Config{}).Collect(context.Background())
		require.Error(t, err)
	})
}

func TestCollectClassifiesErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"permission", &pgconn.PgError{Code: "42501"}, apperrors.ErrPermissionDenied},
		{"deadline", context.DeadlineExceeded, apperrors.ErrTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := newFakeDB().fail(sqlWaitEvents, tt.err)
			_, err := NewCollector(db, Config{}).Collect(context.Background())
			assert.ErrorIs(t, err, tt.sentinel)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestInstanceInfo(t *testing.T) {
	db := newFakeDB().on(`SELECT current_database()`, []string{"current_database"}, []any{"app"})

	inst, err := NewCollector(db, Config{}, WithConnectionHost("db1:5432")).InstanceInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Instance{DatabaseName: "app", ConnectionHost: "db1:5432", InstanceLabel: "app (db1:5432)"}, inst)

	inst, err = NewCollector(db, Config{}, WithInstanceLabel("prod")).InstanceInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "prod", inst.InstanceLabel)
	assert.Empty(t, inst.ConnectionHost)

	inst, err = NewCollector(db, Config{}).InstanceInfo(context.Background())
	require.NoError(t, err)
	assert.Empty(t, inst.InstanceLabel)
}

func TestNormalize(t *testing.T) {
	s := &Snapshot{
		Overview:        &Overview{CacheHitPercent: ptr(math.NaN())},
		ConnectionUsage: &ConnectionUsage{UsedPercent: math.Inf(1)},
		PerDBCacheHit:   []DatabaseCacheHit{{Database: "app", CacheHitPct: ptr(97.0)}, {Database: "x", CacheHitPct: ptr(math.NaN())}},
		DBSizes:         []DatabaseSize{{Datname: "app", Size: " 12 GB "}},
	}
	normalize(s)

	assert.Nil(t, s.Overview.CacheHitPercent)
	assert.Nil(t, s.ConnectionUsage)
	assert.Equal(t, 97.0, *s.PerDBCacheHit[0].CacheHitPct)
	assert.Nil(t, s.PerDBCacheHit[1].CacheHitPct)
	assert.Equal(t, "12 GB", s.DBSizes[0].Size)
}

// TestConfigValidate verifies configuration validation.
func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name      string
		config    Config
		expectErr bool
	}{
		{name: "defaults", config: DefaultConfig()},
		{name: "timeout too short", config: Config{Timeout: time.Second, QueryTimeout: time.Second}, expectErr: true},
		{name: "timeout too long", config: Config{Timeout: 15 * time.Minute, QueryTimeout: time.Second}, expectErr: true},
		{name: "minimum valid timeout", config: Config{Timeout: MinTimeout, QueryTimeout: time.Second}},
		{name: "maximum valid timeout", config: Config{Timeout: MaxTimeout, QueryTimeout: time.Second}},
		{name: "zero query timeout", config: Config{Timeout: MinTimeout}, expectErr: true},
		{name: "negative long running", config: Config{Timeout: MinTimeout, QueryTimeout: time.Second, LongRunningMin: -time.Second}, expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.expectErr {
				t.Errorf("Validate() error = %v, expectErr = %v", err, tt.expectErr)
			}
			if err != nil && !errors.Is(err, apperrors.ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}
