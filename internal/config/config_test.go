package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/koltyakov/pgproblems/internal/errors"
)

// inTempDir isolates a test from config files and PG* variables of the
// surrounding environment.
func inTempDir(t *testing.T) {
	t.Helper()
	for _, names := range envAliases {
		for _, name := range names {
			t.Setenv(name, "")
		}
	}
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func load(t *testing.T, file string) *Config {
	t.Helper()
	cfg, err := Load(New(), file)
	require.NoError(t, err)
	return cfg
}

func TestDefaults(t *testing.T) {
	inTempDir(t)
	cfg := load(t, "")

	assert.Equal(t, ":3001", cfg.Server.Addr)
	assert.False(t, cfg.Scheduler.Enabled)
	assert.Equal(t, "*/30 * * * *", cfg.Scheduler.Schedule)
	assert.Equal(t, 60*time.Second, cfg.Scheduler.CollectTimeout)
	assert.Equal(t, LockAdvisory, cfg.Lock.Backend)
	assert.Equal(t, StorePostgres, cfg.Store.Backend)
	assert.Equal(t, 16, cfg.Database.MaxPools)
	assert.Equal(t, 60*time.Second, cfg.Collect.LongRunningMin)
	require.NoError(t, cfg.Validate())

	target, err := cfg.Target()
	require.NoError(t, err)
	assert.Equal(t, "localhost:5432", target.HostPort())
	assert.Equal(t, "postgres", target.Database)
}

func TestLibpqEnvironment(t *testing.T) {
	inTempDir(t)
	t.Setenv("PGHOST", "db.internal")
	t.Setenv("PGPORT", "6432")
	t.Setenv("PGUSER", "monitor")
	t.Setenv("PGDATABASE", "app")

	cfg := load(t, "")
	target, err := cfg.Target()
	require.NoError(t, err)
	assert.Equal(t, "db.internal:6432", target.HostPort())
	assert.Equal(t, "monitor", target.User)
	assert.Equal(t, "app", target.Database)
}

func TestPrefixedEnvironmentWins(t *testing.T) {
	inTempDir(t)
	t.Setenv("PGHOST", "from-libpq")
	t.Setenv("PGPROBLEMS_DATABASE_HOST", "from-prefix")
	t.Setenv("PGPROBLEMS_SCHEDULER_SCHEDULE", "*/5 * * * *")
	t.Setenv("PGPROBLEMS_LOCK_BACKEND", "local")

	cfg := load(t, "")
	assert.Equal(t, "from-prefix", cfg.Database.Host)
	assert.Equal(t, "*/5 * * * *", cfg.Scheduler.Schedule)
	assert.Equal(t, LockLocal, cfg.Lock.Backend)
}

func TestSchedulerToggle(t *testing.T) {
	inTempDir(t)
	t.Setenv("ENABLE_PROBLEM_SCHEDULER", "true")
	assert.True(t, load(t, "").Scheduler.Enabled)
}

func TestDatabaseURL(t *testing.T) {
	inTempDir(t)
	t.Setenv("DATABASE_URL", "postgres://u:p@pg:5433/orders")

	cfg := load(t, "")
	target, err := cfg.Target()
	require.NoError(t, err)
	assert.Equal(t, "pg:5433", target.HostPort())
	assert.Equal(t, "orders", target.Database)

	url, err := cfg.StoreURL()
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@pg:5433/orders", url)
}

func TestConfigFile(t *testing.T) {
	inTempDir(t)
	dir := t.TempDir()
	file := filepath.Join(dir, "pgproblems.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
server:
  addr: ":8080"
scheduler:
  schedule: "@every 10m"
  run_on_start: true
store:
  backend: memory
collect:
  long_running_min: 2m
log:
  file: /var/log/pgproblems.log
  max_backups: 3
`), 0o600))

	cfg := load(t, file)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "@every 10m", cfg.Scheduler.Schedule)
	assert.True(t, cfg.Scheduler.RunOnStart)
	assert.Equal(t, StoreMemory, cfg.Store.Backend)
	assert.Equal(t, 2*time.Minute, cfg.Collect.LongRunningMin)
	assert.Equal(t, 15*time.Second, cfg.Collect.QueryTimeout, "unset keys keep defaults")
	assert.Equal(t, "/var/log/pgproblems.log", cfg.Log.File.Path)
	assert.Equal(t, 3, cfg.Log.File.MaxBackups)
	assert.Equal(t, 100, cfg.Log.File.MaxSizeMB)

	_, err := Load(New(), filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, apperrors.ErrInvalidConfig)
}

func TestBindFlags(t *testing.T) {
	inTempDir(t)
	v := New()
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	fs.String("server-addr", ":3001", "")
	fs.String("unrelated", "", "")
	require.NoError(t, BindFlags(v, fs))
	require.NoError(t, fs.Parse([]string{"--server-addr", ":9999"}))

	cfg, err := Load(v, "")
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Addr)
}

func TestValidateAggregates(t *testing.T) {
	inTempDir(t)
	cfg := load(t, "")
	cfg.Lock.Backend = "zookeeper"
	cfg.Store.Backend = "sqlite"
	cfg.Scheduler.Enabled = true
	cfg.Scheduler.Schedule = "every now and then"
	cfg.Log.Format = "xml"

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInvalidConfig)

	var me *apperrors.MultiError
	require.ErrorAs(t, err, &me)
	assert.Len(t, me.Errors, 4)

	fields := map[string]bool{}
	for _, e := range me.Errors {
		var ve *apperrors.ValidationError
		require.ErrorAs(t, e, &ve)
		fields[ve.Field] = true
	}
	assert.Equal(t, map[string]bool{
		"lock.backend":       true,
		"store.backend":      true,
		"scheduler.schedule": true,
		"log.format":         true,
	}, fields)
}

func TestValidateRedisNeedsAddr(t *testing.T) {
	inTempDir(t)
	cfg := load(t, "")
	cfg.Lock.Backend = LockRedis
	assert.ErrorIs(t, cfg.Validate(), apperrors.ErrInvalidConfig)

	cfg.Redis.Addr = "localhost:6379"
	assert.NoError(t, cfg.Validate())
}

func TestValidateCollectConfig(t *testing.T) {
	inTempDir(t)
	cfg := load(t, "")
	cfg.Collect.Timeout = time.Second
	assert.ErrorIs(t, cfg.Validate(), apperrors.ErrInvalidConfig)
}
