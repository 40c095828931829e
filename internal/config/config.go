// Package config loads pgproblems settings from a config file, environment
// variables and command-line flags.
//
// Precedence, highest first: flags bound with BindFlags, PGPROBLEMS_*
// variables, the libpq variables (PGHOST, PGPORT, PGUSER, PGPASSWORD,
// PGDATABASE) and PGURL/DATABASE_URL, the config file, defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/koltyakov/pgproblems/internal/collect"
	apperrors "github.com/koltyakov/pgproblems/internal/errors"
	"github.com/koltyakov/pgproblems/internal/logger"
	"github.com/koltyakov/pgproblems/internal/pgpool"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "PGPROBLEMS"

// DefaultSchedule runs scheduled scans at :00 and :30 of every hour.
const DefaultSchedule = "*/30 * * * *"

// Backends.
const (
	LockAdvisory = "advisory"
	LockLocal    = "local"
	LockRedis    = "redis"

	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config is the full application configuration.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Lock      LockConfig      `mapstructure:"lock"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Store     StoreConfig     `mapstructure:"store"`
	Log       LogConfig       `mapstructure:"log"`
	Collect   collect.Config  `mapstructure:"collect"`
}

// DatabaseConfig describes the default monitored database. URL wins over
// the individual fields.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxPools int    `mapstructure:"max_pools"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type SchedulerConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Schedule       string        `mapstructure:"schedule"`
	RunOnStart     bool          `mapstructure:"run_on_start"`
	CollectTimeout time.Duration `mapstructure:"collect_timeout"`
}

type LockConfig struct {
	Backend  string        `mapstructure:"backend"`
	RedisTTL time.Duration `mapstructure:"redis_ttl"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StoreConfig selects where problems are persisted. An empty URL stores
// them in the monitored database itself.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
	URL     string `mapstructure:"url"`
	Migrate bool   `mapstructure:"migrate"`
}

// LogConfig sets the log level and format. File, when set, also writes a
// size-rotated log file.
type LogConfig struct {
	Level  string            `mapstructure:"level"`
	Format string            `mapstructure:"format"`
	File   logger.FileConfig `mapstructure:",squash"`
}

// envAliases maps config keys to the extra environment variables that may
// set them, after the PGPROBLEMS_* form.
var envAliases = map[string][]string{
	"database.url":      {"PGURL", "DATABASE_URL"},
	"database.host":     {"PGHOST"},
	"database.port":     {"PGPORT"},
	"database.user":     {"PGUSER"},
	"database.password": {"PGPASSWORD"},
	"database.name":     {"PGDATABASE"},
	"database.sslmode":  {"PGSSLMODE"},
	"scheduler.enabled": {"ENABLE_PROBLEM_SCHEDULER"},
}

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	cc := collect.DefaultConfig()

	v.SetDefault("database.url", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "postgres")
	v.SetDefault("database.sslmode", "")
	v.SetDefault("database.max_pools", pgpool.DefaultMaxPools)

	v.SetDefault("server.addr", ":3001")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.schedule", DefaultSchedule)
	v.SetDefault("scheduler.run_on_start", false)
	v.SetDefault("scheduler.collect_timeout", 60*time.Second)

	v.SetDefault("lock.backend", LockAdvisory)
	v.SetDefault("lock.redis_ttl", 10*time.Minute)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("store.backend", StorePostgres)
	v.SetDefault("store.url", "")
	v.SetDefault("store.migrate", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 10)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", true)

	v.SetDefault("collect.timeout", cc.Timeout)
	v.SetDefault("collect.query_timeout", cc.QueryTimeout)
	v.SetDefault("collect.long_running_min", cc.LongRunningMin)
	v.SetDefault("collect.strict_versions", cc.StrictVersions)
}

// BindFlags binds flags whose names match config keys with dots replaced by
// dashes, e.g. --server-addr to server.addr.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", ".")
		if !isKnownKey(v, key) {
			return
		}
		if err := v.BindPFlag(key, f); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}

func isKnownKey(v *viper.Viper, key string) bool {
	for _, k := range v.AllKeys() {
		if k == key {
			return true
		}
	}
	return false
}

// New returns a viper instance with defaults and environment bindings.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, aliases := range envAliases {
		names := append([]string{EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, aliases...)
		_ = v.BindEnv(append([]string{key}, names...)...)
	}
	return v
}

// Load reads the optional config file and decodes v into a Config. An empty
// file searches for pgproblems.{yaml,yml,json,toml} in the working directory.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("pgproblems")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: read config: %w", apperrors.ErrInvalidConfig, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: decode config: %w", apperrors.ErrInvalidConfig, err)
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var me apperrors.MultiError

	if c.Database.URL != "" {
		if _, err := pgpool.ParseURL(c.Database.URL); err != nil {
			me.Add(err)
		}
	} else if c.Database.Host == "" {
		me.Add(apperrors.NewValidationError("database.host", "", "a database URL or host is required"))
	}
	if c.Database.Port < 0 || c.Database.Port > 65535 {
		me.Add(apperrors.NewValidationError("database.port", fmt.Sprint(c.Database.Port), "must be a TCP port"))
	}
	if c.Database.MaxPools <= 0 {
		me.Add(apperrors.NewValidationError("database.max_pools", fmt.Sprint(c.Database.MaxPools), "must be positive"))
	}

	if c.Server.Addr == "" {
		me.Add(apperrors.NewValidationError("server.addr", "", "must not be empty"))
	}

	if c.Scheduler.Enabled {
		if _, err := cron.ParseStandard(c.Scheduler.Schedule); err != nil {
			me.Add(apperrors.NewValidationError("scheduler.schedule", c.Scheduler.Schedule, err.Error()))
		}
	}
	if c.Scheduler.CollectTimeout <= 0 {
		me.Add(apperrors.NewValidationError("scheduler.collect_timeout", c.Scheduler.CollectTimeout.String(), "must be positive"))
	}

	switch c.Lock.Backend {
	case LockAdvisory, LockLocal:
	case LockRedis:
		if c.Redis.Addr == "" {
			me.Add(apperrors.NewValidationError("redis.addr", "", "required when lock.backend is redis"))
		}
	default:
		me.Add(apperrors.NewValidationError("lock.backend", c.Lock.Backend, "must be advisory, local or redis"))
	}

	switch c.Store.Backend {
	case StorePostgres, StoreMemory:
	default:
		me.Add(apperrors.NewValidationError("store.backend", c.Store.Backend, "must be postgres or memory"))
	}
	if c.Store.URL != "" {
		if _, err := pgpool.ParseURL(c.Store.URL); err != nil {
			me.Add(err)
		}
	}

	switch c.Log.Format {
	case "json", "console", "text":
	default:
		me.Add(apperrors.NewValidationError("log.format", c.Log.Format, "must be json or console"))
	}
	if c.Log.File.Path != "" && c.Log.File.MaxSizeMB <= 0 {
		me.Add(apperrors.NewValidationError("log.max_size_mb", fmt.Sprint(c.Log.File.MaxSizeMB), "must be positive"))
	}

	if err := c.Collect.Validate(); err != nil {
		me.Add(err)
	}
	return me.ErrorOrNil()
}

// Target returns the default monitored database.
func (c *Config) Target() (pgpool.ConnConfig, error) {
	if c.Database.URL != "" {
		return pgpool.ParseURL(c.Database.URL)
	}
	return pgpool.ConnConfig{
		Host:     c.Database.Host,
		Port:     c.Database.Port,
		User:     c.Database.User,
		Password: c.Database.Password,
		Database: c.Database.Name,
		SSLMode:  c.Database.SSLMode,
	}, nil
}

// StoreURL returns the connection string of the problem store.
func (c *Config) StoreURL() (string, error) {
	if c.Store.URL != "" {
		return c.Store.URL, nil
	}
	t, err := c.Target()
	if err != nil {
		return "", err
	}
	return t.URL(), nil
}
