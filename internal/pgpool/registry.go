// Package pgpool keeps one pgx pool per target database and evicts the
// least recently used pool once the registry is full.
package pgpool

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/koltyakov/pgproblems/internal/errors"
)

// DefaultMaxPools bounds the number of open pools.
const DefaultMaxPools = 16

const defaultPort = 5432

// Request headers that override the default target.
const (
	HeaderHost     = "X-Db-Host"
	HeaderPort     = "X-Db-Port"
	HeaderUser     = "X-Db-User"
	HeaderPassword = "X-Db-Password"
	HeaderDatabase = "X-Db-Database"
)

// ConnConfig identifies a target database.
type ConnConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// ParseURL reads a postgres:// URL into a ConnConfig.
func ParseURL(raw string) (ConnConfig, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return ConnConfig{}, apperrors.NewValidationError("database.url", "", err.Error())
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return ConnConfig{}, apperrors.NewValidationError("database.url", u.Scheme, "scheme must be postgres or postgresql")
	}
	c := ConnConfig{
		Host:     u.Hostname(),
		Database: strings.TrimPrefix(u.Path, "/"),
		SSLMode:  u.Query().Get("sslmode"),
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return ConnConfig{}, apperrors.NewValidationError("database.url", p, "port must be a number")
		}
		c.Port = n
	}
	if u.User != nil {
		c.User = u.User.Username()
		c.Password, _ = u.User.Password()
	}
	return c, nil
}

// WithHeaders overlays the X-Db-* headers present in h on c.
func (c ConnConfig) WithHeaders(h http.Header) ConnConfig {
	if v := h.Get(HeaderHost); v != "" {
		c.Host = v
	}
	if v := h.Get(HeaderPort); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Port = n
		}
	}
	if v := h.Get(HeaderUser); v != "" {
		c.User = v
	}
	if v := h.Get(HeaderPassword); v != "" {
		c.Password = v
	}
	if v := h.Get(HeaderDatabase); v != "" {
		c.Database = v
	}
	return c
}

func (c ConnConfig) port() int {
	if c.Port == 0 {
		return defaultPort
	}
	return c.Port
}

// HostPort returns "host:port" with the default port filled in.
func (c ConnConfig) HostPort() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.port()))
}

// Key identifies the pool serving c. The password is not part of it.
func (c ConnConfig) Key() string {
	return fmt.Sprintf("%s:%d:%s:%s", c.Host, c.port(), c.User, c.Database)
}

// URL renders c as a connection string.
func (c ConnConfig) URL() string {
	u := url.URL{Scheme: "postgres", Host: c.HostPort(), Path: "/" + c.Database}
	if c.Password != "" {
		u.User = url.UserPassword(c.User, c.Password)
	} else if c.User != "" {
		u.User = url.User(c.User)
	}
	if c.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {c.SSLMode}}.Encode()
	}
	return u.String()
}

// Registry hands out pools by ConnConfig. Pinned pools stay open until
// Close; leased pools share an LRU of at most maxPools entries and an
// evicted pool is closed once its last lease is released.
type Registry struct {
	mu     sync.Mutex
	pinned map[string]*pgxpool.Pool
	pools  *lru.Cache[string, *entry]
	open   func(ctx context.Context, cfg *pgxpool.Config) (*pgxpool.Pool, error)
}

type entry struct {
	pool    *pgxpool.Pool
	refs    int
	evicted bool
	keep    bool // moved to pinned, never closed by eviction
}

// NewRegistry returns a Registry holding at most maxPools leased pools.
func NewRegistry(maxPools int) (*Registry, error) {
	if maxPools <= 0 {
		maxPools = DefaultMaxPools
	}
	// The callback runs inside cache calls made with r.mu held.
	cache, err := lru.NewWithEvict[string, *entry](maxPools, func(_ string, e *entry) {
		e.evicted = true
		if e.refs == 0 && !e.keep {
			go e.pool.Close()
		}
	})
	if err != nil {
		return nil, err
	}
	return &Registry{
		pinned: map[string]*pgxpool.Pool{},
		pools:  cache,
		open:   pgxpool.NewWithConfig,
	}, nil
}

// Pin returns the pool for c and keeps it open until Close. Long-lived
// holders such as the scan coordinator use pinned pools.
func (r *Registry) Pin(ctx context.Context, c ConnConfig) (*pgxpool.Pool, error) {
	key := c.Key()
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.pinned[key]; ok {
		return p, nil
	}
	if e, ok := r.pools.Peek(key); ok {
		e.keep = true
		r.pools.Remove(key)
		r.pinned[key] = e.pool
		return e.pool, nil
	}
	p, err := r.dial(ctx, c)
	if err != nil {
		return nil, err
	}
	r.pinned[key] = p
	return p, nil
}

// Lease returns the pool for c, creating it on first use. The pool stays
// usable until release is called, even if it is evicted meanwhile.
// Pinned pools are returned with a no-op release.
func (r *Registry) Lease(ctx context.Context, c ConnConfig) (_ *pgxpool.Pool, release func(), _ error) {
	key := c.Key()
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.pinned[key]; ok {
		return p, func() {}, nil
	}
	e, ok := r.pools.Get(key)
	if !ok {
		p, err := r.dial(ctx, c)
		if err != nil {
			return nil, nil, err
		}
		e = &entry{pool: p}
		r.pools.Add(key, e)
	}
	e.refs++

	var once sync.Once
	return e.pool, func() { once.Do(func() { r.release(e) }) }, nil
}

func (r *Registry) release(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.refs--
	if e.refs == 0 && e.evicted && !e.keep {
		go e.pool.Close()
	}
}

func (r *Registry) dial(ctx context.Context, c ConnConfig) (*pgxpool.Pool, error) {
	key := c.Key()
	cfg, err := pgxpool.ParseConfig(c.URL())
	if err != nil {
		return nil, apperrors.NewValidationError("connection", key, err.Error())
	}
	p, err := r.open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", apperrors.ErrConnectionFailed, key, err)
	}
	return p, nil
}

// Len returns the number of leased pools in the LRU.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pools.Len()
}

// Close closes every pool, pinned or leased.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range r.pools.Keys() {
		if e, ok := r.pools.Peek(key); ok {
			e.keep = true
			e.pool.Close()
		}
	}
	r.pools.Purge()
	for key, p := range r.pinned {
		p.Close()
		delete(r.pinned, key)
	}
}
