package lock

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/koltyakov/pgproblems/internal/errors"
)

// DefaultScanLockKey is the advisory lock key used for ScanLockName.
const DefaultScanLockKey int64 = 42001001

// Advisory takes PostgreSQL session advisory locks. Each held lock pins one
// pooled connection until it is released.
type Advisory struct {
	pool *pgxpool.Pool
	keys map[string]int64
}

var _ Locker = (*Advisory)(nil)

// NewAdvisory returns an advisory Locker on pool. keys overrides the key of
// specific names; other names hash with KeyFor.
func NewAdvisory(pool *pgxpool.Pool, keys map[string]int64) *Advisory {
	k := map[string]int64{ScanLockName: DefaultScanLockKey}
	for name, key := range keys {
		k[name] = key
	}
	return &Advisory{pool: pool, keys: k}
}

func (a *Advisory) key(name string) int64 {
	if k, ok := a.keys[name]; ok {
		return k
	}
	return KeyFor(name)
}

func (a *Advisory) TryLock(ctx context.Context, name string) (Releaser, bool, error) {
	conn, err := a.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("lock %s: %w: %w", name, apperrors.ErrConnectionFailed, err)
	}
	key := a.key(name)

	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("lock %s: %w", name, err)
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}
	return &advisoryReleaser{conn: conn, key: key}, true, nil
}

type advisoryReleaser struct {
	conn *pgxpool.Conn
	key  int64
}

func (r *advisoryReleaser) Release(ctx context.Context) error {
	if r.conn == nil {
		return apperrors.ErrLockNotHeld
	}
	conn := r.conn
	r.conn = nil
	defer conn.Release()

	var ok bool
	if err := conn.QueryRow(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", r.key).Scan(&ok); err != nil {
		// The session may still hold the lock; drop the connection so the
		// server frees it.
		_ = conn.Conn().Close(context.WithoutCancel(ctx))
		return fmt.Errorf("unlock %d: %w", r.key, err)
	}
	if !ok {
		return apperrors.ErrLockNotHeld
	}
	return nil
}
