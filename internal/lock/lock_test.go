package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/koltyakov/pgproblems/internal/errors"
)

func TestLocalTryLock(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()

	r1, ok, err := l.TryLock(ctx, ScanLockName)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, ScanLockName)
	require.NoError(t, err)
	assert.False(t, ok, "held lock must not be acquired twice")

	r2, ok, err := l.TryLock(ctx, "other")
	require.NoError(t, err)
	assert.True(t, ok, "names are independent")
	require.NoError(t, r2.Release(ctx))

	require.NoError(t, r1.Release(ctx))
	assert.ErrorIs(t, r1.Release(ctx), apperrors.ErrLockNotHeld)

	r3, ok, err := l.TryLock(ctx, ScanLockName)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, r3.Release(ctx))
}

func TestLocalMutualExclusion(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()

	var acquired atomic.Int32
	var tried, done sync.WaitGroup
	hold := make(chan struct{})
	for i := 0; i < 8; i++ {
		tried.Add(1)
		done.Add(1)
		go func() {
			defer done.Done()
			r, ok, err := l.TryLock(ctx, ScanLockName)
			tried.Done()
			if err != nil || !ok {
				return
			}
			acquired.Add(1)
			<-hold
			_ = r.Release(ctx)
		}()
	}

	tried.Wait()
	close(hold)
	done.Wait()
	assert.EqualValues(t, 1, acquired.Load())
}

func TestKeyFor(t *testing.T) {
	assert.Equal(t, KeyFor("pgproblems:scan"), KeyFor("pgproblems:scan"))
	assert.NotEqual(t, KeyFor("a"), KeyFor("b"))
}

func TestAdvisoryKeys(t *testing.T) {
	a := NewAdvisory(nil, map[string]int64{"custom": 7})
	assert.Equal(t, DefaultScanLockKey, a.key(ScanLockName))
	assert.EqualValues(t, 7, a.key("custom"))
	assert.Equal(t, KeyFor("other"), a.key("other"))
}

func TestNewRedisDefaultTTL(t *testing.T) {
	assert.Equal(t, DefaultRedisTTL, NewRedis(nil, 0).ttl)
}
