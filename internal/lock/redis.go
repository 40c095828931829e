package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	apperrors "github.com/koltyakov/pgproblems/internal/errors"
)

// DefaultRedisTTL bounds how long a crashed holder can keep a Redis lock.
const DefaultRedisTTL = 10 * time.Minute

const redisKeyPrefix = "lock:"

var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Redis is a Locker for multi-instance deployments sharing one Redis.
type Redis struct {
	client goredis.UniversalClient
	ttl    time.Duration
}

var _ Locker = (*Redis)(nil)

// NewRedis returns a Redis Locker. A zero ttl uses DefaultRedisTTL.
func NewRedis(client goredis.UniversalClient, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &Redis{client: client, ttl: ttl}
}

func (r *Redis) TryLock(ctx context.Context, name string) (Releaser, bool, error) {
	key := redisKeyPrefix + name
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lock %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &redisReleaser{client: r.client, key: key, token: token}, true, nil
}

type redisReleaser struct {
	client goredis.UniversalClient
	key    string
	token  string
}

// Release deletes the key only if it still carries this holder's token.
func (r *redisReleaser) Release(ctx context.Context) error {
	n, err := releaseScript.Run(context.WithoutCancel(ctx), r.client, []string{r.key}, r.token).Int64()
	if err != nil {
		return fmt.Errorf("unlock %s: %w", r.key, err)
	}
	if n == 0 {
		return apperrors.ErrLockNotHeld
	}
	return nil
}
