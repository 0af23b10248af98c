// README: Lock manager backed by Redis SET NX PX and a compare-and-delete script.
package lock

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "lock:"

// releaseScript deletes the key only while it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisManager struct {
	redis *redis.Client
}

func NewRedisManager(redis *redis.Client) *RedisManager {
	return &RedisManager{redis: redis}
}

func (m *RedisManager) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		return "", false, ErrInvalidTTL
	}
	token := newToken()
	ok, err := m.redis.SetNX(ctx, keyPrefix+key, token, ttl).Result()
	if err != nil {
		return "", false, errors.Wrap(err, "redis setnx")
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (m *RedisManager) Release(ctx context.Context, key, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, m.redis, []string{keyPrefix + key}, token).Int64()
	if err != nil {
		return false, errors.Wrap(err, "redis release script")
	}
	return n == 1, nil
}
