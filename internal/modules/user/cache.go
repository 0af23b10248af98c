package user

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"campusride/internal/types"
)

const keyPrefix = "user:bookable:"

// Directory answers the single question the booking core asks about a user.
type Directory interface {
	IsVerifiedAndActive(ctx context.Context, id types.ID) (bool, error)
}

// CachedDirectory is a read-through Redis cache in front of a Directory.
// Cache errors fall through to the backing directory.
type CachedDirectory struct {
	next   Directory
	redis  *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewCachedDirectory(next Directory, rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *CachedDirectory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedDirectory{next: next, redis: rdb, ttl: ttl, logger: logger}
}

func cacheKey(id types.ID) string {
	return keyPrefix + string(id)
}

func (c *CachedDirectory) IsVerifiedAndActive(ctx context.Context, id types.ID) (bool, error) {
	val, err := c.redis.Get(ctx, cacheKey(id)).Result()
	switch {
	case err == nil:
		return val == "1", nil
	case err != redis.Nil:
		c.logger.Warn("user cache read failed", zap.String("user_id", string(id)), zap.Error(err))
	}

	ok, err := c.next.IsVerifiedAndActive(ctx, id)
	if err != nil {
		return false, err
	}
	v := "0"
	if ok {
		v = "1"
	}
	if err := c.redis.Set(ctx, cacheKey(id), v, c.ttl).Err(); err != nil {
		c.logger.Warn("user cache write failed", zap.String("user_id", string(id)), zap.Error(err))
	}
	return ok, nil
}

// Invalidate drops the cached answer after a verification or suspension change.
func (c *CachedDirectory) Invalidate(ctx context.Context, id types.ID) error {
	return c.redis.Del(ctx, cacheKey(id)).Err()
}
