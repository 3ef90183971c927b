package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNotAcquired is returned when another run holds the lock.
var ErrNotAcquired = errors.New("lock held by another run")

const keyPrefix = "tankwatch:lock:"

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker guards a named job against concurrent runs.
type Locker interface {
	// Acquire takes the lock or returns ErrNotAcquired. The returned func
	// releases it.
	Acquire(ctx context.Context, name string) (release func(context.Context) error, err error)
}

// RedisLocker is a single-instance Redis lock with a TTL.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisLocker creates a new lock backed by client
func NewRedisLocker(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &RedisLocker{client: client, ttl: ttl, logger: logger}
}

// Acquire implements Locker.
func (l *RedisLocker) Acquire(ctx context.Context, name string) (func(context.Context) error, error) {
	key := keyPrefix + name
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("[REDIS] failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNotAcquired)
	}

	l.logger.Debug("lock acquired", zap.String("key", key), zap.Duration("ttl", l.ttl))

	release := func(ctx context.Context) error {
		deleted, err := releaseScript.Run(ctx, l.client, []string{key}, token).Int()
		if err != nil {
			return fmt.Errorf("[REDIS] failed to release lock %s: %w", key, err)
		}
		if deleted == 0 {
			l.logger.Warn("lock expired before release", zap.String("key", key))
		}
		return nil
	}
	return release, nil
}

// NopLocker always succeeds. It is used when Redis is not configured.
type NopLocker struct{}

// Acquire implements Locker.
func (NopLocker) Acquire(context.Context, string) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}
