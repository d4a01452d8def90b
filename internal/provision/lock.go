package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrLocked is returned when another provisioning run holds the partner lock.
var ErrLocked = errors.New("provisioning already in progress for this partner")

// Locker serializes provisioning runs per partner.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, err error)
}

// LockKey is the advisory lock key for a partner.
func LockKey(partnerID string) string {
	return fmt.Sprintf("lock:fiscal:%s", partnerID)
}

// RedisLocker takes advisory locks with redislock.
type RedisLocker struct {
	client *redislock.Client
}

// NewRedisLocker wraps an existing redis client.
func NewRedisLocker(rdb redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: redislock.New(rdb)}
}

func (l *RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	lock, err := l.client.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrLocked
	}
	if err != nil {
		return nil, fmt.Errorf("failed to obtain lock %s: %w", key, err)
	}
	return func(ctx context.Context) error {
		if err := lock.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			return err
		}
		return nil
	}, nil
}

// NopLocker never blocks. Used when Redis is not configured; the
// compare-and-swap writes on the profile still catch concurrent runs.
type NopLocker struct{}

func (NopLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}
