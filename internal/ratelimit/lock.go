package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	redis "github.com/redis/go-redis/v9"
)

// tenantLock is a redis lease that keeps a single verification per tenant in
// flight across API replicas.
type tenantLock struct {
	client *redislock.Client
	ttl    time.Duration
}

func newTenantLock(client *redis.Client, ttl time.Duration) (*tenantLock, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if ttl <= 0 {
		return nil, errors.New("lock ttl must be positive")
	}
	return &tenantLock{client: redislock.New(client), ttl: ttl}, nil
}

// obtain returns a nil lock and no error when another holder has key.
func (l *tenantLock) obtain(ctx context.Context, key string) (*redislock.Lock, error) {
	lock, err := l.client.Obtain(ctx, key, l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return lock, nil
}

func releaseLock(ctx context.Context, lock *redislock.Lock) error {
	if lock == nil {
		return nil
	}
	if err := lock.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
		return err
	}
	return nil
}
