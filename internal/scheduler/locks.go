package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	redis "github.com/redis/go-redis/v9"
	obsmetrics "github.com/smallbiznis/caisse/internal/observability/metrics"
	"go.uber.org/zap"
)

const leaderLockKey = "caisse:scheduler:leader"

// LeaderLock keeps a single scheduler replica running sweeps at a time. A
// nil LeaderLock always grants.
type LeaderLock struct {
	client *redislock.Client
	key    string
	ttl    time.Duration
	log    *zap.Logger
}

func NewLeaderLock(client *redis.Client, cfg Config, log *zap.Logger) *LeaderLock {
	if client == nil {
		return nil
	}
	cfg = cfg.withDefaults()
	return &LeaderLock{
		client: redislock.New(client),
		key:    leaderLockKey,
		ttl:    cfg.LeaderLockTTL,
		log:    log.Named("scheduler.leader"),
	}
}

// Acquire returns ok=false when another replica holds the lock. The release
// func is never nil.
func (l *LeaderLock) Acquire(ctx context.Context) (func(), bool, error) {
	noop := func() {}
	if l == nil {
		return noop, true, nil
	}

	start := time.Now()
	lock, err := l.client.Obtain(ctx, l.key, l.ttl, nil)
	obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceSchedulerLeader, time.Since(start))
	if errors.Is(err, redislock.ErrNotObtained) {
		return noop, false, nil
	}
	if err != nil {
		return noop, false, err
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			l.log.Warn("scheduler leader lock release failed", zap.Error(err))
		}
	}, true, nil
}
