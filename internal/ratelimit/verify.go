package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/caisse/internal/config"
	obsmetrics "github.com/smallbiznis/caisse/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	keyLedgerVerifyOrg  = "ledger:verify:org:%s"
	keyLedgerVerifyLock = "ledger:verify:lock:%s"

	endpointLedgerVerify = "ledger.verify"
)

var (
	ErrRateLimited          = errors.New("rate_limited")
	ErrVerificationInFlight = errors.New("verification_in_progress")
)

// LimitedError carries the retry hint of a denied request.
type LimitedError struct {
	RetryAfter time.Duration
}

func (e *LimitedError) Error() string {
	return fmt.Sprintf("rate_limited: retry after %s", e.RetryAfter)
}

func (e *LimitedError) Unwrap() error { return ErrRateLimited }

type VerifyLimiterParams struct {
	fx.In

	Config  config.Config
	Log     *zap.Logger
	Client  *redis.Client       `optional:"true"`
	Metrics *obsmetrics.Metrics `optional:"true"`
}

// VerifyLimiter throttles full-chain verification per tenant and allows at
// most one verification per tenant at a time.
type VerifyLimiter struct {
	enabled bool
	log     *zap.Logger
	metrics *obsmetrics.Metrics

	bucket *tenantBucket
	lock   *tenantLock
}

func NewVerifyLimiter(p VerifyLimiterParams) (*VerifyLimiter, error) {
	limitCfg := p.Config.RateLimit
	log := p.Log.Named("ratelimit.verify")
	if !limitCfg.VerifyEnabled || p.Client == nil {
		return &VerifyLimiter{log: log}, nil
	}
	if limitCfg.VerifyRate <= 0 || limitCfg.VerifyBurst <= 0 || limitCfg.VerifyWindow <= 0 {
		return nil, errors.New("ledger verify rate limit must be positive")
	}

	lockTTL := p.Config.Scheduler.VerifyTimeout
	if lockTTL <= 0 {
		lockTTL = 5 * time.Minute
	}

	bucket, err := newTenantBucket(p.Client, float64(limitCfg.VerifyRate)/limitCfg.VerifyWindow.Seconds(), limitCfg.VerifyBurst)
	if err != nil {
		return nil, err
	}
	lock, err := newTenantLock(p.Client, lockTTL)
	if err != nil {
		return nil, err
	}

	return &VerifyLimiter{
		enabled: true,
		log:     log,
		metrics: p.Metrics,
		bucket:  bucket,
		lock:    lock,
	}, nil
}

func (l *VerifyLimiter) Enabled() bool {
	return l != nil && l.enabled
}

// Allow takes one token from the tenant bucket. A redis failure lets the
// request through.
func (l *VerifyLimiter) Allow(ctx context.Context, orgID string) error {
	if !l.Enabled() {
		return nil
	}
	orgID = strings.TrimSpace(orgID)
	granted, retryAfter, err := l.bucket.take(ctx, fmt.Sprintf(keyLedgerVerifyOrg, orgID))
	if err != nil {
		l.log.Warn("verify rate limit check failed", zap.String("org_id", orgID), zap.Error(err))
		return nil
	}
	if !granted {
		l.metrics.RecordRateLimitDenied(ctx, orgID, endpointLedgerVerify, "bucket_empty")
		return &LimitedError{RetryAfter: retryAfter}
	}
	l.metrics.RecordRateLimitAllowed(ctx, orgID, endpointLedgerVerify)
	return nil
}

// Acquire takes the tenant verification lock. The returned release func is
// never nil.
func (l *VerifyLimiter) Acquire(ctx context.Context, orgID string) (func(), error) {
	noop := func() {}
	if !l.Enabled() {
		return noop, nil
	}
	orgID = strings.TrimSpace(orgID)
	key := fmt.Sprintf(keyLedgerVerifyLock, orgID)
	lock, err := l.lock.obtain(ctx, key)
	if err != nil {
		l.log.Warn("verify lock unavailable", zap.String("org_id", orgID), zap.Error(err))
		return noop, nil
	}
	if lock == nil {
		l.metrics.RecordRateLimitDenied(ctx, orgID, endpointLedgerVerify, "in_flight")
		return noop, ErrVerificationInFlight
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := releaseLock(releaseCtx, lock); err != nil {
			l.log.Warn("verify lock release failed", zap.String("org_id", orgID), zap.Error(err))
		}
	}, nil
}
