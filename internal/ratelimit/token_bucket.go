package ratelimit

import (
	"context"
	"errors"
	"math"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// verifyBucketScript refills KEYS[1] at ARGV[1] tokens per second up to
// ARGV[2], takes one token when available and answers {granted, retry_ms}.
// Redis truncates lua numbers on return, so the retry hint is computed here
// in whole milliseconds.
const verifyBucketScript = `
local per_second = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local ttl_ms = tonumber(ARGV[3])

local clock = redis.call("TIME")
local now_ms = clock[1] * 1000 + math.floor(clock[2] / 1000)

local state = redis.call("HMGET", KEYS[1], "level", "at")
local level = tonumber(state[1]) or capacity
local at = tonumber(state[2]) or now_ms
if now_ms > at then
  level = math.min(capacity, level + (now_ms - at) * per_second / 1000)
end

local granted = 0
local retry_ms = 0
if level >= 1 then
  granted = 1
  level = level - 1
else
  retry_ms = math.ceil((1 - level) * 1000 / per_second)
end

redis.call("HSET", KEYS[1], "level", tostring(level), "at", now_ms)
redis.call("PEXPIRE", KEYS[1], ttl_ms)
return {granted, retry_ms}
`

// tenantBucket is the redis token bucket behind ledger verification
// throttling. Every tenant gets its own key.
type tenantBucket struct {
	client   *redis.Client
	script   *redis.Script
	perSec   float64
	capacity int
	ttl      time.Duration
}

func newTenantBucket(client *redis.Client, perSec float64, capacity int) (*tenantBucket, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if perSec <= 0 || capacity <= 0 {
		return nil, errors.New("bucket rate and capacity must be positive")
	}
	// Keep the key around for twice the time an empty bucket needs to refill.
	ttl := time.Duration(math.Ceil(2*float64(capacity)/perSec)) * time.Second
	if ttl < time.Second {
		ttl = time.Second
	}
	return &tenantBucket{
		client:   client,
		script:   redis.NewScript(verifyBucketScript),
		perSec:   perSec,
		capacity: capacity,
		ttl:      ttl,
	}, nil
}

// take consumes one token. retryAfter is zero when granted.
func (b *tenantBucket) take(ctx context.Context, key string) (bool, time.Duration, error) {
	if key == "" {
		return false, 0, errors.New("bucket key is empty")
	}
	values, err := b.script.Run(ctx, b.client, []string{key}, b.perSec, b.capacity, b.ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return false, 0, err
	}
	if len(values) != 2 {
		return false, 0, errors.New("unexpected bucket script reply")
	}
	return values[0] == 1, time.Duration(values[1]) * time.Millisecond, nil
}
