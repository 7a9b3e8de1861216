package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBucket is a Redis-backed token bucket. Every worker configured with
// the same key draws from one shared budget.
type TokenBucket struct {
	client   *redis.Client
	key      string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

// NewTokenBucket constructs a bucket holding at most capacity tokens.
func NewTokenBucket(client *redis.Client, key string, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		key:      key,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// ClusterPerMinute shares max jobs per minute across all workers using key.
func ClusterPerMinute(client *redis.Client, key string, max int) *TokenBucket {
	return NewTokenBucket(client, key, max, float64(max)/60, 2*time.Minute)
}

// Allow takes one token if available. When it is not, retryAfter is the
// time until the next token refills.
func (b *TokenBucket) Allow(ctx context.Context) (allowed bool, retryAfter time.Duration, err error) {
	res, err := takeScript.Run(ctx, b.client, []string{b.key},
		b.capacity, b.refill, time.Now().UnixMilli(), b.ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("token bucket %s: %w", b.key, err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("token bucket %s: unexpected reply %v", b.key, res)
	}
	return res[0] == 1, time.Duration(res[1]) * time.Millisecond, nil
}

// Wait blocks until a token is granted or ctx is done.
func (b *TokenBucket) Wait(ctx context.Context) error {
	for {
		allowed, retryAfter, err := b.Allow(ctx)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}
		if retryAfter <= 0 {
			retryAfter = time.Second
		}
		t := time.NewTimer(retryAfter)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Undo returns one token, never exceeding capacity.
func (b *TokenBucket) Undo(ctx context.Context) {
	_ = refundScript.Run(ctx, b.client, []string{b.key}, b.capacity).Err()
}

// takeScript returns {allowed, retry_after_ms}.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1]) or capacity
local ts = tonumber(state[2]) or now
if now > ts then
  tokens = math.min(capacity, tokens + (now - ts) * rate / 1000)
end

local granted = 0
local retry = 0
if tokens >= 1 then
  granted = 1
  tokens = tokens - 1
elseif rate > 0 then
  retry = math.ceil((1 - tokens) * 1000 / rate)
else
  retry = -1
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', now)
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return {granted, retry}
`)

var refundScript = redis.NewScript(`
local tokens = tonumber(redis.call('HGET', KEYS[1], 'tokens'))
if tokens == nil then
  return 0
end
redis.call('HSET', KEYS[1], 'tokens', tostring(math.min(tonumber(ARGV[1]), tokens + 1)))
return 1
`)
