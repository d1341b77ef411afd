package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBucket is a token bucket shared through Redis, so every process using
// the same key draws from one budget.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

// Decision is the outcome of one Take.
type Decision struct {
	Allowed   bool
	Remaining float64
	// RetryAfter is how long until a token is available. It is zero when
	// allowed or when the bucket never refills.
	RetryAfter time.Duration
}

// NewTokenBucket builds a bucket. Idle keys expire after ttl.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// Take consumes one token for key if one is available.
func (b *TokenBucket) Take(ctx context.Context, key string) (Decision, error) {
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{key}, b.capacity, b.refill, now, b.ttl.Milliseconds()).Slice()
	if err != nil {
		return Decision{}, err
	}
	return parseReply(res)
}

// Allow is Take reduced to the allowed flag and the remaining tokens.
func (b *TokenBucket) Allow(ctx context.Context, key string) (bool, float64, error) {
	d, err := b.Take(ctx, key)
	return d.Allowed, d.Remaining, err
}

func parseReply(res []any) (Decision, error) {
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("unexpected token bucket reply: %v", res)
	}
	allowed, ok := res[0].(int64)
	if !ok {
		return Decision{}, fmt.Errorf("unexpected token bucket flag: %T", res[0])
	}
	raw, ok := res[1].(string)
	if !ok {
		return Decision{}, fmt.Errorf("unexpected token bucket count: %T", res[1])
	}
	remaining, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return Decision{}, fmt.Errorf("parse token count %q: %w", raw, err)
	}
	retryMS, _ := res[2].(int64)
	return Decision{
		Allowed:    allowed == 1,
		Remaining:  remaining,
		RetryAfter: time.Duration(retryMS) * time.Millisecond,
	}, nil
}

// Wait blocks until a token for key is taken or ctx is done.
func (b *TokenBucket) Wait(ctx context.Context, key string) error {
	for {
		d, err := b.Take(ctx, key)
		if err != nil {
			return fmt.Errorf("token bucket %s: %w", key, err)
		}
		if d.Allowed {
			return nil
		}
		timer := time.NewTimer(max(d.RetryAfter, 50*time.Millisecond))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Keyed binds the bucket to one key so it satisfies Limiter.
func (b *TokenBucket) Keyed(key string) Limiter {
	return keyedBucket{bucket: b, key: key}
}

type keyedBucket struct {
	bucket *TokenBucket
	key    string
}

func (k keyedBucket) Wait(ctx context.Context) error {
	return k.bucket.Wait(ctx, k.key)
}

// Lua numbers come back from Redis truncated to integers, so the remaining
// count is returned as a string. Counts are written in fixed-point notation
// because tonumber does not parse every exponent form tostring emits.
var bucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'last_ms')
local tokens = tonumber(state[1]) or capacity
local last = tonumber(state[2]) or now

tokens = math.min(capacity, tokens + math.max(0, now - last) / 1000 * rate)

local allowed = 0
local retry_ms = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
elseif rate > 0 then
  retry_ms = math.ceil((1 - tokens) / rate * 1000)
end

redis.call('HSET', KEYS[1], 'tokens', string.format('%.6f', tokens), 'last_ms', now)
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return {allowed, string.format('%.6f', tokens), retry_ms}
`)
