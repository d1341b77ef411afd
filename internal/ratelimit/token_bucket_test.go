package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewTokenBucket(client, capacity, refill, time.Minute), mr
}

func TestTokenBucketCapacity(t *testing.T) {
	ctx := context.Background()
	bucket, mr := newBucket(t, 2, 0.001)

	for i := 0; i < 2; i++ {
		allowed, _, err := bucket.Allow(ctx, "rl:acme")
		require.NoError(t, err)
		assert.True(t, allowed, "token %d", i+1)
	}
	d, err := bucket.Take(ctx, "rl:acme")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Less(t, d.Remaining, 1.0)
	assert.Greater(t, d.RetryAfter, time.Minute, "refill of 0.001/s leaves a long wait")

	// Tenants do not share tokens.
	allowed, _, err := bucket.Allow(ctx, "rl:other")
	require.NoError(t, err)
	assert.True(t, allowed)

	assert.True(t, mr.Exists("rl:acme"))
	assert.Greater(t, mr.TTL("rl:acme"), time.Duration(0))
}

// The script reads time from the caller, so refill is observed in real time
// rather than with miniredis.FastForward.
func TestTokenBucketWaitRefills(t *testing.T) {
	bucket, _ := newBucket(t, 1, 20)
	limiter := bucket.Keyed("provider:shared")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, limiter.Wait(ctx))

	start := time.Now()
	require.NoError(t, limiter.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestTokenBucketWaitHonoursContext(t *testing.T) {
	bucket, _ := newBucket(t, 1, 0.001)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	require.NoError(t, bucket.Wait(ctx, "k"))
	assert.ErrorIs(t, bucket.Wait(ctx, "k"), context.DeadlineExceeded)
}

func TestTokenBucketReportsRedisErrors(t *testing.T) {
	bucket, mr := newBucket(t, 1, 1)
	mr.Close()

	_, _, err := bucket.Allow(context.Background(), "k")
	assert.Error(t, err)
}

func TestTokenBucketKeepsFractionalTokens(t *testing.T) {
	ctx := context.Background()
	bucket, mr := newBucket(t, 1, 0.001)

	first, err := bucket.Take(ctx, "rl:acme")
	require.NoError(t, err)
	require.True(t, first.Allowed)

	for i := 0; i < 2; i++ {
		time.Sleep(5 * time.Millisecond)
		d, err := bucket.Take(ctx, "rl:acme")
		require.NoError(t, err)
		assert.False(t, d.Allowed, "take %d after drain", i+2)
		assert.Less(t, d.Remaining, 0.01)
		assert.Greater(t, d.RetryAfter, time.Minute)
	}

	stored := mr.HGet("rl:acme", "tokens")
	assert.NotContains(t, stored, "e")
	assert.Regexp(t, `^0\.\d{6}$`, stored)
}
