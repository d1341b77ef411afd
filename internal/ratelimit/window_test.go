package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowAllowsLimitPerInterval(t *testing.T) {
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	w := NewWindow(3, time.Second)
	w.now = func() time.Time { return clock }

	for i := 0; i < 3; i++ {
		assert.Zero(t, w.Reserve(), "start %d", i)
	}
	assert.Equal(t, time.Second, w.Reserve())

	clock = clock.Add(400 * time.Millisecond)
	assert.Equal(t, 600*time.Millisecond, w.Reserve())

	clock = clock.Add(600 * time.Millisecond)
	for i := 0; i < 3; i++ {
		assert.Zero(t, w.Reserve(), "start %d after the interval", i)
	}
	assert.Equal(t, time.Second, w.Reserve())
}

func TestWindowRollingNotFixed(t *testing.T) {
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	w := NewWindow(2, time.Second)
	w.now = func() time.Time { return clock }

	require.Zero(t, w.Reserve())
	clock = clock.Add(900 * time.Millisecond)
	require.Zero(t, w.Reserve())

	// First slot frees at 1s, second only at 1.9s.
	clock = clock.Add(200 * time.Millisecond)
	assert.Zero(t, w.Reserve())
	assert.Equal(t, 800*time.Millisecond, w.Reserve())
}

func TestNewWindowDisabled(t *testing.T) {
	assert.Nil(t, NewWindow(0, time.Second))
	assert.Nil(t, NewWindow(5, 0))
}

func TestWindowWaitHonoursContext(t *testing.T) {
	w := NewWindow(1, time.Hour)
	require.NoError(t, w.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.Wait(ctx), context.DeadlineExceeded)
}

func TestWindowReleaseReturnsLatestStart(t *testing.T) {
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	w := NewWindow(2, time.Second)
	w.now = func() time.Time { return clock }

	require.Zero(t, w.Reserve())
	require.Zero(t, w.Reserve())
	w.Release()
	w.Release()
	assert.Zero(t, w.Reserve(), "released start is available again")
	assert.Equal(t, time.Second, w.Reserve())

	// Ring slots restore the start they replaced.
	clock = clock.Add(time.Second)
	require.Zero(t, w.Reserve())
	w.Release()
	clock = clock.Add(-500 * time.Millisecond)
	assert.Equal(t, 500*time.Millisecond, w.Reserve())
}
