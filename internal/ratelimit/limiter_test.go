package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(start time.Time, offset time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = start.Add(offset)
}

func TestCanSendWindowExceeded(t *testing.T) {
	clock := newFakeClock()
	start := clock.Now()
	limiter := New(DefaultConfig, WithClock(clock.Now))

	for i := 0; i < 15; i++ {
		limiter.RecordSent("instance-1")
	}

	clock.Set(start, time.Millisecond)
	d := limiter.CanSend("instance-1")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonWindowExceeded, d.Reason)
	assert.Equal(t, 60*time.Second-time.Millisecond, d.Wait)

	clock.Set(start, 60*time.Second+time.Millisecond)
	d = limiter.CanSend("instance-1")
	assert.True(t, d.Allowed)
	assert.Equal(t, ReasonNone, d.Reason)
}

func TestCanSendSpacing(t *testing.T) {
	clock := newFakeClock()
	start := clock.Now()
	limiter := New(DefaultConfig, WithClock(clock.Now))

	limiter.RecordSent("instance-1")

	clock.Set(start, 2999*time.Millisecond)
	d := limiter.CanSend("instance-1")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonSpacing, d.Reason)
	assert.Equal(t, int64(1), d.WaitMs)

	clock.Set(start, 3000*time.Millisecond)
	assert.True(t, limiter.CanSend("instance-1").Allowed)
}

func TestFailedCheckDoesNotRecord(t *testing.T) {
	clock := newFakeClock()
	limiter := New(DefaultConfig, WithClock(clock.Now))

	limiter.RecordSent("instance-1")
	for i := 0; i < 5; i++ {
		require.False(t, limiter.CanSend("instance-1").Allowed)
	}

	assert.Equal(t, 1, limiter.Status("instance-1").CountInWindow)
}

func TestChannelsAreIndependent(t *testing.T) {
	clock := newFakeClock()
	limiter := New(DefaultConfig, WithClock(clock.Now))

	limiter.RecordSent("instance-1")

	assert.False(t, limiter.CanSend("instance-1").Allowed)
	assert.True(t, limiter.CanSend("instance-2").Allowed)
}

func TestAcquireRecordsOnlyWhenAllowed(t *testing.T) {
	clock := newFakeClock()
	start := clock.Now()
	limiter := New(DefaultConfig, WithClock(clock.Now))

	assert.True(t, limiter.Acquire("instance-1").Allowed)
	assert.False(t, limiter.Acquire("instance-1").Allowed)
	assert.Equal(t, 1, limiter.Status("instance-1").CountInWindow)

	clock.Set(start, 3*time.Second)
	assert.True(t, limiter.Acquire("instance-1").Allowed)
	assert.Equal(t, 2, limiter.Status("instance-1").CountInWindow)
}

func TestStatus(t *testing.T) {
	clock := newFakeClock()
	start := clock.Now()
	limiter := New(Config{Window: 10 * time.Second, Capacity: 3, MinSpacing: time.Second}, WithClock(clock.Now))

	status := limiter.Status("instance-1")
	assert.Equal(t, Status{CountInWindow: 0, MaxPerWindow: 3, NextAllowedInMs: 0}, status)

	limiter.RecordSent("instance-1")
	clock.Set(start, 500*time.Millisecond)

	status = limiter.Status("instance-1")
	assert.Equal(t, 1, status.CountInWindow)
	assert.Equal(t, int64(500), status.NextAllowedInMs)

	clock.Set(start, 11*time.Second)
	status = limiter.Status("instance-1")
	assert.Equal(t, 0, status.CountInWindow)
	assert.Equal(t, int64(0), status.NextAllowedInMs)
}

func TestWaitForRateLimit(t *testing.T) {
	limiter := New(Config{Window: time.Second, Capacity: 10, MinSpacing: 30 * time.Millisecond})

	limiter.RecordSent("instance-1")
	started := time.Now()
	require.NoError(t, limiter.WaitForRateLimit(context.Background(), "instance-1"))

	assert.GreaterOrEqual(t, time.Since(started), 20*time.Millisecond)
	assert.True(t, limiter.CanSend("instance-1").Allowed)
}

func TestWaitForRateLimitHonoursContext(t *testing.T) {
	limiter := New(Config{Window: time.Minute, Capacity: 10, MinSpacing: time.Minute})
	limiter.RecordSent("instance-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, limiter.WaitForRateLimit(ctx, "instance-1"), context.Canceled)
}
