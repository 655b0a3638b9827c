package ratelimit

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testEpoch = float64(1_000_000)

// setupLimiter wires a limiter against miniredis with an injectable clock.
func setupLimiter(t *testing.T) (*RedisLimiter, *miniredis.Miniredis, *float64) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	l, err := NewRedis(RedisConfig{Client: client})
	require.NoError(t, err)

	clock := testEpoch
	l.now = func() float64 { return clock }
	return l, mr, &clock
}

func TestAllowDrainsBurstThenDenies(t *testing.T) {
	l, _, _ := setupLimiter(t)
	ctx := context.Background()

	// FREE tier: 20 rpm, burst 5. The burst goes through untouched.
	for i := 0; i < 5; i++ {
		d, err := l.Allow(ctx, "tenant-1", 20, 5, 1)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "call %d should pass", i+1)
		assert.InDelta(t, float64(4-i), d.Remaining, 1e-9)
		assert.Zero(t, d.RetryAfter)
	}

	d, err := l.Allow(ctx, "tenant-1", 20, 5, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.InDelta(t, 0, d.Remaining, 1e-9)
	// One token refills every three seconds at 20 rpm.
	assert.Equal(t, 3*time.Second, d.RetryAfter)
}

func TestAllowRefillsOverTime(t *testing.T) {
	l, _, clock := setupLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := l.Allow(ctx, "tenant-1", 20, 5, 1)
		require.NoError(t, err)
	}

	// Half a token refilled: still denied, and the hint shrinks to match.
	*clock += 1.5
	d, err := l.Allow(ctx, "tenant-1", 20, 5, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.InDelta(t, 0.5, d.Remaining, 1e-9)
	assert.Equal(t, 1500*time.Millisecond, d.RetryAfter)

	// The denial wrote nothing, so refill still counts from the last allow.
	*clock += 1.5
	d, err = l.Allow(ctx, "tenant-1", 20, 5, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.InDelta(t, 0, d.Remaining, 1e-9)
}

func TestDeniedCallWritesNoState(t *testing.T) {
	l, mr, clock := setupLimiter(t)
	ctx := context.Background()

	_, err := l.Allow(ctx, "tenant-1", 20, 1, 1)
	require.NoError(t, err)

	*clock += 2
	d, err := l.Allow(ctx, "tenant-1", 20, 1, 1)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	stamp, err := mr.Get(stampKey("tenant-1"))
	require.NoError(t, err)
	f, err := strconv.ParseFloat(stamp, 64)
	require.NoError(t, err)
	assert.InDelta(t, testEpoch, f, 1e-6, "last_update must stay at the last allow")
}

func TestAllowChargesReasoningCost(t *testing.T) {
	l, _, _ := setupLimiter(t)
	ctx := context.Background()

	d, err := l.Allow(ctx, "tenant-1", 20, 5, 3)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.InDelta(t, 2, d.Remaining, 1e-9)

	d, err = l.Allow(ctx, "tenant-1", 20, 5, 3)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 3*time.Second, d.RetryAfter)

	d, err = l.Allow(ctx, "tenant-1", 20, 5, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRefillCapsAtBurst(t *testing.T) {
	l, _, clock := setupLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := l.Allow(ctx, "tenant-1", 20, 5, 1)
		require.NoError(t, err)
	}

	*clock += 600
	d, err := l.Allow(ctx, "tenant-1", 20, 5, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.InDelta(t, 4, d.Remaining, 1e-9)
}

func TestIdleBucketEvictsAndReinitializes(t *testing.T) {
	l, mr, _ := setupLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := l.Allow(ctx, "tenant-1", 20, 5, 1)
		require.NoError(t, err)
	}
	assert.Equal(t, 120*time.Second, mr.TTL(tokensKey("tenant-1")))
	assert.Equal(t, 120*time.Second, mr.TTL(stampKey("tenant-1")))

	mr.FastForward(121 * time.Second)
	assert.False(t, mr.Exists(tokensKey("tenant-1")))

	// A drained but evicted bucket comes back full.
	d, err := l.Allow(ctx, "tenant-1", 20, 5, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.InDelta(t, 4, d.Remaining, 1e-9)
}

func TestResetDeletesBothKeys(t *testing.T) {
	l, mr, _ := setupLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := l.Allow(ctx, "tenant-1", 20, 5, 1)
		require.NoError(t, err)
	}

	require.NoError(t, l.Reset(ctx, "tenant-1"))
	assert.False(t, mr.Exists(tokensKey("tenant-1")))
	assert.False(t, mr.Exists(stampKey("tenant-1")))

	d, err := l.Allow(ctx, "tenant-1", 20, 5, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.InDelta(t, 4, d.Remaining, 1e-9)
}

func TestBucketsAreIsolatedPerTenant(t *testing.T) {
	l, _, _ := setupLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := l.Allow(ctx, "tenant-a", 20, 5, 1)
		require.NoError(t, err)
	}
	d, err := l.Allow(ctx, "tenant-a", 20, 5, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	d, err = l.Allow(ctx, "tenant-b", 20, 5, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestAllowValidation(t *testing.T) {
	l, _, _ := setupLimiter(t)
	ctx := context.Background()

	_, err := l.Allow(ctx, "", 20, 5, 1)
	assert.Error(t, err)

	_, err = l.Allow(ctx, "tenant-1", 0, 5, 1)
	assert.Error(t, err)

	_, err = l.Allow(ctx, "tenant-1", 20, 0, 1)
	assert.Error(t, err)

	// Non-positive charges count as one token.
	d, err := l.Allow(ctx, "tenant-1", 20, 5, 0)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.InDelta(t, 4, d.Remaining, 1e-9)
}

func TestAllowFailsFastWhenStoreIsDown(t *testing.T) {
	l, mr, _ := setupLimiter(t)
	mr.Close()

	_, err := l.Allow(context.Background(), "tenant-1", 20, 5, 1)
	assert.Error(t, err)
}

func TestNewRedisRequiresClient(t *testing.T) {
	_, err := NewRedis(RedisConfig{})
	assert.Error(t, err)
}

func TestNoopAlwaysAllows(t *testing.T) {
	var l Limiter = Noop{}
	d, err := l.Allow(context.Background(), "anyone", 20, 5, 3)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.InDelta(t, 5, d.Remaining, 1e-9)
	assert.Zero(t, d.RetryAfter)
	assert.NoError(t, l.Reset(context.Background(), "anyone"))
}
