package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jspenaq/DataSeed/internal/kv"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, capacity int, refillRate float64) (*Limiter, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := kv.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { store.Close() })

	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	return New(capacity, refillRate, store).WithClock(clock.Now), clock
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestLimiterBurstThenDeny(t *testing.T) {
	limiter, _ := newTestLimiter(t, 10, 1.0)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		allowed, remaining, _, err := limiter.Allow(ctx, "client-1")
		require.NoError(t, err)
		assert.True(t, allowed, "call %d should be allowed", i+1)
		assert.Equal(t, 9-i, remaining)
	}

	allowed, remaining, resetAt, err := limiter.Allow(ctx, "client-1")
	require.NoError(t, err)
	assert.False(t, allowed, "11th call should be denied")
	assert.Equal(t, 0, remaining)
	assert.False(t, resetAt.IsZero())
}

func TestLimiterRefillAfterWait(t *testing.T) {
	limiter, clock := newTestLimiter(t, 10, 1.0)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		allowed, _, _, err := limiter.Allow(ctx, "client-1")
		require.NoError(t, err)
		require.True(t, allowed)
	}

	allowed, _, _, err := limiter.Allow(ctx, "client-1")
	require.NoError(t, err)
	require.False(t, allowed)

	// One simulated second refills exactly one token.
	clock.Advance(time.Second)

	allowed, _, _, err = limiter.Allow(ctx, "client-1")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, _, _, err = limiter.Allow(ctx, "client-1")
	require.NoError(t, err)
	assert.False(t, allowed, "only one token should have refilled")
}

func TestLimiterDenialDoesNotAdvanceTimestamp(t *testing.T) {
	limiter, clock := newTestLimiter(t, 2, 1.0)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, _, _, err := limiter.Allow(ctx, "client-1")
		require.NoError(t, err)
		require.True(t, allowed)
	}

	// Hammer the empty bucket for half a second; each denial leaves the
	// refill timestamp untouched so partial refills keep accumulating.
	for i := 0; i < 5; i++ {
		clock.Advance(100 * time.Millisecond)
		allowed, _, _, err := limiter.Allow(ctx, "client-1")
		require.NoError(t, err)
		require.False(t, allowed)
	}

	clock.Advance(500 * time.Millisecond)
	allowed, _, _, err := limiter.Allow(ctx, "client-1")
	require.NoError(t, err)
	assert.True(t, allowed, "a full second of refill has elapsed in total")
}

func TestLimiterIdentifierIsolation(t *testing.T) {
	limiter, _ := newTestLimiter(t, 3, 1.0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, _, _, err := limiter.Allow(ctx, "client-a")
		require.NoError(t, err)
		require.True(t, allowed)
	}
	allowed, _, _, err := limiter.Allow(ctx, "client-a")
	require.NoError(t, err)
	require.False(t, allowed)

	// Exhausting client-a must not affect client-b.
	allowed, remaining, _, err := limiter.Allow(ctx, "client-b")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 2, remaining)
}

func TestLimiterFirstCallStartsFull(t *testing.T) {
	limiter, _ := newTestLimiter(t, 5, 2.0)
	ctx := context.Background()

	allowed, remaining, resetAt, err := limiter.Allow(ctx, "fresh")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 4, remaining)
	assert.False(t, resetAt.IsZero())
}
