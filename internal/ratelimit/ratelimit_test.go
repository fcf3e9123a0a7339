package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClock() *manualClock {
	return &manualClock{t: time.Unix(1_700_000_000, 0)}
}

func TestSlidingWindowLimitsPerSubject(t *testing.T) {
	clock := newClock()
	l := NewSlidingWindow(Config{Limit: 3, Window: time.Minute, Buckets: 6})
	l.now = clock.Now
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Allow(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 2-i, d.Remaining)
	}
	d, err := l.Allow(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Minute, d.RetryAfter)

	d, err = l.Allow(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "subjects are independent")
}

func TestSlidingWindowSlides(t *testing.T) {
	clock := newClock()
	l := NewSlidingWindow(Config{Limit: 2, Window: time.Minute, Buckets: 6})
	l.now = clock.Now
	ctx := context.Background()

	d, _ := l.Allow(ctx, "alice")
	require.True(t, d.Allowed)
	clock.Advance(30 * time.Second)
	d, _ = l.Allow(ctx, "alice")
	require.True(t, d.Allowed)
	d, _ = l.Allow(ctx, "alice")
	require.False(t, d.Allowed)
	assert.Equal(t, 30*time.Second, d.RetryAfter)

	// The first request leaves the window; the second is still inside.
	clock.Advance(30 * time.Second)
	d, _ = l.Allow(ctx, "alice")
	assert.True(t, d.Allowed)
	d, _ = l.Allow(ctx, "alice")
	assert.False(t, d.Allowed)
}

func TestSlidingWindowEvictsIdleSubjects(t *testing.T) {
	clock := newClock()
	l := NewSlidingWindow(Config{Limit: 5, Window: time.Minute, Buckets: 6})
	l.now = clock.Now
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		_, _ = l.Allow(ctx, fmt.Sprintf("user-%d", i))
	}
	assert.Equal(t, 100, l.Len())

	clock.Advance(2 * time.Minute)
	_, _ = l.Allow(ctx, "fresh")
	assert.Equal(t, 1, l.Len())
}

func TestSlidingWindowConcurrentCallers(t *testing.T) {
	l := NewSlidingWindow(Config{Limit: 50, Window: time.Hour, Buckets: 4})
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Allow(ctx, "shared")
			if err == nil && d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, allowed)
}

// Requires a running Redis; skipped otherwise.
func TestRedisSlidingWindowIntegration(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	l := NewRedisSlidingWindow(client, Config{Limit: 2, Window: time.Minute, Buckets: 6})
	l.prefix = fmt.Sprintf("tempverify:test:%d:", time.Now().UnixNano())

	for i := 0; i < 2; i++ {
		d, err := l.Allow(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	d, err := l.Allow(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
}
