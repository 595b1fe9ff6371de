package server

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestChatLimiterBurstThenRefill(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := newChatLimiter(RateLimitConfig{Burst: 4, RefillInterval: time.Second}, clock.Now)

	for i := 0; i < 4; i++ {
		ok, _ := l.allow()
		assert.True(t, ok, "message %d within burst", i+1)
	}

	ok, retry := l.allow()
	assert.False(t, ok, "burst exhausted")
	assert.InDelta(t, float64(250*time.Millisecond), float64(retry), float64(time.Microsecond))

	// One token every 250ms.
	clock.Advance(100 * time.Millisecond)
	ok, retry = l.allow()
	assert.False(t, ok)
	assert.InDelta(t, float64(150*time.Millisecond), float64(retry), float64(time.Microsecond))

	clock.Advance(160 * time.Millisecond)
	ok, _ = l.allow()
	assert.True(t, ok)

	// Refill never exceeds the burst.
	clock.Advance(time.Hour)
	for i := 0; i < 4; i++ {
		ok, _ := l.allow()
		assert.True(t, ok)
	}
	ok, _ = l.allow()
	assert.False(t, ok)
}

func TestChatLimiterDefaults(t *testing.T) {
	l := newChatLimiter(RateLimitConfig{}, nil)

	assert.Equal(t, 1.0, l.burst)
	assert.Equal(t, time.Second, l.perToken)
	ok, _ := l.allow()
	assert.True(t, ok)
}

func TestChatLimiterConcurrentUse(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	l := newChatLimiter(RateLimitConfig{Burst: 50, RefillInterval: time.Second}, clock.Now)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := l.allow(); ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, allowed)
}
