// Package server throttles chat lines per session with a token bucket so one
// client cannot flood every other session through the broadcast path.
package server

import (
	"sync"
	"time"
)

// chatLimiter is a token bucket holding up to Burst tokens and refilling a
// full bucket every RefillInterval. Commands and file transfers are not
// charged; only chat lines are.
type chatLimiter struct {
	mu       sync.Mutex
	burst    float64
	perToken time.Duration
	tokens   float64
	last     time.Time
	clock    func() time.Time
}

func newChatLimiter(cfg RateLimitConfig, clock func() time.Time) *chatLimiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	interval := cfg.RefillInterval
	if interval <= 0 {
		interval = time.Second
	}
	if clock == nil {
		clock = time.Now
	}

	perToken := interval / time.Duration(burst)
	if perToken <= 0 {
		perToken = time.Nanosecond
	}

	return &chatLimiter{
		burst:    float64(burst),
		perToken: perToken,
		tokens:   float64(burst),
		last:     clock(),
		clock:    clock,
	}
}

// allow charges one token. When the bucket is empty it reports false and how
// long until the next token is available.
func (l *chatLimiter) allow() (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if elapsed := now.Sub(l.last); elapsed > 0 {
		l.tokens = min(l.burst, l.tokens+float64(elapsed)/float64(l.perToken))
	}
	l.last = now

	if l.tokens >= 1 {
		l.tokens--
		return true, 0
	}

	missing := 1 - l.tokens
	return false, time.Duration(missing * float64(l.perToken))
}
