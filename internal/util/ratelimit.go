package util

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket holding up to burst tokens that refills at
// perMinute tokens per minute. A non-positive rate disables limiting.
type RateLimiter struct {
	mu     sync.Mutex
	perSec float64
	burst  float64
	tokens float64
	last   time.Time
}

// NewRateLimiter creates a full bucket. burst below 1 is treated as 1.
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		perSec: float64(perMinute) / 60,
		burst:  float64(burst),
		tokens: float64(burst),
		last:   time.Now(),
	}
}

// take consumes a token if one is available. Otherwise it returns how long
// until the next token.
func (rl *RateLimiter) take() (time.Duration, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.perSec <= 0 {
		return 0, true
	}
	now := time.Now()
	rl.tokens = min(rl.burst, rl.tokens+now.Sub(rl.last).Seconds()*rl.perSec)
	rl.last = now
	if rl.tokens >= 1 {
		rl.tokens--
		return 0, true
	}
	return time.Duration((1 - rl.tokens) / rl.perSec * float64(time.Second)), false
}

// Allow consumes a token without blocking and reports whether one was
// available.
func (rl *RateLimiter) Allow() bool {
	_, ok := rl.take()
	return ok
}

// Wait blocks until a token is available or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		d, ok := rl.take()
		if ok {
			return nil
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
