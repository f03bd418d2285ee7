// ratelimit.go implements token-bucket rate limiting for the venue APIs.
//
// Polymarket's CLOB enforces per-category limits measured in requests per
// 10-second window; Kalshi and Binance publish flat per-second budgets. The
// buckets refill continuously rather than in window-sized bursts so steady
// callers never slam into a hard limit.
//
// Buckets by call category:
//   - PolyOrder:  350 burst / 50 per sec (CLOB 3500/10s)
//   - PolyCancel: 300 burst / 30 per sec (CLOB 3000/10s)
//   - PolyBook:   150 burst / 15 per sec (CLOB 1500/10s)
//   - Kalshi:      10 burst /  5 per sec (basic access tier)
//   - Binance:     20 burst / 10 per sec (well under the weight budget)
package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a token-bucket rate limiter with continuous refill.
// Callers block in Wait until a token is available or the context is
// cancelled. Fractional tokens accumulate between calls.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64 // maximum burst size
	rate     float64 // tokens refilled per second
	last     time.Time
}

// NewTokenBucket creates a limiter with the given burst capacity and refill
// rate, starting full.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		last:     time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		tb.tokens += now.Sub(tb.last).Seconds() * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.last = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// RateLimiter groups the per-category buckets shared by all clients of one
// process. Each request must Wait on its category's bucket first.
type RateLimiter struct {
	PolyOrder  *TokenBucket // POST /order
	PolyCancel *TokenBucket // DELETE /order
	PolyBook   *TokenBucket // GET /book and Gamma reads
	Kalshi     *TokenBucket // all Kalshi REST calls, data and trade
	Binance    *TokenBucket // reference price and candle reads
}

// NewRateLimiter creates buckets tuned to the venues' published limits.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		PolyOrder:  NewTokenBucket(350, 50),
		PolyCancel: NewTokenBucket(300, 30),
		PolyBook:   NewTokenBucket(150, 15),
		Kalshi:     NewTokenBucket(10, 5),
		Binance:    NewTokenBucket(20, 10),
	}
}
