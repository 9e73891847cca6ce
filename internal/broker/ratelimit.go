// ratelimit.go implements token-bucket rate limiting for broker APIs.
//
// Venues publish per-second limits for order placement and market data.
// Each adapter holds one Limiter with two buckets that refill continuously
// (rather than in one-second bursts) so sustained traffic stays smooth.
// Excess calls block in Wait until a token frees up or the call's deadline
// expires, in which case the adapter reports RateLimited.
package broker

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		// Calculate wait time for next token
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

// Default venue limits applied when the config leaves them zero. Deliberately
// conservative: every supported venue allows at least this much.
const (
	defaultOrdersPerSec = 5
	defaultQuotesPerSec = 3
)

// Limiter groups an adapter's token buckets by call category. Order
// mutations and market-data reads draw from separate buckets because venues
// publish them as separate limits.
type Limiter struct {
	Orders *TokenBucket // place/modify/cancel
	Data   *TokenBucket // quotes, depth, OHLCV, account reads
}

// NewLimiter builds a limiter from the venue's published per-second rates.
// Burst capacity is one second's allowance, floored at 1.
func NewLimiter(ordersPerSec, quotesPerSec float64) *Limiter {
	if ordersPerSec <= 0 {
		ordersPerSec = defaultOrdersPerSec
	}
	if quotesPerSec <= 0 {
		quotesPerSec = defaultQuotesPerSec
	}
	return &Limiter{
		Orders: NewTokenBucket(max(ordersPerSec, 1), ordersPerSec),
		Data:   NewTokenBucket(max(quotesPerSec, 1), quotesPerSec),
	}
}
