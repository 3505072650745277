// Package ratelimit provides the token buckets that bound signaling traffic
// per connection and per sender.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/clock"
)

// Clock is the time source a bucket refills from. clock.Clock satisfies it.
type Clock interface {
	Now() time.Time
}

// One token is 1e9 nano-tokens, so a rate of N tokens/sec adds exactly N
// nano-tokens per elapsed nanosecond and refill needs no floating point.
const nanoPerToken = int64(time.Second)

// TokenBucket refills at an integer rate of tokens per second up to a fixed
// capacity. It starts full.
type TokenBucket struct {
	clk Clock

	mu        sync.Mutex
	capNano   int64
	rate      int64
	available int64
	last      time.Time
}

func NewTokenBucket(clk Clock, capacity, perSecond int64) *TokenBucket {
	if clk == nil {
		clk = clock.Real()
	}
	capacity = max(capacity, 0)
	perSecond = max(perSecond, 0)

	capNano := toNano(capacity)
	return &TokenBucket{
		clk:       clk,
		capNano:   capNano,
		rate:      perSecond,
		available: capNano,
		last:      clk.Now(),
	}
}

// Allow takes n tokens if that many are available. n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}
	cost := toNano(n)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(b.clk.Now())
	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.last).Nanoseconds()
	// Backwards steps only move the reference point.
	b.last = now
	if elapsed <= 0 || b.rate == 0 || b.available >= b.capNano {
		return
	}

	// elapsed*rate may overflow; if the bucket fills anyway just clamp.
	need := b.capNano - b.available
	if elapsed >= need/b.rate {
		b.available = b.capNano
		return
	}
	b.available = min(b.available+elapsed*b.rate, b.capNano)
}

func toNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > math.MaxInt64/nanoPerToken {
		return math.MaxInt64
	}
	return tokens * nanoPerToken
}
