// Package ratelimit provides the deterministic token bucket used to cap
// inbound signaling message rates per connection.
package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time.Now so tests can drive refill deterministically.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

const nanoTokensPerToken int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket refills at an integer rate (tokens/sec) using fixed-point
// "nano-tokens" so no float rounding creeps in. One token is 1e9 nano-tokens,
// which makes a rate of X tokens/sec equal X nano-tokens per nanosecond.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	capacityTokens int64
	fillRate       int64 // tokens/sec

	availableNanoTokens int64
	last                time.Time
}

func NewTokenBucket(clock Clock, capacityTokens, fillRate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacityTokens < 0 {
		capacityTokens = 0
	}
	if fillRate < 0 {
		fillRate = 0
	}

	return &TokenBucket{
		clock:               clock,
		capacityTokens:      capacityTokens,
		fillRate:            fillRate,
		availableNanoTokens: nanoTokens(capacityTokens),
		last:                clock.Now(),
	}
}

// Allow consumes the requested tokens if available. tokens <= 0 always
// succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}
	cost := nanoTokens(tokens)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	if b.availableNanoTokens < cost {
		return false
	}
	b.availableNanoTokens -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards; move the reference point without refilling.
		b.last = now
		return
	}

	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now
	if elapsed <= 0 || b.fillRate <= 0 || b.capacityTokens <= 0 {
		return
	}

	capacity := nanoTokens(b.capacityTokens)
	if b.availableNanoTokens >= capacity {
		b.availableNanoTokens = capacity
		return
	}

	// Clamp before multiplying so elapsed*fillRate cannot overflow.
	need := capacity - b.availableNanoTokens
	if elapsed >= need/b.fillRate {
		b.availableNanoTokens = capacity
		return
	}
	b.availableNanoTokens += elapsed * b.fillRate
}

func nanoTokens(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoTokensPerToken {
		return maxInt64
	}
	return tokens * nanoTokensPerToken
}
