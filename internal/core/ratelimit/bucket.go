// Package ratelimit implements per-client dual token-bucket admission
// control: a "normal" bucket and a stricter "heavy" bucket, tiered
// configuration presets, and retry-after signaling.
package ratelimit

import (
	"sync"
	"time"
)

// Bucket is a single token bucket: capacity (burst cap), refill rate
// in tokens/s, current token count, and the last refill timestamp.
type Bucket struct {
	mu         sync.Mutex
	capacity   float64
	refillRate float64
	tokens     float64
	lastRefill time.Time
}

// NewBucket returns a bucket starting full.
func NewBucket(capacity int, refillRate float64) *Bucket {
	return &Bucket{
		capacity:   float64(capacity),
		refillRate: refillRate,
		tokens:     float64(capacity),
		lastRefill: time.Now(),
	}
}

// refill applies lazy time-based replenishment, clamped at capacity.
// Caller must hold b.mu.
func (b *Bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// Consume attempts to subtract cost tokens after refilling. Returns
// whether admission succeeded and, on rejection, the number of
// seconds until cost tokens would be available.
func (b *Bucket) Consume(cost float64) (bool, float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(time.Now())
	if b.tokens >= cost {
		b.tokens -= cost
		return true, 0
	}
	if b.refillRate <= 0 {
		return false, -1 // never refills; caller should treat as permanently blocked
	}
	needed := cost - b.tokens
	return false, needed / b.refillRate
}

// Remaining reports the current token count after a lazy refill,
// without consuming anything.
func (b *Bucket) Remaining() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(time.Now())
	return b.tokens
}

// ResetSeconds reports how long until the bucket is back at full
// capacity, for the X-RateLimit-Reset header.
func (b *Bucket) ResetSeconds() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(time.Now())
	if b.refillRate <= 0 {
		return 0
	}
	missing := b.capacity - b.tokens
	if missing <= 0 {
		return 0
	}
	return missing / b.refillRate
}

// touched reports the time of last activity, for reaping.
func (b *Bucket) touched() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastRefill
}
