package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket admits up to capacity operations in a burst and regains refill
// tokens per full interval elapsed. Refill is computed lazily on Allow; no
// timer runs in the background.
type TokenBucket struct {
	mu       sync.Mutex
	capacity int
	refill   int
	interval time.Duration
	tokens   int
	last     time.Time
	now      func() time.Time
}

type Option func(*TokenBucket)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *TokenBucket) {
		b.now = now
	}
}

// NewTokenBucket returns a full bucket.
func NewTokenBucket(capacity, refill int, interval time.Duration, opts ...Option) *TokenBucket {
	b := &TokenBucket{
		capacity: capacity,
		refill:   refill,
		interval: interval,
		tokens:   capacity,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.last = b.now()
	return b
}

// Allow consumes one token if available. A rejection leaves the bucket
// untouched.
func (b *TokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.tokens == 0 {
		return false
	}
	b.tokens--
	return true
}

func (b *TokenBucket) refillLocked() {
	elapsed := b.now().Sub(b.last)
	if elapsed < b.interval {
		return
	}
	periods := int64(elapsed / b.interval)
	// partial periods carry over to the next check
	b.last = b.last.Add(time.Duration(periods) * b.interval)

	if b.tokens >= b.capacity {
		return
	}
	add := periods * int64(b.refill)
	if add >= int64(b.capacity-b.tokens) {
		b.tokens = b.capacity
		return
	}
	b.tokens += int(add)
}
