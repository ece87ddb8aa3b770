// Package ratelimit implements the per-session token-bucket limiter that
// paces payload bytes on the wire. Framing bytes are never charged against
// it; callers only Acquire() for chunk payloads.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a token bucket refilling continuously at rateBps, capped at a
// one-second burst. A rate of 0 disables limiting entirely.
type Limiter struct {
	mu         sync.Mutex
	rateBps    int64
	tokens     float64
	maxTokens  float64
	lastRefill time.Time
	unlimited  bool

	// sleep is overridable in tests so they don't have to burn wall-clock
	// seconds waiting on the real limiter.
	sleep func(time.Duration)
}

// New builds a Limiter for the given rate in bytes/second. rateBps == 0
// means unlimited.
func New(rateBps int64) *Limiter {
	l := &Limiter{
		rateBps:    rateBps,
		unlimited:  rateBps == 0,
		lastRefill: time.Now(),
		sleep:      time.Sleep,
	}
	if !l.unlimited {
		l.tokens = float64(rateBps)
		l.maxTokens = float64(rateBps)
	}
	return l
}

// RateBps reports the configured rate.
func (l *Limiter) RateBps() int64 { return l.rateBps }

// Unlimited reports whether this limiter imposes no cap.
func (l *Limiter) Unlimited() bool { return l.unlimited }

// Acquire blocks until n bytes' worth of tokens are available, then
// consumes them, and returns how long the caller waited.
func (l *Limiter) Acquire(n int64) time.Duration {
	if l.unlimited || n <= 0 {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked()

	var waited time.Duration
	if float64(n) > l.tokens {
		needed := float64(n) - l.tokens
		waited = time.Duration(needed / float64(l.rateBps) * float64(time.Second))
		l.sleep(waited)
		l.refillLocked()
	}

	l.tokens -= float64(n)
	return waited
}

func (l *Limiter) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	l.tokens = minFloat(l.maxTokens, l.tokens+elapsed*float64(l.rateBps))
	l.lastRefill = now
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
