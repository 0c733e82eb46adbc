// Package ratelimit provides the byte-rate throttle the HTTP Executor
// (C3) applies to a task when the Task Manager sets its rate-limit flag
// after a Scheduler demotion (spec.md §4.5 "Demote (High→Low): set
// rate-limit flag (Executor reads it at each tick and self-throttles)").
//
// The token-bucket core is grounded verbatim on the teacher's
// internal/ratelimit/limiter.go; this adaptation drops the
// cross-process coordinator hooks and Rescale-API-scope constructors
// (NewUserScopeRateLimiter etc.) since requestd is a single process with
// no server-side quota to arbitrate — see DESIGN.md for the per-dep
// justification.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter implements a token bucket: tokens refill at refillRate/sec up
// to maxTokens, and each unit of throttled work (here, one byte) consumes
// one token.
type Limiter struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64
	lastRefill time.Time
}

// New creates a Limiter allowing up to burstSize tokens immediately, then
// refilling at tokensPerSecond.
func New(tokensPerSecond, burstSize float64) *Limiter {
	return &Limiter{
		tokens:     burstSize,
		maxTokens:  burstSize,
		refillRate: tokensPerSecond,
		lastRefill: time.Now(),
	}
}

func (l *Limiter) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	l.lastRefill = now
	if elapsed <= 0 {
		return
	}
	l.tokens += elapsed * l.refillRate
	if l.tokens > l.maxTokens {
		l.tokens = l.maxTokens
	}
}

// TryAcquire attempts to consume n tokens without blocking.
func (l *Limiter) TryAcquire(n float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillLocked()
	if l.tokens >= n {
		l.tokens -= n
		return true
	}
	return false
}

// Reconfigure changes the rate/burst of a running limiter, e.g. when the
// Task Manager promotes a task back to High QoS and clears the throttle.
func (l *Limiter) Reconfigure(rate, burst float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillRate = rate
	l.maxTokens = burst
	if l.tokens > burst {
		l.tokens = burst
	}
}

// Wait blocks until n tokens are available or ctx is cancelled. Used by
// the Executor between chunk writes so a demoted task throttles itself
// without the Task Manager holding a lock on it.
func (l *Limiter) Wait(ctx context.Context, n float64) error {
	for {
		if l.TryAcquire(n) {
			return nil
		}
		l.mu.Lock()
		l.refillLocked()
		deficit := n - l.tokens
		var wait time.Duration
		if l.refillRate > 0 {
			wait = time.Duration(deficit / l.refillRate * float64(time.Second))
		} else {
			wait = 50 * time.Millisecond
		}
		l.mu.Unlock()
		if wait <= 0 {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// CurrentTokens reports the current bucket level, mainly for tests/status.
func (l *Limiter) CurrentTokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillLocked()
	return l.tokens
}
