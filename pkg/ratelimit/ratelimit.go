// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides per-client admission control using the token
// bucket algorithm. Buckets are keyed by client IP and cost one token per new
// TCP connection or UDP session.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrRateLimitExceeded is returned when rate limit is exceeded.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)

// TokenBucket implements the token bucket algorithm for rate limiting.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	lastUsed   time.Time
	now        func() time.Time
}

// NewTokenBucket creates a new token bucket rate limiter.
// capacity is the maximum number of tokens.
// refillRate is the number of tokens added per second.
func NewTokenBucket(capacity, refillRate int64) *TokenBucket {
	return newTokenBucket(capacity, refillRate, time.Now)
}

func newTokenBucket(capacity, refillRate int64, now func() time.Time) *TokenBucket {
	t := now()
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: float64(refillRate),
		lastRefill: t,
		lastUsed:   t,
		now:        now,
	}
}

// Allow reports whether one token could be taken.
func (tb *TokenBucket) Allow() bool {
	return tb.AllowN(1)
}

// AllowN reports whether n tokens could be taken.
func (tb *TokenBucket) AllowN(n int64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	tb.lastUsed = tb.lastRefill

	if tb.tokens >= float64(n) {
		tb.tokens -= float64(n)
		return true
	}

	return false
}

// refill adds tokens based on elapsed time. Must be called with mu held.
func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}

	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}

// Available returns the number of whole tokens available.
func (tb *TokenBucket) Available() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return int64(tb.tokens)
}

func (tb *TokenBucket) idleSince() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastUsed
}

// Limiter manages per-client token buckets.
type Limiter struct {
	mu         sync.RWMutex
	limiters   map[string]*TokenBucket
	capacity   int64
	refillRate int64
	maxClients int
	idleTTL    time.Duration
	now        func() time.Time
	done       chan struct{}
	closeOnce  sync.Once
}

// NewLimiter creates a new rate limiter with per-client tracking. Buckets that
// have not been used for longer than it takes to refill completely are
// dropped by a background sweep, since a fresh bucket is equivalent.
func NewLimiter(capacity, refillRate int64, maxClients int) *Limiter {
	if maxClients <= 0 {
		maxClients = 10000
	}
	if refillRate <= 0 {
		refillRate = 1
	}

	idleTTL := time.Duration(capacity/refillRate+1) * time.Second
	if idleTTL < time.Minute {
		idleTTL = time.Minute
	}

	l := &Limiter{
		limiters:   make(map[string]*TokenBucket),
		capacity:   capacity,
		refillRate: refillRate,
		maxClients: maxClients,
		idleTTL:    idleTTL,
		now:        time.Now,
		done:       make(chan struct{}),
	}

	go l.cleanupLoop(idleTTL)

	return l
}

// Allow checks if a request from the given client should be allowed.
func (l *Limiter) Allow(clientID string) bool {
	return l.AllowN(clientID, 1)
}

// AllowN checks if N requests from the given client should be allowed. New
// clients are refused once maxClients buckets are tracked.
func (l *Limiter) AllowN(clientID string, n int64) bool {
	l.mu.RLock()
	tb, exists := l.limiters[clientID]
	l.mu.RUnlock()

	if !exists {
		l.mu.Lock()
		// Double-check after acquiring write lock
		tb, exists = l.limiters[clientID]
		if !exists {
			if len(l.limiters) >= l.maxClients {
				l.mu.Unlock()
				return false
			}

			tb = newTokenBucket(l.capacity, l.refillRate, l.now)
			l.limiters[clientID] = tb
		}
		l.mu.Unlock()
	}

	return tb.AllowN(n)
}

func (l *Limiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.cleanup()
		}
	}
}

// cleanup removes buckets idle for longer than idleTTL and returns how many
// were removed.
func (l *Limiter) cleanup() int {
	cutoff := l.now().Add(-l.idleTTL)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, tb := range l.limiters {
		if tb.idleSince().Before(cutoff) {
			delete(l.limiters, id)
			removed++
		}
	}
	return removed
}

// Stats returns the number of tracked clients and the limit beyond which new
// clients are refused.
func (l *Limiter) Stats() (clients, maxClients int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.limiters), l.maxClients
}

// Close stops the background cleanup. It is safe to call more than once.
func (l *Limiter) Close() {
	l.closeOnce.Do(func() { close(l.done) })
}
