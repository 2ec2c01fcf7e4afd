// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package auth

import (
	"sync"
	"time"
)

// =============================================================================
// RATE LIMITER CONSTANTS
// =============================================================================

const (
	// DefaultMaxAttempts is the default number of failed login attempts
	// allowed inside one rolling window before lockout.
	DefaultMaxAttempts = 5

	// DefaultAttemptWindow is the default rolling window within which
	// failures accumulate.
	DefaultAttemptWindow = 5 * time.Minute

	// DefaultLockoutDuration is how long a client key stays locked once
	// the attempt limit is reached.
	DefaultLockoutDuration = 5 * time.Minute
)

// =============================================================================
// ATTEMPT RECORD
// =============================================================================

// attemptRecord tracks failed login attempts for one client key.
type attemptRecord struct {
	// count is the number of failures inside the current window.
	count int

	// windowStart is when the current failure window opened.
	windowStart time.Time

	// lockedUntil is when an active lockout ends; zero means not locked.
	lockedUntil time.Time
}

// stale reports whether the record carries no live state at now: the window
// has elapsed and any lockout has expired.
func (r *attemptRecord) stale(now time.Time, window time.Duration) bool {
	if !r.lockedUntil.IsZero() && now.Before(r.lockedUntil) {
		return false
	}
	return now.Sub(r.windowStart) >= window
}

// =============================================================================
// RATE LIMITER
// =============================================================================

// RateLimiter enforces a failed-attempt lockout per client key: at most
// maxAttempts failures inside a rolling window, then a fixed lockout. A
// successful login resets the key. All state is volatile.
type RateLimiter struct {
	// entries maps client keys to their attempt records.
	entries map[string]*attemptRecord

	maxAttempts int
	window      time.Duration
	lockout     time.Duration

	// lastSweep is when stale entries were last garbage-collected.
	lastSweep time.Time

	// mu protects concurrent access to the entries map.
	mu sync.Mutex
}

// RateLimiterOption is a functional option for configuring RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithMaxAttempts sets the failure limit per window.
func WithMaxAttempts(max int) RateLimiterOption {
	return func(l *RateLimiter) {
		if max > 0 {
			l.maxAttempts = max
		}
	}
}

// WithAttemptWindow sets the rolling window for failure accumulation.
func WithAttemptWindow(d time.Duration) RateLimiterOption {
	return func(l *RateLimiter) {
		if d > 0 {
			l.window = d
		}
	}
}

// WithLockoutDuration sets how long a locked key stays locked.
func WithLockoutDuration(d time.Duration) RateLimiterOption {
	return func(l *RateLimiter) {
		if d > 0 {
			l.lockout = d
		}
	}
}

// NewRateLimiter creates a RateLimiter with the given options.
func NewRateLimiter(opts ...RateLimiterOption) *RateLimiter {
	l := &RateLimiter{
		entries:     make(map[string]*attemptRecord),
		maxAttempts: DefaultMaxAttempts,
		window:      DefaultAttemptWindow,
		lockout:     DefaultLockoutDuration,
		lastSweep:   time.Now(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow reports whether a login attempt for key may proceed. An expired
// lockout or an elapsed window clears the record on the spot, so a key is
// never blocked once its lockout has passed.
func (l *RateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.sweepLocked(now)

	record, exists := l.entries[key]
	if !exists {
		return true
	}

	if !record.lockedUntil.IsZero() {
		if now.Before(record.lockedUntil) {
			return false
		}
		// Lockout elapsed: the key starts clean.
		delete(l.entries, key)
		return true
	}

	if now.Sub(record.windowStart) >= l.window {
		delete(l.entries, key)
	}
	return true
}

// RecordFailure counts a failed OTP validation against key, opening a
// lockout once the limit is reached.
func (l *RateLimiter) RecordFailure(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()

	record, exists := l.entries[key]
	if !exists || record.stale(now, l.window) {
		record = &attemptRecord{windowStart: now}
		l.entries[key] = record
	}

	record.count++
	if record.count >= l.maxAttempts {
		record.lockedUntil = now.Add(l.lockout)
	}
}

// Reset clears all state for key; called on successful login.
func (l *RateLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
}

// Remaining returns how many more failures key can afford before lockout.
func (l *RateLimiter) Remaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	record, exists := l.entries[key]
	if !exists || record.stale(now, l.window) {
		return l.maxAttempts
	}
	remaining := l.maxAttempts - record.count
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// ResetAfter returns the time until an active lockout on key ends, or zero
// if the key is not locked.
func (l *RateLimiter) ResetAfter(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	record, exists := l.entries[key]
	if !exists || record.lockedUntil.IsZero() {
		return 0
	}
	remaining := time.Until(record.lockedUntil)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// sweepLocked drops stale records. Runs at most once per window; callers
// must hold the mutex.
func (l *RateLimiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < l.window {
		return
	}
	l.lastSweep = now

	for key, record := range l.entries {
		if record.stale(now, l.window) {
			delete(l.entries, key)
		}
	}
}
