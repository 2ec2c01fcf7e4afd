// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package auth

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRateLimiter_AllowsFreshKey(t *testing.T) {
	limiter := NewRateLimiter()

	require.True(t, limiter.Allow("10.0.0.1"))
	require.Equal(t, DefaultMaxAttempts, limiter.Remaining("10.0.0.1"))
	require.Zero(t, limiter.ResetAfter("10.0.0.1"))
}

func TestRateLimiter_LocksAfterMaxFailures(t *testing.T) {
	limiter := NewRateLimiter(WithMaxAttempts(3))

	for i := 0; i < 2; i++ {
		limiter.RecordFailure("10.0.0.1")
		require.True(t, limiter.Allow("10.0.0.1"), "failure %d should not lock", i+1)
	}
	require.Equal(t, 1, limiter.Remaining("10.0.0.1"))

	limiter.RecordFailure("10.0.0.1")
	require.False(t, limiter.Allow("10.0.0.1"))
	require.Zero(t, limiter.Remaining("10.0.0.1"))
	require.Greater(t, limiter.ResetAfter("10.0.0.1"), time.Duration(0))
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	limiter := NewRateLimiter(WithMaxAttempts(2))

	limiter.RecordFailure("10.0.0.1")
	limiter.RecordFailure("10.0.0.1")

	require.False(t, limiter.Allow("10.0.0.1"))
	require.True(t, limiter.Allow("10.0.0.2"))
	require.Equal(t, 2, limiter.Remaining("10.0.0.2"))
}

func TestRateLimiter_ResetClearsState(t *testing.T) {
	limiter := NewRateLimiter(WithMaxAttempts(2))

	limiter.RecordFailure("10.0.0.1")
	limiter.RecordFailure("10.0.0.1")
	require.False(t, limiter.Allow("10.0.0.1"))

	limiter.Reset("10.0.0.1")
	require.True(t, limiter.Allow("10.0.0.1"))
	require.Equal(t, 2, limiter.Remaining("10.0.0.1"))
}

func TestRateLimiter_LockoutExpires(t *testing.T) {
	limiter := NewRateLimiter(
		WithMaxAttempts(1),
		WithLockoutDuration(30*time.Millisecond),
	)

	limiter.RecordFailure("10.0.0.1")
	require.False(t, limiter.Allow("10.0.0.1"))

	time.Sleep(50 * time.Millisecond)
	require.True(t, limiter.Allow("10.0.0.1"))
	require.Equal(t, 1, limiter.Remaining("10.0.0.1"))
}

func TestRateLimiter_WindowElapses(t *testing.T) {
	limiter := NewRateLimiter(
		WithMaxAttempts(3),
		WithAttemptWindow(30*time.Millisecond),
	)

	limiter.RecordFailure("10.0.0.1")
	limiter.RecordFailure("10.0.0.1")
	require.Equal(t, 1, limiter.Remaining("10.0.0.1"))

	time.Sleep(50 * time.Millisecond)

	// A new failure after the window opens a fresh count.
	limiter.RecordFailure("10.0.0.1")
	require.Equal(t, 2, limiter.Remaining("10.0.0.1"))
	require.True(t, limiter.Allow("10.0.0.1"))
}

func TestRateLimiter_ConcurrentFailures(t *testing.T) {
	limiter := NewRateLimiter(WithMaxAttempts(5))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("10.0.0.%d", n%4)
			for j := 0; j < 20; j++ {
				limiter.Allow(key)
				limiter.RecordFailure(key)
				limiter.Remaining(key)
			}
		}(i)
	}
	wg.Wait()

	// Every hammered key must be locked by now.
	for n := 0; n < 4; n++ {
		require.False(t, limiter.Allow(fmt.Sprintf("10.0.0.%d", n)))
	}
}
