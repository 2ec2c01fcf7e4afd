// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// =============================================================================
// SESSION CONSTANTS
// =============================================================================

const (
	// DefaultSessionWindow is the default sliding-expiration window: a
	// session expires this long after its last renewal.
	DefaultSessionWindow = 5 * time.Minute

	// DefaultSessionMaxLifetime is the absolute maximum session lifetime.
	// Renewal can never push expiry past creation plus this duration.
	DefaultSessionMaxLifetime = 12 * time.Hour

	// sessionTokenPrefix is the prefix for session tokens.
	sessionTokenPrefix = "sess_"
)

// =============================================================================
// SESSION
// =============================================================================

// Session is one authenticated admin session. The token is the only
// authority: whoever presents it holds the session.
type Session struct {
	// Token is the opaque session identifier carried by the cookie.
	Token string

	// CreatedAt is when the session was minted.
	CreatedAt time.Time

	// LastRenewedAt is the most recent renewal (or creation) time.
	LastRenewedAt time.Time

	// ExpiresAt is when the session lapses; pushed forward by renewal,
	// clamped to CreatedAt plus the maximum lifetime.
	ExpiresAt time.Time
}

// TimeRemaining returns the duration until expiry, or zero once lapsed.
func (s *Session) TimeRemaining() time.Duration {
	remaining := time.Until(s.ExpiresAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// =============================================================================
// SESSION MANAGER
// =============================================================================

// SessionManager issues, renews, validates and revokes session tokens with
// sliding expiration bounded by an absolute maximum lifetime. Expiry is
// enforced lazily at lookup: an expired entry is treated as absent and
// purged. All state is volatile; a restart logs every session out.
type SessionManager struct {
	// sessions maps tokens to live sessions.
	sessions map[string]*Session

	window      time.Duration
	maxLifetime time.Duration

	// mu protects concurrent access to the sessions map.
	mu sync.Mutex
}

// SessionManagerOption is a functional option for configuring SessionManager.
type SessionManagerOption func(*SessionManager)

// WithSessionWindow sets the sliding-expiration window.
func WithSessionWindow(d time.Duration) SessionManagerOption {
	return func(m *SessionManager) {
		if d > 0 {
			m.window = d
		}
	}
}

// WithSessionMaxLifetime sets the absolute maximum session lifetime.
func WithSessionMaxLifetime(d time.Duration) SessionManagerOption {
	return func(m *SessionManager) {
		if d > 0 {
			m.maxLifetime = d
		}
	}
}

// NewSessionManager creates a SessionManager with the given options.
func NewSessionManager(opts ...SessionManagerOption) *SessionManager {
	m := &SessionManager{
		sessions:    make(map[string]*Session),
		window:      DefaultSessionWindow,
		maxLifetime: DefaultSessionMaxLifetime,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// newSessionToken creates a cryptographically secure session token.
// Uses 128 bits of cryptographic randomness (16 bytes = 32 hex chars).
func newSessionToken() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("cryptographic random generation failed: %w", err)
	}
	return sessionTokenPrefix + hex.EncodeToString(bytes), nil
}

// Create mints a new session expiring one sliding window from now, clamped
// to the maximum lifetime.
func (m *SessionManager) Create() (*Session, error) {
	token, err := newSessionToken()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	session := &Session{
		Token:         token,
		CreatedAt:     now,
		LastRenewedAt: now,
		ExpiresAt:     m.clamp(now, now.Add(m.window)),
	}

	m.mu.Lock()
	m.sessions[token] = session
	m.mu.Unlock()

	copy := *session
	return &copy, nil
}

// Validate returns the session for token, or nil if the token is unknown or
// the session has lapsed (in which case it is purged).
func (m *SessionManager) Validate(token string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	session := m.liveLocked(token)
	if session == nil {
		return nil
	}
	copy := *session
	return &copy
}

// Renew extends a still-valid session's expiry to one sliding window from
// now, clamped so the session never outlives CreatedAt plus the maximum
// lifetime regardless of renewal frequency. Returns nil if the token is
// unknown or already lapsed.
func (m *SessionManager) Renew(token string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	session := m.liveLocked(token)
	if session == nil {
		return nil
	}

	now := time.Now()
	session.LastRenewedAt = now
	session.ExpiresAt = m.clamp(session.CreatedAt, now.Add(m.window))

	copy := *session
	return &copy
}

// Revoke deletes the session unconditionally. Idempotent.
func (m *SessionManager) Revoke(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
}

// Active returns the number of live sessions, purging lapsed ones.
func (m *SessionManager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	n := 0
	for token, session := range m.sessions {
		if now.After(session.ExpiresAt) {
			delete(m.sessions, token)
			continue
		}
		n++
	}
	return n
}

// liveLocked returns the live session for token, purging it if lapsed.
// Callers must hold the mutex.
func (m *SessionManager) liveLocked(token string) *Session {
	session, exists := m.sessions[token]
	if !exists {
		return nil
	}
	if !time.Now().Before(session.ExpiresAt) {
		delete(m.sessions, token)
		return nil
	}
	return session
}

// clamp bounds a proposed expiry to createdAt plus the maximum lifetime.
func (m *SessionManager) clamp(createdAt, proposed time.Time) time.Time {
	limit := createdAt.Add(m.maxLifetime)
	if proposed.After(limit) {
		return limit
	}
	return proposed
}
