// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// =============================================================================
// CSRF GUARD
// =============================================================================

// csrfTokenPrefix is the prefix for CSRF tokens.
const csrfTokenPrefix = "csrf_"

// CSRFGuard implements the double-submit CSRF defense for the login
// exchange: the same opaque token travels in the response payload and in a
// cookie, and a state-changing request must echo both.
//
// The guard is stateless; validity comes from the two values matching, not
// from any server-side table. Safe for concurrent use.
type CSRFGuard struct{}

// NewCSRFGuard creates a CSRFGuard.
func NewCSRFGuard() *CSRFGuard {
	return &CSRFGuard{}
}

// Issue generates a fresh random token. The caller delivers it both in the
// response body and in the CSRF cookie.
//
// Returns an error if crypto/rand fails.
func (g *CSRFGuard) Issue() (string, error) {
	bytes := make([]byte, 16) // 128 bits = 16 bytes = 32 hex chars
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("cryptographic random generation failed: %w", err)
	}
	return csrfTokenPrefix + hex.EncodeToString(bytes), nil
}

// Validate reports whether the caller-supplied token matches the
// cookie-carried one. Both must be present and non-empty; the comparison is
// constant-time to prevent timing attacks.
func (g *CSRFGuard) Validate(supplied, cookie string) bool {
	if supplied == "" || cookie == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(supplied), []byte(cookie)) == 1
}
