// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package auth

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image/png"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
)

// =============================================================================
// ENROLLMENT CONSTANTS
// =============================================================================

const (
	// DefaultEnrollmentTTL is how long a pending enrollment secret stays
	// redeemable before the caller must restart setup.
	DefaultEnrollmentTTL = 5 * time.Minute

	// qrImageSize is the pixel edge length of the provisioning QR code.
	qrImageSize = 256
)

// ErrEnrollmentExpired is returned when an enrollment ID is unknown or its
// TTL has elapsed. The caller should restart enrollment.
var ErrEnrollmentExpired = errors.New("enrollment session expired")

// =============================================================================
// ENROLLMENT MATERIAL
// =============================================================================

// EnrollmentMaterial is everything a browser needs to bind an authenticator
// app during first-run setup.
type EnrollmentMaterial struct {
	// EnrollmentID is the opaque handle the client echoes back with its
	// first code submission.
	EnrollmentID string `json:"enrollment_id"`

	// Secret is the base32 secret in human-typable form, for manual entry.
	Secret string `json:"secret"`

	// ProvisioningURI is the otpauth:// URI embedding issuer, label,
	// algorithm, digits and period.
	ProvisioningURI string `json:"provisioning_uri"`

	// QRImage is the provisioning URI rendered as a PNG data URI.
	QRImage string `json:"qr_image"`
}

// pendingEnrollment is an uncommitted TOTP secret awaiting its first valid
// code. Held only in memory; lost on restart.
type pendingEnrollment struct {
	secret    string
	expiresAt time.Time
}

// =============================================================================
// ENROLLMENT MANAGER
// =============================================================================

// EnrollmentManager holds short-lived, not-yet-committed TOTP secrets keyed
// by one-time enrollment IDs. Several enrollments may be pending at once
// (multiple tabs racing to scan a QR code); at most one is ever promoted,
// which the credential store enforces, not this cache.
type EnrollmentManager struct {
	// pending maps enrollment IDs to their uncommitted secrets.
	pending map[string]pendingEnrollment

	issuer  string
	account string
	ttl     time.Duration

	// mu protects concurrent access to the pending map.
	mu sync.Mutex
}

// NewEnrollmentManager creates an EnrollmentManager. The issuer and account
// label end up in the provisioning URI shown by authenticator apps.
func NewEnrollmentManager(issuer, account string, ttl time.Duration) *EnrollmentManager {
	if ttl <= 0 {
		ttl = DefaultEnrollmentTTL
	}
	return &EnrollmentManager{
		pending: make(map[string]pendingEnrollment),
		issuer:  issuer,
		account: account,
		ttl:     ttl,
	}
}

// Begin generates a fresh random secret, renders its provisioning material
// and caches it under a new enrollment ID for the configured TTL.
func (m *EnrollmentManager) Begin() (*EnrollmentMaterial, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.issuer,
		AccountName: m.account,
		Period:      uint(OTPPeriod / time.Second),
		Digits:      OTPDigits,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate TOTP secret: %w", err)
	}

	img, err := key.Image(qrImageSize, qrImageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to render QR code: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode QR code: %w", err)
	}

	id := uuid.NewString()

	m.mu.Lock()
	m.sweepLocked(time.Now())
	m.pending[id] = pendingEnrollment{
		secret:    key.Secret(),
		expiresAt: time.Now().Add(m.ttl),
	}
	m.mu.Unlock()

	return &EnrollmentMaterial{
		EnrollmentID:    id,
		Secret:          key.Secret(),
		ProvisioningURI: key.URL(),
		QRImage:         "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, nil
}

// Lookup returns the pending secret for id without consuming it, so a
// retried submission inside the TTL still succeeds. Unknown or expired IDs
// return ErrEnrollmentExpired; an expired entry is deleted on the spot.
func (m *EnrollmentManager) Lookup(id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.pending[id]
	if !exists {
		return "", ErrEnrollmentExpired
	}
	if time.Now().After(entry.expiresAt) {
		delete(m.pending, id)
		return "", ErrEnrollmentExpired
	}
	return entry.secret, nil
}

// Expire removes an entry; called after successful promotion.
func (m *EnrollmentManager) Expire(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, id)
}

// Pending returns the number of live pending enrollments.
func (m *EnrollmentManager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	now := time.Now()
	for _, entry := range m.pending {
		if now.Before(entry.expiresAt) {
			n++
		}
	}
	return n
}

// sweepLocked drops expired entries; callers must hold the mutex.
func (m *EnrollmentManager) sweepLocked(now time.Time) {
	for id, entry := range m.pending {
		if now.After(entry.expiresAt) {
			delete(m.pending, id)
		}
	}
}
