// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"errors"
	"time"
)

// =============================================================================
// ADMIN IDENTITY
// =============================================================================

// AdminIdentity is the single persisted admin credential record.
type AdminIdentity struct {
	// Secret is the base32-encoded TOTP secret bound to the admin.
	Secret string

	// Registered indicates the identity has been committed. A row only
	// exists once registration succeeded, so this is always true for a
	// record returned by Get.
	Registered bool

	// CreatedAt is when enrollment was completed.
	CreatedAt time.Time
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotRegistered is returned by Get when no identity exists yet.
	ErrNotRegistered = errors.New("admin identity not registered")

	// ErrAlreadyRegistered is returned by Create when an identity already
	// exists. Under a concurrent first-registration race exactly one call
	// succeeds; every loser observes this error.
	ErrAlreadyRegistered = errors.New("admin identity already registered")
)

// =============================================================================
// STORE INTERFACE
// =============================================================================

// AdminIdentityStore is the repository for the admin identity record.
//
// Create must be a single conditional write: given N concurrent calls while
// no identity exists, exactly one returns nil and the remaining N-1 return
// ErrAlreadyRegistered. No caller may ever observe two identities.
type AdminIdentityStore interface {
	// Create persists the identity if and only if none exists yet.
	Create(ctx context.Context, secret string) error

	// Get returns the identity, or ErrNotRegistered if none exists.
	Get(ctx context.Context) (*AdminIdentity, error)

	// Registered reports whether an identity exists.
	Registered(ctx context.Context) (bool, error)
}
