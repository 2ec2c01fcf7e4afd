// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"sync"
	"time"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

// MemoryStore is an in-memory AdminIdentityStore for tests. It honors the
// same atomicity contract as SQLiteStore: the create-if-absent check and
// write happen under one lock.
type MemoryStore struct {
	mu       sync.Mutex
	identity *AdminIdentity
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Create persists the identity if and only if none exists yet.
func (s *MemoryStore) Create(_ context.Context, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.identity != nil {
		return ErrAlreadyRegistered
	}
	s.identity = &AdminIdentity{
		Secret:     secret,
		Registered: true,
		CreatedAt:  time.Now(),
	}
	return nil
}

// Get returns the identity, or ErrNotRegistered if none exists.
func (s *MemoryStore) Get(_ context.Context) (*AdminIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.identity == nil {
		return nil, ErrNotRegistered
	}
	identity := *s.identity
	return &identity, nil
}

// Registered reports whether an identity exists.
func (s *MemoryStore) Registered(_ context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity != nil, nil
}
