// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store persists the single administrative identity record.
//
// The system has exactly one admin identity for its lifetime. The store's
// only non-trivial contract is Create: it must be atomic so that two
// concurrent first-run enrollments cannot both persist an identity.
//
// # Key Types
//
//   - AdminIdentityStore: repository interface injected into the auth gateway
//   - SQLiteStore: durable implementation on modernc.org/sqlite
//   - MemoryStore: in-memory fake with the same atomicity contract, for tests
package store
