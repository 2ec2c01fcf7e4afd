// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package auth implements the single-admin authentication gate.
//
// The system has exactly one administrative identity, bound to a TOTP secret
// during a one-time first-run enrollment. Every later login is a TOTP code
// check guarded by CSRF double-submit validation and failed-attempt rate
// limiting, and yields a sliding-expiration session bounded by an absolute
// maximum lifetime.
//
// # Key Types
//
//   - Gateway: facade tying the components into the enrollment / login /
//     logout / check / renew operations exposed to the HTTP layer
//   - EnrollmentManager: volatile TTL'd cache of pending TOTP secrets
//   - SessionManager: session token table with sliding expiry
//   - RateLimiter: per-client failure counting with lockout windows
//   - CSRFGuard: double-submit token issue and constant-time validation
//   - AuditLogger: append-only, best-effort authentication event log
//
// # Concurrency
//
// The pending-enrollment cache, the rate-limit table and the session table
// are the only shared mutable state; each is a mutex-guarded map owned by a
// single long-lived manager. The first-registration race is resolved by the
// credential store's atomic create-if-absent (see internal/store).
package auth
