// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the HTTP surface for the single-admin
// authentication gate.
//
// # Endpoints
//
//   - GET    /api/auth/status        - Registration state + enrollment material
//   - POST   /api/auth/verify        - Submit a TOTP code (enroll or login)
//   - GET    /api/auth/session/check - Probe session validity
//   - POST   /api/auth/session/renew - Slide the session expiry forward
//   - DELETE /api/auth/session       - Log out
//   - GET    /health                 - Health check
//
// # Security Features
//
//   - Session and CSRF tokens carried in SameSite=Strict host-only cookies
//   - Double-submit CSRF validation on the verify endpoint
//   - Per-client transport throttle independent of the login lockout
//   - Trusted-proxy-aware client IP resolution
//   - Security headers (X-Content-Type-Options, X-Frame-Options, etc.)
//   - Panic recovery and request logging middleware
//
// # Key Types
//
//   - Server: HTTP server with router and middleware
//   - CookieCarrier: owns cookie attributes for the session and CSRF tokens
//   - Throttle: per-client request rate limit
//
// # Usage
//
//	gateway := auth.NewGateway(store)
//	srv := server.NewServer(gateway,
//		server.WithListenAddr("127.0.0.1:8443"),
//	)
//	if err := srv.Start(); err != nil {
//		log.Fatal(err)
//	}
package server
