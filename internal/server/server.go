// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the HTTP surface for the authentication gate.
//
// Endpoints:
//   - GET    /api/auth/status        - Registration state + enrollment material
//   - POST   /api/auth/verify        - Submit a TOTP code (enroll or login)
//   - GET    /api/auth/session/check - Probe session validity
//   - POST   /api/auth/session/renew - Slide the session expiry forward
//   - DELETE /api/auth/session       - Log out
//   - GET    /health                 - Health check
//
// Tokens travel in cookies; the verify endpoint additionally requires the
// double-submit CSRF token in the request body.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/morganforge/authgate/internal/auth"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultListenAddr is the default bind address.
	DefaultListenAddr = "127.0.0.1:8443"

	// MaxRequestBodySize caps the verify request body (4KB is generous
	// for a code plus tokens).
	MaxRequestBodySize = 4 * 1024

	// Version is the server version.
	Version = "0.1.0"
)

// ============================================================================
// SERVER
// ============================================================================

// Server is the HTTP server fronting the authentication gateway.
type Server struct {
	addr   string
	router *http.ServeMux
	server *http.Server

	gateway  *auth.Gateway
	resolver *ClientKeyResolver
	throttle *Throttle

	sessionCookie *CookieCarrier
	csrfCookie    *CookieCarrier

	// sessionWindow bounds the session cookie's browser-side MaxAge.
	sessionWindow time.Duration

	mu sync.RWMutex
}

// ServerOption is a functional option for configuring Server.
type ServerOption func(*Server)

// WithListenAddr sets the bind address.
func WithListenAddr(addr string) ServerOption {
	return func(s *Server) {
		if addr != "" {
			s.addr = addr
		}
	}
}

// WithSecureCookies marks the session and CSRF cookies Secure.
func WithSecureCookies(secure bool) ServerOption {
	return func(s *Server) {
		s.sessionCookie = NewSessionCarrier(secure)
		s.csrfCookie = NewCSRFCarrier(secure)
	}
}

// WithClientKeyResolver sets the trusted-proxy-aware client IP resolver.
func WithClientKeyResolver(resolver *ClientKeyResolver) ServerOption {
	return func(s *Server) { s.resolver = resolver }
}

// WithThrottle sets the transport-level request throttle.
func WithThrottle(throttle *Throttle) ServerOption {
	return func(s *Server) { s.throttle = throttle }
}

// WithSessionWindow sets the browser-side lifetime hint for the session
// cookie. Server-side expiry stays authoritative.
func WithSessionWindow(window time.Duration) ServerOption {
	return func(s *Server) {
		if window > 0 {
			s.sessionWindow = window
		}
	}
}

// NewServer creates a Server around the given authentication gateway.
func NewServer(gateway *auth.Gateway, opts ...ServerOption) *Server {
	s := &Server{
		addr:          DefaultListenAddr,
		router:        http.NewServeMux(),
		gateway:       gateway,
		resolver:      NewClientKeyResolver(nil),
		throttle:      NewThrottle(10, 20),
		sessionCookie: NewSessionCarrier(false),
		csrfCookie:    NewCSRFCarrier(false),
		sessionWindow: auth.DefaultSessionWindow,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.setupRoutes()
	return s
}

// Addr returns the configured bind address.
func (s *Server) Addr() string {
	return s.addr
}

// ============================================================================
// ROUTES
// ============================================================================

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("GET /api/auth/status", s.handleStatus)
	s.router.HandleFunc("POST /api/auth/verify", s.handleVerify)
	s.router.HandleFunc("GET /api/auth/session/check", s.handleSessionCheck)
	s.router.HandleFunc("POST /api/auth/session/renew", s.handleSessionRenew)
	s.router.HandleFunc("DELETE /api/auth/session", s.handleLogout)

	s.router.HandleFunc("GET /health", s.handleHealth)
}

// Handler returns the full middleware-wrapped handler, exposed for tests.
func (s *Server) Handler() http.Handler {
	return Chain(
		RecoveryMiddleware(),
		SecurityHeadersMiddleware(),
		LoggingMiddleware(log.Default()),
		ThrottleMiddleware(s.throttle, s.resolver),
	)(s.router)
}

// ============================================================================
// REQUEST/RESPONSE TYPES
// ============================================================================

// StatusResponse answers GET /api/auth/status.
type StatusResponse struct {
	Registered bool                     `json:"registered"`
	Enrollment *auth.EnrollmentMaterial `json:"enrollment,omitempty"`
	CSRFToken  string                   `json:"csrf_token"`
}

// VerifyRequest is the body of POST /api/auth/verify.
type VerifyRequest struct {
	Code         string `json:"code"`
	EnrollmentID string `json:"enrollment_id,omitempty"`
	CSRFToken    string `json:"csrf_token"`
}

// SessionResponse reports session state after verify, check or renew.
type SessionResponse struct {
	Authenticated bool  `json:"authenticated"`
	ExpiresInSecs int64 `json:"expires_in_secs"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	RemainingAttempts *int   `json:"remaining_attempts,omitempty"`
	RetryAfterSecs    *int64 `json:"retry_after_secs,omitempty"`
}

// HealthResponse answers GET /health.
type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	Registered bool   `json:"registered"`
}

// ============================================================================
// AUTH HANDLERS
// ============================================================================

// handleStatus handles GET /api/auth/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.gateway.Status(r.Context())
	if err != nil {
		s.writeAuthError(w, err)
		return
	}

	// The CSRF token rides both the body and the cookie; the verify
	// handler demands they match.
	s.csrfCookie.Attach(w, status.CSRFToken, time.Hour)

	s.writeJSON(w, http.StatusOK, StatusResponse{
		Registered: status.Registered,
		Enrollment: status.Enrollment,
		CSRFToken:  status.CSRFToken,
	})
}

// handleVerify handles POST /api/auth/verify.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)

	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("VERIFY_BAD_BODY | error=%v", err)
		s.writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	session, err := s.gateway.SubmitCode(r.Context(), auth.VerifyRequest{
		Code:         req.Code,
		EnrollmentID: req.EnrollmentID,
		CSRFToken:    req.CSRFToken,
		CSRFCookie:   s.csrfCookie.Extract(r),
		ClientKey:    s.resolver.ClientKey(r),
	})
	if err != nil {
		s.writeAuthError(w, err)
		return
	}

	s.sessionCookie.Attach(w, session.Token, s.sessionWindow)
	s.writeJSON(w, http.StatusOK, SessionResponse{
		Authenticated: true,
		ExpiresInSecs: int64(session.TimeRemaining().Seconds()),
	})
}

// handleSessionCheck handles GET /api/auth/session/check. Always 200: the
// body says whether the session is live, so polling frontends don't treat a
// logged-out state as a transport error.
func (s *Server) handleSessionCheck(w http.ResponseWriter, r *http.Request) {
	token := s.sessionCookie.Extract(r)
	ok, remaining := s.gateway.CheckSession(token)
	if !ok {
		s.writeJSON(w, http.StatusOK, SessionResponse{Authenticated: false})
		return
	}

	s.writeJSON(w, http.StatusOK, SessionResponse{
		Authenticated: true,
		ExpiresInSecs: int64(remaining.Seconds()),
	})
}

// handleSessionRenew handles POST /api/auth/session/renew.
func (s *Server) handleSessionRenew(w http.ResponseWriter, r *http.Request) {
	token := s.sessionCookie.Extract(r)
	if !s.gateway.RenewSession(token) {
		s.sessionCookie.Clear(w)
		s.writeError(w, http.StatusUnauthorized, "session_expired", "session expired, log in again")
		return
	}

	_, remaining := s.gateway.CheckSession(token)
	s.sessionCookie.Attach(w, token, s.sessionWindow)
	s.writeJSON(w, http.StatusOK, SessionResponse{
		Authenticated: true,
		ExpiresInSecs: int64(remaining.Seconds()),
	})
}

// handleLogout handles DELETE /api/auth/session. Idempotent.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := s.sessionCookie.Extract(r)
	if token != "" {
		s.gateway.Logout(token)
	}
	s.sessionCookie.Clear(w)
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// PROTECTED-ROUTE MIDDLEWARE
// ============================================================================

// RequireSession returns middleware that rejects requests lacking a live
// session with 401. Mount it in front of any handler the gate protects.
func (s *Server) RequireSession() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := s.sessionCookie.Extract(r)
			if ok, _ := s.gateway.CheckSession(token); !ok {
				s.writeError(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Protect registers a handler behind the session gate on the server's router.
func (s *Server) Protect(pattern string, handler http.Handler) {
	s.router.Handle(pattern, s.RequireSession()(handler))
}

// ============================================================================
// HEALTH HANDLER
// ============================================================================

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthResponse{
		Status:  "ok",
		Version: Version,
	}

	registered, err := s.gateway.Registered(r.Context())
	if err != nil {
		health.Status = "degraded"
	} else {
		health.Registered = registered
	}

	s.writeJSON(w, http.StatusOK, health)
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.mu.Lock()
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.mu.Unlock()

	log.Printf("SERVER_START | addr=%s version=%s", s.addr, Version)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()

	if srv == nil {
		return nil
	}

	log.Printf("SERVER_SHUTDOWN | starting graceful shutdown")
	return srv.Shutdown(ctx)
}

// ============================================================================
// HELPERS
// ============================================================================

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, ErrorResponse{
		Error:   code,
		Message: message,
	})
}

// writeAuthError maps a gateway rejection onto the wire, carrying the
// remaining-attempts and retry-after metadata when present.
func (s *Server) writeAuthError(w http.ResponseWriter, err error) {
	var authErr *auth.AuthError
	if !errors.As(err, &authErr) {
		log.Printf("UNEXPECTED_ERROR | error=%v", err)
		s.writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	resp := ErrorResponse{
		Error:   authErr.Code,
		Message: authErr.Message,
	}
	if authErr.RemainingAttempts >= 0 {
		remaining := authErr.RemainingAttempts
		resp.RemainingAttempts = &remaining
	}
	if authErr.RetryAfter > 0 {
		secs := int64(authErr.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		resp.RetryAfterSecs = &secs
		w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))
	}

	s.writeJSON(w, authErr.Status, resp)
}
