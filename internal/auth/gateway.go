// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/morganforge/authgate/internal/store"
)

// =============================================================================
// ERROR TAXONOMY
// =============================================================================

// Machine-readable error codes returned to the client.
const (
	CodeCSRFFailed        = "csrf_failed"
	CodeInvalidCodeFormat = "invalid_code_format"
	CodeEnrollmentMissing = "enrollment_required"
	CodeEnrollmentExpired = "enrollment_expired"
	CodeRateLimited       = "rate_limited"
	CodeInvalidCode       = "invalid_code"
	CodeAlreadyRegistered = "already_registered"
	CodeInternal          = "internal_error"
)

// AuthError is a categorized authentication rejection. Every failure leaving
// the gateway is one of these; internal causes are wrapped, never leaked in
// the message.
type AuthError struct {
	// Status is the HTTP status the rejection maps to.
	Status int

	// Code is the machine-readable category.
	Code string

	// Message is safe to show to the caller.
	Message string

	// RemainingAttempts is how many failures the client key can still
	// afford; -1 when not applicable.
	RemainingAttempts int

	// RetryAfter is how long a locked-out key must wait; zero when not
	// applicable.
	RetryAfter time.Duration

	err error
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.err)
	}
	return e.Message
}

// Unwrap exposes the internal cause for errors.Is/As.
func (e *AuthError) Unwrap() error { return e.err }

// authErr builds a client-facing rejection with no attempt metadata.
func authErr(status int, code, message string) *AuthError {
	return &AuthError{Status: status, Code: code, Message: message, RemainingAttempts: -1}
}

// internalErr wraps an internal failure as a generic 500 without leaking
// detail to the caller.
func internalErr(err error) *AuthError {
	log.Printf("AUTH_INTERNAL | error=%v", err)
	return &AuthError{
		Status:            http.StatusInternalServerError,
		Code:              CodeInternal,
		Message:           "internal error",
		RemainingAttempts: -1,
		err:               err,
	}
}

// =============================================================================
// GATEWAY
// =============================================================================

// adminSubject identifies the single admin identity in audit events.
const adminSubject = "admin"

// Gateway is the authentication facade. It owns the volatile state (pending
// enrollments, rate-limit table, session table) through its injected
// managers and answers the only question the rest of the application asks:
// does this caller hold a valid admin session, and if not, can they
// establish one?
type Gateway struct {
	store    store.AdminIdentityStore
	enroll   *EnrollmentManager
	sessions *SessionManager
	limiter  *RateLimiter
	csrf     *CSRFGuard
	audit    *AuditLogger
	skew     uint
}

// GatewayOption is a functional option for configuring Gateway.
type GatewayOption func(*Gateway)

// WithEnrollmentManager sets the pending-enrollment cache.
func WithEnrollmentManager(m *EnrollmentManager) GatewayOption {
	return func(g *Gateway) { g.enroll = m }
}

// WithSessionManager sets the session table.
func WithSessionManager(m *SessionManager) GatewayOption {
	return func(g *Gateway) { g.sessions = m }
}

// WithRateLimiter sets the failed-attempt limiter.
func WithRateLimiter(l *RateLimiter) GatewayOption {
	return func(g *Gateway) { g.limiter = l }
}

// WithAuditLogger sets the audit sink. A nil logger drops events.
func WithAuditLogger(l *AuditLogger) GatewayOption {
	return func(g *Gateway) { g.audit = l }
}

// WithOTPSkew sets the accepted clock-skew window in time steps.
func WithOTPSkew(steps uint) GatewayOption {
	return func(g *Gateway) { g.skew = steps }
}

// NewGateway creates a Gateway around the given identity store. Components
// not supplied via options get defaults.
func NewGateway(identityStore store.AdminIdentityStore, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		store: identityStore,
		csrf:  NewCSRFGuard(),
		skew:  DefaultOTPSkew,
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.enroll == nil {
		g.enroll = NewEnrollmentManager("authgate", adminSubject, DefaultEnrollmentTTL)
	}
	if g.sessions == nil {
		g.sessions = NewSessionManager()
	}
	if g.limiter == nil {
		g.limiter = NewRateLimiter()
	}

	return g
}

// =============================================================================
// STATUS
// =============================================================================

// Status is the answer to "where does authentication stand?". A fresh CSRF
// token is issued on every call; enrollment material is present only while
// the system is unenrolled.
type Status struct {
	Registered bool
	Enrollment *EnrollmentMaterial
	CSRFToken  string
}

// Registered reports whether the admin identity exists, without side
// effects. Cheap enough for health probes.
func (g *Gateway) Registered(ctx context.Context) (bool, error) {
	registered, err := g.store.Registered(ctx)
	if err != nil {
		return false, internalErr(err)
	}
	return registered, nil
}

// Status reports whether the admin identity exists and, if not, issues
// provisioning material for first-run enrollment.
func (g *Gateway) Status(ctx context.Context) (*Status, error) {
	registered, err := g.store.Registered(ctx)
	if err != nil {
		return nil, internalErr(err)
	}

	token, err := g.csrf.Issue()
	if err != nil {
		return nil, internalErr(err)
	}

	status := &Status{Registered: registered, CSRFToken: token}
	if !registered {
		material, err := g.enroll.Begin()
		if err != nil {
			return nil, internalErr(err)
		}
		status.Enrollment = material
		g.audit.Record(AuditEvent{
			Kind:    EventEnrollmentStarted,
			Success: true,
			Detail:  "provisioning material issued",
		})
	}
	return status, nil
}

// =============================================================================
// CODE SUBMISSION
// =============================================================================

// VerifyRequest carries one code submission through the guard pipeline.
type VerifyRequest struct {
	// Code is the submitted 6-digit TOTP code.
	Code string

	// EnrollmentID ties a first-run submission to its pending secret;
	// empty for a regular login.
	EnrollmentID string

	// CSRFToken is the caller-supplied token from the request body.
	CSRFToken string

	// CSRFCookie is the cookie-carried counterpart.
	CSRFCookie string

	// ClientKey identifies the caller for rate limiting (source address).
	ClientKey string
}

// SubmitCode runs the fixed-order guard pipeline: CSRF, code format, rate
// limit, then enrollment promotion or login. Every rejection is decided
// before any sensitive computation it guards.
func (g *Gateway) SubmitCode(ctx context.Context, req VerifyRequest) (*Session, error) {
	// 1. CSRF integrity. Precedes the rate-limit check, so it never
	// consumes an attempt.
	if !g.csrf.Validate(req.CSRFToken, req.CSRFCookie) {
		g.audit.Record(AuditEvent{Kind: EventCSRFFailed, ClientKey: req.ClientKey})
		return nil, authErr(http.StatusForbidden, CodeCSRFFailed, "CSRF validation failed")
	}

	// 2. Code format. Malformed input is a plain validation error and
	// charges no rate-limit cost.
	if !CodeWellFormed(req.Code) {
		return nil, authErr(http.StatusBadRequest, CodeInvalidCodeFormat, "code must be exactly 6 digits")
	}

	// 3. Lockout. A locked key is rejected before any OTP computation.
	if !g.limiter.Allow(req.ClientKey) {
		retryAfter := g.limiter.ResetAfter(req.ClientKey)
		g.audit.Record(AuditEvent{
			Kind:      EventRateLimited,
			ClientKey: req.ClientKey,
			Detail:    fmt.Sprintf("locked for %s", retryAfter.Round(time.Second)),
		})
		rejection := authErr(http.StatusTooManyRequests, CodeRateLimited, "too many failed attempts")
		rejection.RetryAfter = retryAfter
		return nil, rejection
	}

	registered, err := g.store.Registered(ctx)
	if err != nil {
		return nil, internalErr(err)
	}

	if !registered {
		return g.completeEnrollment(ctx, req)
	}
	return g.completeLogin(ctx, req)
}

// completeEnrollment promotes a pending secret to the persisted admin
// identity. The store's atomic create resolves the duplicate-promotion race:
// the loser gets an "already registered" outcome and retries as a login.
func (g *Gateway) completeEnrollment(ctx context.Context, req VerifyRequest) (*Session, error) {
	if req.EnrollmentID == "" {
		return nil, authErr(http.StatusBadRequest, CodeEnrollmentMissing, "enrollment id required")
	}

	secret, err := g.enroll.Lookup(req.EnrollmentID)
	if errors.Is(err, ErrEnrollmentExpired) {
		g.audit.Record(AuditEvent{
			Kind:      EventEnrollmentExpired,
			ClientKey: req.ClientKey,
		})
		return nil, authErr(http.StatusBadRequest, CodeEnrollmentExpired, "enrollment session expired, restart enrollment")
	}
	if err != nil {
		return nil, internalErr(err)
	}

	if !ValidateCode(secret, req.Code, g.skew) {
		return nil, g.recordFailure(req.ClientKey)
	}

	if err := g.store.Create(ctx, secret); err != nil {
		if errors.Is(err, store.ErrAlreadyRegistered) {
			// Lost the first-registration race; the winner's secret is
			// now authoritative.
			g.enroll.Expire(req.EnrollmentID)
			return nil, authErr(http.StatusConflict, CodeAlreadyRegistered, "already registered, log in instead")
		}
		return nil, internalErr(err)
	}

	g.enroll.Expire(req.EnrollmentID)
	return g.openSession(req.ClientKey, "enrollment")
}

// completeLogin validates a code against the persisted admin secret.
func (g *Gateway) completeLogin(ctx context.Context, req VerifyRequest) (*Session, error) {
	identity, err := g.store.Get(ctx)
	if err != nil {
		return nil, internalErr(err)
	}

	if !ValidateCode(identity.Secret, req.Code, g.skew) {
		return nil, g.recordFailure(req.ClientKey)
	}

	return g.openSession(req.ClientKey, "login")
}

// recordFailure charges a failed validation to the client key and builds the
// 401 carrying the remaining-attempts count.
func (g *Gateway) recordFailure(clientKey string) *AuthError {
	g.limiter.RecordFailure(clientKey)
	remaining := g.limiter.Remaining(clientKey)

	g.audit.Record(AuditEvent{
		Kind:      EventLoginFailure,
		ClientKey: clientKey,
		Detail:    fmt.Sprintf("%d attempts remaining", remaining),
	})

	rejection := authErr(http.StatusUnauthorized, CodeInvalidCode, "invalid code")
	rejection.RemainingAttempts = remaining
	return rejection
}

// openSession mints a session after a successful validation and clears the
// caller's rate-limit state.
func (g *Gateway) openSession(clientKey, via string) (*Session, error) {
	session, err := g.sessions.Create()
	if err != nil {
		return nil, internalErr(err)
	}

	g.limiter.Reset(clientKey)
	g.audit.Record(AuditEvent{
		Kind:      EventLoginSuccess,
		ClientKey: clientKey,
		SubjectID: adminSubject,
		Success:   true,
		Detail:    "via " + via,
	})
	return session, nil
}

// =============================================================================
// SESSION OPERATIONS
// =============================================================================

// CheckSession reports whether token maps to a live session and how long it
// has left. This is the boundary every protected endpoint consults.
func (g *Gateway) CheckSession(token string) (bool, time.Duration) {
	session := g.sessions.Validate(token)
	if session == nil {
		return false, 0
	}
	return true, session.TimeRemaining()
}

// RenewSession slides a still-valid session's expiry forward. Returns false
// once the session has lapsed or the absolute lifetime is exhausted.
func (g *Gateway) RenewSession(token string) bool {
	session := g.sessions.Renew(token)
	if session == nil {
		return false
	}
	g.audit.Record(AuditEvent{
		Kind:      EventSessionRenewed,
		SubjectID: adminSubject,
		Success:   true,
	})
	return true
}

// Logout revokes the session unconditionally. Idempotent: revoking an
// unknown or expired token is not an error.
func (g *Gateway) Logout(token string) {
	g.sessions.Revoke(token)
	g.audit.Record(AuditEvent{
		Kind:      EventSessionRevoked,
		SubjectID: adminSubject,
		Success:   true,
	})
}
