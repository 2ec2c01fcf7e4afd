// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"net/http"
	"time"
)

// ============================================================================
// Cookie Carriers
// ============================================================================

// Cookie names used by the authentication surface.
const (
	// SessionCookieName carries the opaque session token.
	SessionCookieName = "authgate_session"

	// CSRFCookieName carries the double-submit CSRF token.
	CSRFCookieName = "authgate_csrf"
)

// CookieCarrier moves one token between the server and the browser. It owns
// the cookie attributes so handlers never touch http.Cookie directly, and it
// is the single place the transport policy (HttpOnly, SameSite, Secure)
// lives.
type CookieCarrier struct {
	// name is the cookie name.
	name string

	// httpOnly hides the cookie from client-side scripts.
	httpOnly bool

	// secure marks the cookie for HTTPS-only transmission.
	secure bool
}

// NewSessionCarrier returns the carrier for the session token cookie.
// Always HttpOnly: the session token must never be reachable from script.
func NewSessionCarrier(secure bool) *CookieCarrier {
	return &CookieCarrier{
		name:     SessionCookieName,
		httpOnly: true,
		secure:   secure,
	}
}

// NewCSRFCarrier returns the carrier for the CSRF token cookie. Not HttpOnly:
// the double-submit pattern requires the page to echo the value back in the
// request body.
func NewCSRFCarrier(secure bool) *CookieCarrier {
	return &CookieCarrier{
		name:     CSRFCookieName,
		httpOnly: false,
		secure:   secure,
	}
}

// Attach sets the cookie on the response. maxAge bounds the cookie's life in
// the browser; the server-side expiry stays authoritative regardless.
// Host-only (no Domain attribute), SameSite=Strict.
func (c *CookieCarrier) Attach(w http.ResponseWriter, value string, maxAge time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: c.httpOnly,
		Secure:   c.secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// Extract returns the cookie value from the request, or "" when absent.
func (c *CookieCarrier) Extract(r *http.Request) string {
	cookie, err := r.Cookie(c.name)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// Clear expires the cookie in the browser.
func (c *CookieCarrier) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: c.httpOnly,
		Secure:   c.secure,
		SameSite: http.SameSiteStrictMode,
	})
}
