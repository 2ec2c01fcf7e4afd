// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"log"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ============================================================================
// Request Throttle
// ============================================================================

// Throttle enforces a per-client request rate at the transport level. It is
// independent of the login lockout: the lockout punishes failed codes, the
// throttle caps raw request volume from one address.
type Throttle struct {
	// limiters maps client keys to their token buckets.
	limiters map[string]*throttleEntry

	limit rate.Limit
	burst int

	// mu protects concurrent access to the limiters map.
	mu sync.Mutex

	// lastSweep is when idle entries were last garbage-collected.
	lastSweep time.Time
}

// throttleEntry pairs a token bucket with its last-use time for GC.
type throttleEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// throttleIdleTTL is how long an unused client bucket survives before GC.
const throttleIdleTTL = 10 * time.Minute

// NewThrottle creates a Throttle allowing perSec requests per client with the
// given burst.
func NewThrottle(perSec float64, burst int) *Throttle {
	return &Throttle{
		limiters:  make(map[string]*throttleEntry),
		limit:     rate.Limit(perSec),
		burst:     burst,
		lastSweep: time.Now(),
	}
}

// Allow reports whether a request from key may proceed.
func (t *Throttle) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	t.sweepLocked(now)

	entry, exists := t.limiters[key]
	if !exists {
		entry = &throttleEntry{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.limiters[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.Allow()
}

// sweepLocked drops idle buckets. Runs at most once per idle TTL; callers
// must hold the mutex.
func (t *Throttle) sweepLocked(now time.Time) {
	if now.Sub(t.lastSweep) < throttleIdleTTL {
		return
	}
	t.lastSweep = now

	for key, entry := range t.limiters {
		if now.Sub(entry.lastSeen) >= throttleIdleTTL {
			delete(t.limiters, key)
		}
	}
}

// ThrottleMiddleware returns HTTP middleware that enforces the transport rate
// limit. Returns 429 Too Many Requests when a client exceeds it.
func ThrottleMiddleware(throttle *Throttle, resolver *ClientKeyResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := resolver.ClientKey(r)
			if !throttle.Allow(clientKey) {
				log.Printf("THROTTLED | ip=%s path=%s", clientKey, r.URL.Path)
				w.Header().Set("Retry-After", "1")
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ============================================================================
// Request Logging Middleware
// ============================================================================

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

// newResponseWriter creates a wrapped response writer.
func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

// WriteHeader captures the status code before writing it.
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware returns HTTP middleware that logs all requests.
//
// Log format: "2024-01-15 14:30:45 | POST /api/auth/verify | 200 | 0.004s"
func LoggingMiddleware(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := newResponseWriter(w)

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)
			logger.Printf("%s | %s %s | %d | %.3fs",
				start.Format("2006-01-02 15:04:05"),
				r.Method,
				r.URL.Path,
				wrapped.statusCode,
				duration.Seconds(),
			)
		})
	}
}

// ============================================================================
// Security Headers Middleware
// ============================================================================

// SecurityHeadersMiddleware returns HTTP middleware that adds security headers.
//
// Headers set:
//   - X-Content-Type-Options: nosniff
//   - X-Frame-Options: DENY
//   - Content-Security-Policy: default-src 'self'
//   - Cache-Control: no-store, no-cache, must-revalidate
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Prevent MIME type sniffing
			w.Header().Set("X-Content-Type-Options", "nosniff")

			// Prevent clickjacking
			w.Header().Set("X-Frame-Options", "DENY")

			// Content Security Policy
			w.Header().Set("Content-Security-Policy", "default-src 'self'")

			// Auth responses must never be cached
			w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")

			// Referrer Policy
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

			next.ServeHTTP(w, r)
		})
	}
}

// ============================================================================
// Recovery Middleware
// ============================================================================

// RecoveryMiddleware returns HTTP middleware that recovers from panics.
//
// Catches panics in downstream handlers, logs the stack trace, and returns
// 500 Internal Server Error without crashing the server.
func RecoveryMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.Printf("PANIC_RECOVERED | method=%s path=%s error=%v\n%s",
						r.Method,
						r.URL.Path,
						err,
						string(debug.Stack()),
					)
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// ============================================================================
// Middleware Chain Helper
// ============================================================================

// Chain composes multiple middleware functions into a single middleware.
// Middlewares are applied in the order provided.
//
// Example:
//
//	chain := Chain(
//	    RecoveryMiddleware(),
//	    LoggingMiddleware(logger),
//	    ThrottleMiddleware(throttle, resolver),
//	)
//	http.Handle("/api", chain(handler))
func Chain(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		// Apply middlewares in reverse order so they execute in order
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// ============================================================================
// Client Key Resolution
// ============================================================================

// ClientKeyResolver derives the rate-limit client key for a request.
//
// Security: X-Forwarded-For and X-Real-IP are only believed when the direct
// connection comes from a configured trusted proxy. Otherwise an attacker
// could rotate spoofed headers to dodge the lockout.
type ClientKeyResolver struct {
	trusted []*net.IPNet
}

// NewClientKeyResolver builds a resolver trusting the given proxy addresses
// or CIDR ranges. Invalid entries are logged and skipped.
func NewClientKeyResolver(trustedProxies []string) *ClientKeyResolver {
	resolver := &ClientKeyResolver{}
	for _, entry := range trustedProxies {
		if strings.Contains(entry, "/") {
			_, ipNet, err := net.ParseCIDR(entry)
			if err != nil {
				log.Printf("TRUSTED_PROXIES | invalid CIDR notation: %s", entry)
				continue
			}
			resolver.trusted = append(resolver.trusted, ipNet)
			continue
		}

		ip := net.ParseIP(entry)
		if ip == nil {
			log.Printf("TRUSTED_PROXIES | invalid IP address: %s", entry)
			continue
		}
		mask := net.CIDRMask(128, 128)
		if ip.To4() != nil {
			mask = net.CIDRMask(32, 32)
		}
		resolver.trusted = append(resolver.trusted, &net.IPNet{IP: ip, Mask: mask})
	}
	return resolver
}

// isTrustedProxy checks if the given IP address is a configured proxy.
func (c *ClientKeyResolver) isTrustedProxy(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, cidr := range c.trusted {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// remoteIP extracts the IP address from r.RemoteAddr ("IP:port" or
// "[IPv6]:port").
func remoteIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// ClientKey returns the client IP for the request.
//
// Process:
//  1. Extract the direct connection IP from RemoteAddr.
//  2. If the connection is from a trusted proxy, believe X-Forwarded-For
//     (first valid IP) then X-Real-IP.
//  3. Fall back to the connection IP.
func (c *ClientKeyResolver) ClientKey(r *http.Request) string {
	connIP := remoteIP(r.RemoteAddr)

	if !c.isTrustedProxy(connIP) {
		return connIP
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			candidate := strings.TrimSpace(parts[0])
			if net.ParseIP(candidate) != nil {
				return candidate
			}
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		if net.ParseIP(xri) != nil {
			return xri
		}
	}

	return connIP
}
