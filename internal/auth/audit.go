// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// =============================================================================
// AUDIT EVENT
// =============================================================================

// Audit event kinds recorded by the gateway.
const (
	EventLoginSuccess      = "LOGIN_SUCCESS"
	EventLoginFailure      = "LOGIN_FAILURE"
	EventRateLimited       = "RATE_LIMIT_EXCEEDED"
	EventCSRFFailed        = "CSRF_VALIDATION_FAILED"
	EventSessionRenewed    = "SESSION_RENEWED"
	EventSessionRevoked    = "SESSION_REVOKED"
	EventEnrollmentStarted = "ENROLLMENT_STARTED"
	EventEnrollmentExpired = "ENROLLMENT_EXPIRED"
)

// AuditEvent is a single append-only audit log entry.
type AuditEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	ClientKey string    `json:"client_key,omitempty"`
	SubjectID string    `json:"subject_id,omitempty"`
	Success   bool      `json:"success"`
	Detail    string    `json:"detail,omitempty"`
}

// =============================================================================
// AUDIT LOGGER
// =============================================================================

// AuditLogger appends authentication events to a JSON-lines file.
//
// Recording is best-effort: a write failure degrades observability, never
// correctness. Failures are counted and reported to stderr, and the caller's
// authentication decision proceeds regardless. A nil *AuditLogger is valid
// and drops all events.
type AuditLogger struct {
	path     string
	file     *os.File
	mu       sync.Mutex
	enabled  bool
	failures int
}

// NewAuditLogger opens (appending) the audit log at path.
func NewAuditLogger(path string) (*AuditLogger, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	return &AuditLogger{
		path:    path,
		file:    file,
		enabled: true,
	}, nil
}

// Record appends an event. The timestamp is filled in if zero. Errors are
// swallowed after being reported to stderr.
func (l *AuditLogger) Record(event AuditEvent) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled || l.file == nil {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	line, err := json.Marshal(event)
	if err != nil {
		l.failures++
		fmt.Fprintf(os.Stderr, "AUDIT ERROR: failed to encode event %s: %v\n", event.Kind, err)
		return
	}

	if _, err := l.file.Write(append(line, '\n')); err != nil {
		l.failures++
		fmt.Fprintf(os.Stderr, "AUDIT ERROR: failed to write event %s: %v\n", event.Kind, err)
	}
}

// Failures returns the number of dropped events so far.
func (l *AuditLogger) Failures() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failures
}

// SetEnabled enables or disables recording.
func (l *AuditLogger) SetEnabled(enabled bool) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

// Close flushes and closes the log file. Record becomes a no-op afterwards.
func (l *AuditLogger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
