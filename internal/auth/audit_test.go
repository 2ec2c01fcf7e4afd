// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package auth

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func readAuditEvents(t *testing.T, path string) []AuditEvent {
	t.Helper()

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	var events []AuditEvent
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var event AuditEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &event))
		events = append(events, event)
	}
	require.NoError(t, scanner.Err())
	return events
}

func TestAuditLogger_RecordsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")

	logger, err := NewAuditLogger(path)
	require.NoError(t, err)
	defer logger.Close()

	logger.Record(AuditEvent{
		Kind:      EventLoginSuccess,
		ClientKey: "10.0.0.1",
		SubjectID: "admin",
		Success:   true,
	})
	logger.Record(AuditEvent{
		Kind:      EventLoginFailure,
		ClientKey: "10.0.0.1",
		Detail:    "4 attempts remaining",
	})

	events := readAuditEvents(t, path)
	require.Len(t, events, 2)
	require.Equal(t, EventLoginSuccess, events[0].Kind)
	require.True(t, events[0].Success)
	require.False(t, events[0].Timestamp.IsZero())
	require.Equal(t, EventLoginFailure, events[1].Kind)
	require.Equal(t, "4 attempts remaining", events[1].Detail)
	require.Zero(t, logger.Failures())
}

func TestAuditLogger_PreservesTimestamp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")

	logger, err := NewAuditLogger(path)
	require.NoError(t, err)
	defer logger.Close()

	when := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	logger.Record(AuditEvent{Timestamp: when, Kind: EventSessionRevoked})

	events := readAuditEvents(t, path)
	require.Len(t, events, 1)
	require.True(t, events[0].Timestamp.Equal(when))
}

func TestAuditLogger_AppendsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")

	logger, err := NewAuditLogger(path)
	require.NoError(t, err)
	logger.Record(AuditEvent{Kind: EventEnrollmentStarted})
	require.NoError(t, logger.Close())

	logger, err = NewAuditLogger(path)
	require.NoError(t, err)
	logger.Record(AuditEvent{Kind: EventLoginSuccess})
	require.NoError(t, logger.Close())

	events := readAuditEvents(t, path)
	require.Len(t, events, 2)
}

func TestAuditLogger_Disabled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")

	logger, err := NewAuditLogger(path)
	require.NoError(t, err)
	defer logger.Close()

	logger.SetEnabled(false)
	logger.Record(AuditEvent{Kind: EventLoginFailure})

	require.Empty(t, readAuditEvents(t, path))
}

func TestAuditLogger_NilIsSafe(t *testing.T) {
	var logger *AuditLogger

	logger.Record(AuditEvent{Kind: EventLoginFailure})
	logger.SetEnabled(true)
	require.Zero(t, logger.Failures())
	require.NoError(t, logger.Close())
}
