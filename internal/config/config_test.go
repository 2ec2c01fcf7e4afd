// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())
}

func TestLoadFromPath_Roundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := Default()
	cfg.Server.ListenAddr = "127.0.0.1:9999"
	cfg.Security.MaxLoginAttempts = 7
	cfg.Security.SessionSlidingSecs = 600
	require.NoError(t, SaveTOML(cfg, path))

	loaded, err := LoadFromPath(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9999", loaded.Server.ListenAddr)
	require.Equal(t, 7, loaded.Security.MaxLoginAttempts)
	require.Equal(t, 10*time.Minute, loaded.Security.SessionWindow())
}

func TestLoadFromPath_PartialFileGetsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
listen_addr = "0.0.0.0:8000"
`), 0600))

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:8000", cfg.Server.ListenAddr)

	// Everything unspecified comes from defaults.
	require.Equal(t, 5, cfg.Security.MaxLoginAttempts)
	require.Equal(t, 5*time.Minute, cfg.Security.LockoutWindow())
	require.Equal(t, 12*time.Hour, cfg.Security.SessionMaxLifetime())
	require.Equal(t, 1, cfg.Security.OTPSkewSteps)
	require.True(t, cfg.Audit.Enabled)
}

func TestValidate_RejectsOutOfRangeValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"attempts too low", func(c *Config) { c.Security.MaxLoginAttempts = 2 }},
		{"attempts too high", func(c *Config) { c.Security.MaxLoginAttempts = 11 }},
		{"lockout window too short", func(c *Config) { c.Security.LockoutWindowSecs = 30 }},
		{"lockout too long", func(c *Config) { c.Security.LockoutDurationSecs = 7200 }},
		{"sliding window too short", func(c *Config) { c.Security.SessionSlidingSecs = 10 }},
		{"lifetime below sliding window", func(c *Config) { c.Security.SessionMaxLifetimeSecs = 60 }},
		{"enrollment ttl too long", func(c *Config) { c.Security.EnrollmentTTLSecs = 3600 }},
		{"skew negative", func(c *Config) { c.Security.OTPSkewSteps = -1 }},
		{"skew too wide", func(c *Config) { c.Security.OTPSkewSteps = 3 }},
		{"empty listen addr", func(c *Config) { c.Server.ListenAddr = "" }},
		{"zero request rate", func(c *Config) { c.Server.RequestsPerSec = -1 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Security.MaxLoginAttempts = 100
	cfg.Security.OTPSkewSteps = 9

	err := cfg.Validate()
	require.Error(t, err)

	var errs ValidateErrors
	require.ErrorAs(t, err, &errs)
	require.Len(t, errs, 2)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("AUTHGATE_LISTEN_ADDR", "127.0.0.1:7777")
	t.Setenv("AUTHGATE_SECURE_COOKIES", "true")
	t.Setenv("AUTHGATE_DB_PATH", "/tmp/gate.db")
	t.Setenv("AUTHGATE_ISSUER", "example.org")

	cfg := Default()
	cfg.ApplyEnvOverrides()

	require.Equal(t, "127.0.0.1:7777", cfg.Server.ListenAddr)
	require.True(t, cfg.Server.SecureCookies)
	require.Equal(t, "/tmp/gate.db", cfg.Storage.DatabasePath)
	require.Equal(t, "example.org", cfg.Security.Issuer)
}

func TestSaveTOML_RestrictivePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, SaveTOML(Default(), path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestLoadFromPath_FixesLoosePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, SaveTOML(Default(), path))
	require.NoError(t, os.Chmod(path, 0644))

	_, err := LoadFromPath(path)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())
}
