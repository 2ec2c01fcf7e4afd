// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for authgate.
//
// TOML configuration with sensible defaults, environment variable overrides,
// and validation.
//
// # Key Types
//
//   - Config: Main configuration structure with all settings
//   - ServerConfig: HTTP listener and cookie settings
//   - SecurityConfig: Lockout, session and OTP policy
//   - StorageConfig, AuditConfig: Persistence paths
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (AUTHGATE_*)
//   - ~/.authgate/config.toml
//   - Built-in defaults
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Access settings:
//
//	addr := cfg.Server.ListenAddr
//	window := cfg.Security.SessionWindow()
package config
