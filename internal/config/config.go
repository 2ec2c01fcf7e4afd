// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and validation for authgate.
//
// Configuration is TOML with sensible defaults and environment variable
// overrides. Default location: ~/.authgate/config.toml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete authgate configuration.
type Config struct {
	// Server settings
	Server ServerConfig `toml:"server"`

	// Security policy knobs
	Security SecurityConfig `toml:"security"`

	// Storage configuration
	Storage StorageConfig `toml:"storage"`

	// Audit log configuration
	Audit AuditConfig `toml:"audit"`
}

// ServerConfig contains HTTP listener configuration.
type ServerConfig struct {
	// ListenAddr is the address the HTTP server binds to.
	ListenAddr string `toml:"listen_addr"`

	// SecureCookies marks the session and CSRF cookies Secure. Enable
	// behind TLS; leave off for plain-HTTP localhost deployments.
	SecureCookies bool `toml:"secure_cookies"`

	// TrustedProxies lists proxy addresses whose X-Forwarded-For header
	// is believed when deriving the client key. Empty means the remote
	// address is always used as-is.
	TrustedProxies []string `toml:"trusted_proxies"`

	// RequestsPerSec is the transport-level request rate allowed per
	// client before throttling, independent of the login lockout.
	RequestsPerSec float64 `toml:"requests_per_sec"`

	// RequestBurst is the burst size for the transport rate limit.
	RequestBurst int `toml:"request_burst"`
}

// SecurityConfig contains the authentication policy.
type SecurityConfig struct {
	// Issuer is the name authenticator apps display for this system.
	Issuer string `toml:"issuer"`

	// AccountLabel is the account name shown next to the issuer.
	AccountLabel string `toml:"account_label"`

	// MaxLoginAttempts is the number of failed code submissions allowed
	// inside one lockout window before the client key is locked.
	// Valid range: 3-10. Values outside the range are rejected.
	MaxLoginAttempts int `toml:"max_login_attempts"`

	// LockoutWindowSecs is the rolling window within which failures
	// accumulate.
	LockoutWindowSecs int `toml:"lockout_window_secs"`

	// LockoutDurationSecs is how long a locked key stays locked.
	LockoutDurationSecs int `toml:"lockout_duration_secs"`

	// SessionSlidingSecs is the sliding session window: a session lapses
	// this long after its last renewal.
	SessionSlidingSecs int `toml:"session_sliding_secs"`

	// SessionMaxLifetimeSecs caps total session lifetime regardless of
	// renewals.
	SessionMaxLifetimeSecs int `toml:"session_max_lifetime_secs"`

	// EnrollmentTTLSecs is how long provisioning material stays
	// redeemable during first-run setup.
	EnrollmentTTLSecs int `toml:"enrollment_ttl_secs"`

	// OTPSkewSteps is the number of 30-second steps accepted on either
	// side of the current one. Valid range: 0-2.
	OTPSkewSteps int `toml:"otp_skew_steps"`
}

// StorageConfig contains persistence configuration.
type StorageConfig struct {
	// DatabasePath is the SQLite database file holding the admin
	// identity (empty = ~/.authgate/authgate.db).
	DatabasePath string `toml:"database_path"`
}

// AuditConfig contains audit log configuration.
type AuditConfig struct {
	// Enabled turns the audit sink on.
	Enabled bool `toml:"enabled"`

	// LogPath is the JSON-lines audit file (empty = ~/.authgate/audit.log).
	LogPath string `toml:"log_path"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:     "127.0.0.1:8443",
			SecureCookies:  false,
			RequestsPerSec: 10,
			RequestBurst:   20,
		},

		Security: SecurityConfig{
			Issuer:                 "authgate",
			AccountLabel:           "admin",
			MaxLoginAttempts:       5,
			LockoutWindowSecs:      300,
			LockoutDurationSecs:    300,
			SessionSlidingSecs:     300,
			SessionMaxLifetimeSecs: 43200, // 12 hours
			EnrollmentTTLSecs:      300,
			OTPSkewSteps:           1,
		},

		Storage: StorageConfig{
			DatabasePath: "",
		},

		Audit: AuditConfig{
			Enabled: true,
			LogPath: "",
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// Dir returns the authgate configuration directory path.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".authgate"), nil
}

// Path returns the path to the TOML config file.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// EnsureDir ensures the config directory exists.
func EnsureDir() error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0700)
}

// ensureSecurePermissions checks and fixes permissions on config files.
// Config files should be 0600 (owner read/write only).
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	mode := info.Mode().Perm()
	if mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the default config file, falling back to
// defaults when no file exists. Environment overrides are applied last.
func Load() (*Config, error) {
	path, err := Path()
	if err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return LoadFromPath(path)
		}
	}

	cfg := Default()
	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific TOML file with full
// validation.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	if err := loadTOML(cfg, path); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}

	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// loadTOML decodes a TOML file over cfg, fixing file permissions on the way.
func loadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		// Permissions might not be fixable on all systems; warn only.
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	return nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML saves the configuration to a TOML file with 0600 permissions.
func SaveTOML(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}

	fmt.Fprintln(file, "# authgate configuration file")
	fmt.Fprintln(file, "# Generated by authgate - edit with care")
	fmt.Fprintln(file, "")

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if c.Server.ListenAddr == "" {
		errs = append(errs, ValidationError{
			Field:   "server.listen_addr",
			Message: "must not be empty",
		})
	}
	if c.Server.RequestsPerSec <= 0 {
		errs = append(errs, ValidationError{
			Field:   "server.requests_per_sec",
			Message: fmt.Sprintf("must be positive, got %g", c.Server.RequestsPerSec),
		})
	}
	if c.Server.RequestBurst < 1 {
		errs = append(errs, ValidationError{
			Field:   "server.request_burst",
			Message: fmt.Sprintf("must be at least 1, got %d", c.Server.RequestBurst),
		})
	}

	if c.Security.MaxLoginAttempts < 3 || c.Security.MaxLoginAttempts > 10 {
		errs = append(errs, ValidationError{
			Field:   "security.max_login_attempts",
			Message: fmt.Sprintf("must be 3-10, got %d", c.Security.MaxLoginAttempts),
		})
	}
	if c.Security.LockoutWindowSecs < 60 || c.Security.LockoutWindowSecs > 3600 {
		errs = append(errs, ValidationError{
			Field:   "security.lockout_window_secs",
			Message: fmt.Sprintf("must be 60-3600, got %d", c.Security.LockoutWindowSecs),
		})
	}
	if c.Security.LockoutDurationSecs < 60 || c.Security.LockoutDurationSecs > 3600 {
		errs = append(errs, ValidationError{
			Field:   "security.lockout_duration_secs",
			Message: fmt.Sprintf("must be 60-3600, got %d", c.Security.LockoutDurationSecs),
		})
	}
	if c.Security.SessionSlidingSecs < 60 || c.Security.SessionSlidingSecs > 3600 {
		errs = append(errs, ValidationError{
			Field:   "security.session_sliding_secs",
			Message: fmt.Sprintf("must be 60-3600, got %d", c.Security.SessionSlidingSecs),
		})
	}
	if c.Security.SessionMaxLifetimeSecs < c.Security.SessionSlidingSecs {
		errs = append(errs, ValidationError{
			Field:   "security.session_max_lifetime_secs",
			Message: fmt.Sprintf("must be at least session_sliding_secs (%d), got %d",
				c.Security.SessionSlidingSecs, c.Security.SessionMaxLifetimeSecs),
		})
	}
	if c.Security.EnrollmentTTLSecs < 60 || c.Security.EnrollmentTTLSecs > 1800 {
		errs = append(errs, ValidationError{
			Field:   "security.enrollment_ttl_secs",
			Message: fmt.Sprintf("must be 60-1800, got %d", c.Security.EnrollmentTTLSecs),
		})
	}
	if c.Security.OTPSkewSteps < 0 || c.Security.OTPSkewSteps > 2 {
		errs = append(errs, ValidationError{
			Field:   "security.otp_skew_steps",
			Message: fmt.Sprintf("must be 0-2, got %d", c.Security.OTPSkewSteps),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// SetDefaults fills in any missing or zero-value configuration fields.
func (c *Config) SetDefaults() {
	defaults := Default()

	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = defaults.Server.ListenAddr
	}
	if c.Server.RequestsPerSec == 0 {
		c.Server.RequestsPerSec = defaults.Server.RequestsPerSec
	}
	if c.Server.RequestBurst == 0 {
		c.Server.RequestBurst = defaults.Server.RequestBurst
	}

	if c.Security.Issuer == "" {
		c.Security.Issuer = defaults.Security.Issuer
	}
	if c.Security.AccountLabel == "" {
		c.Security.AccountLabel = defaults.Security.AccountLabel
	}
	if c.Security.MaxLoginAttempts == 0 {
		c.Security.MaxLoginAttempts = defaults.Security.MaxLoginAttempts
	}
	if c.Security.LockoutWindowSecs == 0 {
		c.Security.LockoutWindowSecs = defaults.Security.LockoutWindowSecs
	}
	if c.Security.LockoutDurationSecs == 0 {
		c.Security.LockoutDurationSecs = defaults.Security.LockoutDurationSecs
	}
	if c.Security.SessionSlidingSecs == 0 {
		c.Security.SessionSlidingSecs = defaults.Security.SessionSlidingSecs
	}
	if c.Security.SessionMaxLifetimeSecs == 0 {
		c.Security.SessionMaxLifetimeSecs = defaults.Security.SessionMaxLifetimeSecs
	}
	if c.Security.EnrollmentTTLSecs == 0 {
		c.Security.EnrollmentTTLSecs = defaults.Security.EnrollmentTTLSecs
	}

	if c.Storage.DatabasePath == "" {
		if dir, err := Dir(); err == nil {
			c.Storage.DatabasePath = filepath.Join(dir, "authgate.db")
		}
	}
	if c.Audit.LogPath == "" {
		if dir, err := Dir(); err == nil {
			c.Audit.LogPath = filepath.Join(dir, "audit.log")
		}
	}
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - AUTHGATE_LISTEN_ADDR: overrides server.listen_addr
//   - AUTHGATE_SECURE_COOKIES: set to "1" or "true" to mark cookies Secure
//   - AUTHGATE_DB_PATH: overrides storage.database_path
//   - AUTHGATE_AUDIT_LOG: overrides audit.log_path
//   - AUTHGATE_ISSUER: overrides security.issuer
func (c *Config) ApplyEnvOverrides() {
	if addr := os.Getenv("AUTHGATE_LISTEN_ADDR"); addr != "" {
		c.Server.ListenAddr = addr
	}
	if secure := os.Getenv("AUTHGATE_SECURE_COOKIES"); secure != "" {
		c.Server.SecureCookies = secure == "1" || strings.ToLower(secure) == "true"
	}
	if path := os.Getenv("AUTHGATE_DB_PATH"); path != "" {
		c.Storage.DatabasePath = path
	}
	if path := os.Getenv("AUTHGATE_AUDIT_LOG"); path != "" {
		c.Audit.LogPath = path
	}
	if issuer := os.Getenv("AUTHGATE_ISSUER"); issuer != "" {
		c.Security.Issuer = issuer
	}
}

// =============================================================================
// DURATION HELPERS
// =============================================================================

// LockoutWindow returns the failure-accumulation window as a duration.
func (c *SecurityConfig) LockoutWindow() time.Duration {
	return time.Duration(c.LockoutWindowSecs) * time.Second
}

// LockoutDuration returns the lockout hold as a duration.
func (c *SecurityConfig) LockoutDuration() time.Duration {
	return time.Duration(c.LockoutDurationSecs) * time.Second
}

// SessionWindow returns the sliding session window as a duration.
func (c *SecurityConfig) SessionWindow() time.Duration {
	return time.Duration(c.SessionSlidingSecs) * time.Second
}

// SessionMaxLifetime returns the absolute session lifetime cap as a duration.
func (c *SecurityConfig) SessionMaxLifetime() time.Duration {
	return time.Duration(c.SessionMaxLifetimeSecs) * time.Second
}

// EnrollmentTTL returns the pending-enrollment lifetime as a duration.
func (c *SecurityConfig) EnrollmentTTL() time.Duration {
	return time.Duration(c.EnrollmentTTLSecs) * time.Second
}
