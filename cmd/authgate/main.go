// authgate - single-admin TOTP authentication gate.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package main runs the authgate HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/morganforge/authgate/internal/auth"
	"github.com/morganforge/authgate/internal/config"
	"github.com/morganforge/authgate/internal/server"
	"github.com/morganforge/authgate/internal/store"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config.toml (default ~/.authgate/config.toml)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("authgate %s (commit %s, built %s)\n", Version, GitCommit, BuildDate)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	identityStore, err := store.OpenSQLite(cfg.Storage.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open identity store: %w", err)
	}
	defer identityStore.Close()

	var audit *auth.AuditLogger
	if cfg.Audit.Enabled {
		audit, err = auth.NewAuditLogger(cfg.Audit.LogPath)
		if err != nil {
			return fmt.Errorf("failed to open audit log: %w", err)
		}
		defer audit.Close()
	}

	gateway := auth.NewGateway(identityStore,
		auth.WithEnrollmentManager(auth.NewEnrollmentManager(
			cfg.Security.Issuer,
			cfg.Security.AccountLabel,
			cfg.Security.EnrollmentTTL(),
		)),
		auth.WithSessionManager(auth.NewSessionManager(
			auth.WithSessionWindow(cfg.Security.SessionWindow()),
			auth.WithSessionMaxLifetime(cfg.Security.SessionMaxLifetime()),
		)),
		auth.WithRateLimiter(auth.NewRateLimiter(
			auth.WithMaxAttempts(cfg.Security.MaxLoginAttempts),
			auth.WithAttemptWindow(cfg.Security.LockoutWindow()),
			auth.WithLockoutDuration(cfg.Security.LockoutDuration()),
		)),
		auth.WithAuditLogger(audit),
		auth.WithOTPSkew(uint(cfg.Security.OTPSkewSteps)),
	)

	srv := server.NewServer(gateway,
		server.WithListenAddr(cfg.Server.ListenAddr),
		server.WithSecureCookies(cfg.Server.SecureCookies),
		server.WithClientKeyResolver(server.NewClientKeyResolver(cfg.Server.TrustedProxies)),
		server.WithThrottle(server.NewThrottle(cfg.Server.RequestsPerSec, cfg.Server.RequestBurst)),
		server.WithSessionWindow(cfg.Security.SessionWindow()),
	)

	// Serve until interrupted.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-sigCh:
		log.Printf("SIGNAL_RECEIVED | signal=%s", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

// loadConfig loads the configuration from the given path, or the default
// location when the path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}
