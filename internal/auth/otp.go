// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package auth

import (
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// =============================================================================
// OTP VALIDATOR
// =============================================================================

// OTP parameters shared by enrollment provisioning and validation. These
// match what every common authenticator app implements.
const (
	// OTPPeriod is the TOTP time step.
	OTPPeriod = 30 * time.Second

	// OTPDigits is the code length.
	OTPDigits = otp.DigitsSix

	// DefaultOTPSkew is the default number of time steps accepted on
	// either side of the current one, absorbing small clock drift between
	// code display and code entry.
	DefaultOTPSkew = 1
)

// CodeWellFormed reports whether code is exactly six ASCII digits. Malformed
// input is rejected before any cryptographic work and never reaches
// ValidateCode.
func CodeWellFormed(code string) bool {
	if len(code) != 6 {
		return false
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// ValidateCode reports whether code matches the base32 secret at the current
// time, accepting codes from the surrounding ±skew time steps. Pure and
// stateless; safe to call concurrently.
func ValidateCode(secret, code string, skew uint) bool {
	return validateCodeAt(secret, code, time.Now().UTC(), skew)
}

// validateCodeAt is ValidateCode with an explicit reference time, split out
// so tests can pin the clock.
func validateCodeAt(secret, code string, at time.Time, skew uint) bool {
	ok, err := totp.ValidateCustom(code, secret, at, totp.ValidateOpts{
		Period:    uint(OTPPeriod / time.Second),
		Skew:      skew,
		Digits:    OTPDigits,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}
