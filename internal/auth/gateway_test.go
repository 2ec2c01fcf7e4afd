// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package auth

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/morganforge/authgate/internal/store"
)

// newTestGateway builds a gateway on an in-memory identity store with fast
// test timings.
func newTestGateway(t *testing.T, opts ...GatewayOption) *Gateway {
	t.Helper()
	base := []GatewayOption{
		WithRateLimiter(NewRateLimiter(WithMaxAttempts(3))),
		WithSessionManager(NewSessionManager(WithSessionWindow(time.Minute))),
	}
	return NewGateway(store.NewMemoryStore(), append(base, opts...)...)
}

// beginEnrollment fetches status and returns the enrollment material plus the
// CSRF token for the follow-up submission.
func beginEnrollment(t *testing.T, gateway *Gateway) (*EnrollmentMaterial, string) {
	t.Helper()
	status, err := gateway.Status(context.Background())
	require.NoError(t, err)
	require.False(t, status.Registered)
	require.NotNil(t, status.Enrollment)
	return status.Enrollment, status.CSRFToken
}

// enrollAdmin drives a full first-run enrollment and returns the session and
// the committed secret.
func enrollAdmin(t *testing.T, gateway *Gateway) (*Session, string) {
	t.Helper()
	material, csrfToken := beginEnrollment(t, gateway)

	session, err := gateway.SubmitCode(context.Background(), VerifyRequest{
		Code:         codeAt(t, material.Secret, time.Now()),
		EnrollmentID: material.EnrollmentID,
		CSRFToken:    csrfToken,
		CSRFCookie:   csrfToken,
		ClientKey:    "10.0.0.1",
	})
	require.NoError(t, err)
	require.NotNil(t, session)
	return session, material.Secret
}

func requireAuthError(t *testing.T, err error, status int, code string) *AuthError {
	t.Helper()
	var authError *AuthError
	require.ErrorAs(t, err, &authError)
	require.Equal(t, status, authError.Status)
	require.Equal(t, code, authError.Code)
	return authError
}

// =============================================================================
// STATUS
// =============================================================================

func TestGateway_StatusUnregistered(t *testing.T) {
	gateway := newTestGateway(t)

	status, err := gateway.Status(context.Background())
	require.NoError(t, err)
	require.False(t, status.Registered)
	require.NotEmpty(t, status.CSRFToken)
	require.NotNil(t, status.Enrollment)
	require.NotEmpty(t, status.Enrollment.Secret)
	require.NotEmpty(t, status.Enrollment.QRImage)
}

func TestGateway_StatusIssuesFreshCSRFTokens(t *testing.T) {
	gateway := newTestGateway(t)

	first, err := gateway.Status(context.Background())
	require.NoError(t, err)
	second, err := gateway.Status(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, first.CSRFToken, second.CSRFToken)
}

func TestGateway_StatusAfterEnrollment(t *testing.T) {
	gateway := newTestGateway(t)
	enrollAdmin(t, gateway)

	status, err := gateway.Status(context.Background())
	require.NoError(t, err)
	require.True(t, status.Registered)
	require.Nil(t, status.Enrollment)
	require.NotEmpty(t, status.CSRFToken)
}

// =============================================================================
// GUARD PIPELINE ORDER
// =============================================================================

func TestGateway_CSRFMismatchRejected(t *testing.T) {
	gateway := newTestGateway(t)
	material, csrfToken := beginEnrollment(t, gateway)

	_, err := gateway.SubmitCode(context.Background(), VerifyRequest{
		Code:         codeAt(t, material.Secret, time.Now()),
		EnrollmentID: material.EnrollmentID,
		CSRFToken:    csrfToken,
		CSRFCookie:   "csrf_different",
		ClientKey:    "10.0.0.1",
	})
	requireAuthError(t, err, http.StatusForbidden, CodeCSRFFailed)
}

func TestGateway_CSRFFailureCostsNoAttempt(t *testing.T) {
	limiter := NewRateLimiter(WithMaxAttempts(2))
	gateway := newTestGateway(t, WithRateLimiter(limiter))
	beginEnrollment(t, gateway)

	for i := 0; i < 10; i++ {
		_, err := gateway.SubmitCode(context.Background(), VerifyRequest{
			Code:      "123456",
			CSRFToken: "csrf_a",
			ClientKey: "10.0.0.1",
		})
		requireAuthError(t, err, http.StatusForbidden, CodeCSRFFailed)
	}
	require.Equal(t, 2, limiter.Remaining("10.0.0.1"))
}

func TestGateway_MalformedCodeRejected(t *testing.T) {
	limiter := NewRateLimiter(WithMaxAttempts(2))
	gateway := newTestGateway(t, WithRateLimiter(limiter))
	_, csrfToken := beginEnrollment(t, gateway)

	for _, code := range []string{"", "12345", "abcdef", "12345678"} {
		_, err := gateway.SubmitCode(context.Background(), VerifyRequest{
			Code:       code,
			CSRFToken:  csrfToken,
			CSRFCookie: csrfToken,
			ClientKey:  "10.0.0.1",
		})
		requireAuthError(t, err, http.StatusBadRequest, CodeInvalidCodeFormat)
	}

	// Malformed input never charges the limiter.
	require.Equal(t, 2, limiter.Remaining("10.0.0.1"))
}

func TestGateway_LockoutAfterRepeatedFailures(t *testing.T) {
	gateway := newTestGateway(t)
	material, csrfToken := beginEnrollment(t, gateway)

	wrong := codeAt(t, testSecret(t), time.Now())
	if ValidateCode(material.Secret, wrong, 1) {
		t.Skip("independent secrets produced colliding codes")
	}

	for i := 0; i < 3; i++ {
		_, err := gateway.SubmitCode(context.Background(), VerifyRequest{
			Code:         wrong,
			EnrollmentID: material.EnrollmentID,
			CSRFToken:    csrfToken,
			CSRFCookie:   csrfToken,
			ClientKey:    "10.0.0.9",
		})
		authError := requireAuthError(t, err, http.StatusUnauthorized, CodeInvalidCode)
		require.Equal(t, 2-i, authError.RemainingAttempts)
	}

	// Key is now locked: even a correct code is refused before validation.
	_, err := gateway.SubmitCode(context.Background(), VerifyRequest{
		Code:         codeAt(t, material.Secret, time.Now()),
		EnrollmentID: material.EnrollmentID,
		CSRFToken:    csrfToken,
		CSRFCookie:   csrfToken,
		ClientKey:    "10.0.0.9",
	})
	authError := requireAuthError(t, err, http.StatusTooManyRequests, CodeRateLimited)
	require.Greater(t, authError.RetryAfter, time.Duration(0))
}

// =============================================================================
// ENROLLMENT
// =============================================================================

func TestGateway_EnrollmentHappyPath(t *testing.T) {
	gateway := newTestGateway(t)

	session, _ := enrollAdmin(t, gateway)

	ok, remaining := gateway.CheckSession(session.Token)
	require.True(t, ok)
	require.Greater(t, remaining, time.Duration(0))
}

func TestGateway_EnrollmentRequiresID(t *testing.T) {
	gateway := newTestGateway(t)
	material, csrfToken := beginEnrollment(t, gateway)

	_, err := gateway.SubmitCode(context.Background(), VerifyRequest{
		Code:       codeAt(t, material.Secret, time.Now()),
		CSRFToken:  csrfToken,
		CSRFCookie: csrfToken,
		ClientKey:  "10.0.0.1",
	})
	requireAuthError(t, err, http.StatusBadRequest, CodeEnrollmentMissing)
}

func TestGateway_EnrollmentExpiredRequiresRestart(t *testing.T) {
	gateway := newTestGateway(t,
		WithEnrollmentManager(NewEnrollmentManager("authgate", "admin", 30*time.Millisecond)))
	material, csrfToken := beginEnrollment(t, gateway)

	time.Sleep(50 * time.Millisecond)

	_, err := gateway.SubmitCode(context.Background(), VerifyRequest{
		Code:         codeAt(t, material.Secret, time.Now()),
		EnrollmentID: material.EnrollmentID,
		CSRFToken:    csrfToken,
		CSRFCookie:   csrfToken,
		ClientKey:    "10.0.0.1",
	})
	requireAuthError(t, err, http.StatusBadRequest, CodeEnrollmentExpired)

	// Restarting via Status hands out fresh material that works.
	enrollAdmin(t, gateway)
}

func TestGateway_WrongCodeDoesNotRegister(t *testing.T) {
	gateway := newTestGateway(t)
	material, csrfToken := beginEnrollment(t, gateway)

	wrong := codeAt(t, testSecret(t), time.Now())
	if ValidateCode(material.Secret, wrong, 1) {
		t.Skip("independent secrets produced colliding codes")
	}

	_, err := gateway.SubmitCode(context.Background(), VerifyRequest{
		Code:         wrong,
		EnrollmentID: material.EnrollmentID,
		CSRFToken:    csrfToken,
		CSRFCookie:   csrfToken,
		ClientKey:    "10.0.0.1",
	})
	requireAuthError(t, err, http.StatusUnauthorized, CodeInvalidCode)

	status, err := gateway.Status(context.Background())
	require.NoError(t, err)
	require.False(t, status.Registered)
}

// raceStore simulates losing the first-registration race: the identity looks
// absent until the create collides.
type raceStore struct {
	*store.MemoryStore
}

func (s *raceStore) Registered(ctx context.Context) (bool, error) { return false, nil }

func (s *raceStore) Create(ctx context.Context, secret string) error {
	return store.ErrAlreadyRegistered
}

func TestGateway_LostPromotionRace(t *testing.T) {
	gateway := NewGateway(&raceStore{store.NewMemoryStore()})
	material, csrfToken := beginEnrollment(t, gateway)

	_, err := gateway.SubmitCode(context.Background(), VerifyRequest{
		Code:         codeAt(t, material.Secret, time.Now()),
		EnrollmentID: material.EnrollmentID,
		CSRFToken:    csrfToken,
		CSRFCookie:   csrfToken,
		ClientKey:    "10.0.0.1",
	})
	requireAuthError(t, err, http.StatusConflict, CodeAlreadyRegistered)
}

// =============================================================================
// LOGIN
// =============================================================================

func TestGateway_LoginAfterEnrollment(t *testing.T) {
	gateway := newTestGateway(t)
	_, secret := enrollAdmin(t, gateway)

	status, err := gateway.Status(context.Background())
	require.NoError(t, err)
	require.True(t, status.Registered)

	session, err := gateway.SubmitCode(context.Background(), VerifyRequest{
		Code:       codeAt(t, secret, time.Now()),
		CSRFToken:  status.CSRFToken,
		CSRFCookie: status.CSRFToken,
		ClientKey:  "10.0.0.2",
	})
	require.NoError(t, err)
	require.NotNil(t, session)
}

func TestGateway_SuccessResetsLimiter(t *testing.T) {
	limiter := NewRateLimiter(WithMaxAttempts(3))
	gateway := newTestGateway(t, WithRateLimiter(limiter))
	_, secret := enrollAdmin(t, gateway)

	status, err := gateway.Status(context.Background())
	require.NoError(t, err)

	wrong := codeAt(t, testSecret(t), time.Now())
	if ValidateCode(secret, wrong, 1) {
		t.Skip("independent secrets produced colliding codes")
	}

	for i := 0; i < 2; i++ {
		_, err := gateway.SubmitCode(context.Background(), VerifyRequest{
			Code:       wrong,
			CSRFToken:  status.CSRFToken,
			CSRFCookie: status.CSRFToken,
			ClientKey:  "10.0.0.3",
		})
		requireAuthError(t, err, http.StatusUnauthorized, CodeInvalidCode)
	}
	require.Equal(t, 1, limiter.Remaining("10.0.0.3"))

	_, err = gateway.SubmitCode(context.Background(), VerifyRequest{
		Code:       codeAt(t, secret, time.Now()),
		CSRFToken:  status.CSRFToken,
		CSRFCookie: status.CSRFToken,
		ClientKey:  "10.0.0.3",
	})
	require.NoError(t, err)
	require.Equal(t, 3, limiter.Remaining("10.0.0.3"))
}

// failingStore errors on every read, standing in for a broken database.
type failingStore struct{}

func (failingStore) Create(ctx context.Context, secret string) error { return errors.New("disk gone") }
func (failingStore) Get(ctx context.Context) (*store.AdminIdentity, error) {
	return nil, errors.New("disk gone")
}
func (failingStore) Registered(ctx context.Context) (bool, error) {
	return false, errors.New("disk gone")
}

func TestGateway_StoreFailureIsGenericInternal(t *testing.T) {
	gateway := NewGateway(failingStore{})

	_, err := gateway.Status(context.Background())
	authError := requireAuthError(t, err, http.StatusInternalServerError, CodeInternal)
	require.Equal(t, "internal error", authError.Message)
}

// =============================================================================
// SESSION OPERATIONS
// =============================================================================

func TestGateway_SessionLifecycle(t *testing.T) {
	gateway := newTestGateway(t)
	session, _ := enrollAdmin(t, gateway)

	ok, _ := gateway.CheckSession(session.Token)
	require.True(t, ok)

	require.True(t, gateway.RenewSession(session.Token))

	gateway.Logout(session.Token)
	ok, remaining := gateway.CheckSession(session.Token)
	require.False(t, ok)
	require.Zero(t, remaining)

	// Logout of an already-dead token is not an error.
	gateway.Logout(session.Token)
	require.False(t, gateway.RenewSession(session.Token))
}
