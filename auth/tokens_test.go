package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/funding-control-plane/internal/shared"
)

var roles = []string{"treasury", "compliance", "trustee"}

func newService(clock shared.Clock) *TokenService {
	return NewTokenService("test-secret", "funding-control-plane", roles, clock)
}

func TestIssueAndValidate(t *testing.T) {
	clock := shared.NewFakeClock(time.Date(2026, 4, 6, 8, 0, 0, 0, time.UTC))
	svc := newService(clock)

	token, err := svc.Issue("signer-compliance-1", "compliance", time.Hour)
	require.NoError(t, err)

	claims, err := svc.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "signer-compliance-1", claims.Subject)
	assert.Equal(t, "compliance", claims.Role)
	assert.Equal(t, "funding-control-plane", claims.Issuer)
	assert.True(t, claims.ExpiresAt.Equal(clock.Now().Add(time.Hour)))
}

func TestValidateExpired(t *testing.T) {
	clock := shared.NewFakeClock(time.Date(2026, 4, 6, 8, 0, 0, 0, time.UTC))
	svc := newService(clock)

	token, err := svc.Issue("signer-1", "treasury", time.Minute)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = svc.ValidateToken(context.Background(), token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestValidateRejectsForeignTokens(t *testing.T) {
	clock := shared.NewFakeClock(time.Date(2026, 4, 6, 8, 0, 0, 0, time.UTC))
	svc := newService(clock)

	t.Run("wrong secret", func(t *testing.T) {
		other := NewTokenService("other-secret", "funding-control-plane", roles, clock)
		token, err := other.Issue("signer-1", "treasury", time.Hour)
		require.NoError(t, err)

		_, err = svc.ValidateToken(context.Background(), token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other := NewTokenService("test-secret", "someone-else", roles, clock)
		token, err := other.Issue("signer-1", "treasury", time.Hour)
		require.NoError(t, err)

		_, err = svc.ValidateToken(context.Background(), token)
		assert.ErrorIs(t, err, ErrInvalidIssuer)
	})

	t.Run("role not configured", func(t *testing.T) {
		other := NewTokenService("test-secret", "funding-control-plane", []string{"auditor"}, clock)
		token, err := other.Issue("signer-1", "auditor", time.Hour)
		require.NoError(t, err)

		_, err = svc.ValidateToken(context.Background(), token)
		assert.ErrorIs(t, err, ErrUnknownRole)
	})

	t.Run("unsigned token", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, SignerClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "signer-1",
				Issuer:    "funding-control-plane",
				ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Hour)),
			},
			Role: "treasury",
		}).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = svc.ValidateToken(context.Background(), token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := svc.ValidateToken(context.Background(), "not-a-jwt")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestIssueRejectsUnknownRole(t *testing.T) {
	svc := newService(nil)

	_, err := svc.Issue("signer-1", "observer", time.Hour)
	assert.ErrorIs(t, err, ErrUnknownRole)

	_, err = svc.Issue("", "treasury", time.Hour)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
