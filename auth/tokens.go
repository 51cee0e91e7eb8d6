// Package auth issues and validates the bearer tokens signers present when
// approving queued transactions.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/upb/funding-control-plane/internal/shared"
	"github.com/upb/funding-control-plane/middleware"
)

var (
	// ErrInvalidToken is returned when the token is malformed or its signature is wrong
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired is returned when the token has expired
	ErrTokenExpired = errors.New("token expired")

	// ErrInvalidIssuer is returned when the token issuer is not ours
	ErrInvalidIssuer = errors.New("invalid issuer")

	// ErrUnknownRole is returned when the role claim is not a configured signer role
	ErrUnknownRole = errors.New("unknown signer role")
)

// SignerClaims are the JWT claims carried by a signer token
type SignerClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// TokenService signs and validates HS256 signer tokens
type TokenService struct {
	secret []byte
	issuer string
	roles  map[string]bool
	clock  shared.Clock
}

// NewTokenService creates a token service. Only roles listed in signerRoles
// are accepted.
func NewTokenService(secret, issuer string, signerRoles []string, clock shared.Clock) *TokenService {
	if clock == nil {
		clock = shared.SystemClock{}
	}
	roles := make(map[string]bool, len(signerRoles))
	for _, r := range signerRoles {
		roles[r] = true
	}
	return &TokenService{
		secret: []byte(secret),
		issuer: issuer,
		roles:  roles,
		clock:  clock,
	}
}

// Issue mints a token for signerID acting as role
func (s *TokenService) Issue(signerID, role string, ttl time.Duration) (string, error) {
	if signerID == "" {
		return "", fmt.Errorf("%w: subject is required", ErrInvalidToken)
	}
	if !s.roles[role] {
		return "", fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}

	now := s.clock.Now()
	claims := SignerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   signerID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidateToken verifies the signature, issuer, expiry and role of a token
func (s *TokenService) ValidateToken(ctx context.Context, tokenString string) (*middleware.Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.clock.Now),
	)

	claims := &SignerClaims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenInvalidIssuer):
			return nil, ErrInvalidIssuer
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	if !s.roles[claims.Role] {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRole, claims.Role)
	}

	out := &middleware.Claims{
		Subject: claims.Subject,
		Role:    claims.Role,
		Issuer:  claims.Issuer,
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}
