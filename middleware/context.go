package middleware

import (
	"context"
	"time"

	"github.com/upb/funding-control-plane/internal/shared"
)

// Context key type to avoid collisions
type contextKey string

const (
	// ClaimsKey is the context key for signer token claims
	ClaimsKey contextKey = "claims"
)

// Claims identifies the signer behind a bearer token
type Claims struct {
	Subject   string    `json:"sub"`  // signer id
	Role      string    `json:"role"` // signer role, e.g. treasury
	Issuer    string    `json:"iss"`
	IssuedAt  time.Time `json:"iat"`
	ExpiresAt time.Time `json:"exp"`
}

// GetRequestIDFromContext retrieves the request ID from context
func GetRequestIDFromContext(ctx context.Context) string {
	return shared.RequestID(ctx)
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return shared.WithRequestID(ctx, requestID)
}

// GetClaimsFromContext retrieves token claims from context
func GetClaimsFromContext(ctx context.Context) *Claims {
	if val := ctx.Value(ClaimsKey); val != nil {
		if claims, ok := val.(*Claims); ok {
			return claims
		}
	}
	return nil
}

// WithClaims adds token claims to the context and records the signer as the
// acting principal
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	ctx = context.WithValue(ctx, ClaimsKey, claims)
	return shared.WithPrincipal(ctx, shared.Principal{ID: claims.Subject, Role: claims.Role})
}
