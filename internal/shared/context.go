package shared

import "context"

// Context keys for request-scoped data. Keep types unexported to avoid collisions.
type ctxKey string

const (
	ctxKeyRequestID ctxKey = "request-id"
	ctxKeyPrincipal ctxKey = "principal"
)

// Principal identifies who is acting on a request. Services record it as the
// actor of queue audit entries and settlement events.
type Principal struct {
	ID   string
	Role string
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyRequestID).(string)
	return v
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKeyPrincipal, p)
}

// PrincipalFrom returns the principal stored in ctx, or fallback when none is set.
func PrincipalFrom(ctx context.Context, fallback string) Principal {
	if p, ok := ctx.Value(ctxKeyPrincipal).(Principal); ok && p.ID != "" {
		return p
	}
	return Principal{ID: fallback, Role: "system"}
}
