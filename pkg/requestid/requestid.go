// Package requestid carries a per-request correlation id through
// context, so handlers and middleware log the same id for one request.
package requestid

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey struct{}

// Generate mints a fresh request id.
func Generate() string {
	return uuid.New().String()
}

// ToContext returns a child context carrying the request id.
func ToContext(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, contextKey{}, requestID)
}

// FromContext returns the request id, or "" when the context carries
// none.
func FromContext(ctx context.Context) string {
	if requestID, ok := ctx.Value(contextKey{}).(string); ok {
		return requestID
	}
	return ""
}

// FromRequest returns the request id stored in the request context.
func FromRequest(r *http.Request) string {
	return FromContext(r.Context())
}
