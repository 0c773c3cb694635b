// Package middleware holds chi middlewares shared by HTTP servers.
package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/chainproof/chainproof/pkg/requestid"
)

// RequestID makes every request traceable: it honors an incoming
// x-request-id header, falls back to the id chi assigned, and mints a
// fresh one when neither exists. The id lands in the request context
// under the requestid package's key.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("x-request-id")
		if id == "" {
			id = middleware.GetReqID(r.Context())
		}
		if id == "" {
			id = requestid.Generate()
		}
		next.ServeHTTP(w, r.WithContext(requestid.ToContext(r.Context(), id)))
	})
}
