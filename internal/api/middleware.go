// Package api implements the Control API (§6): REST CRUD over agents
// and projects, cost/audit/event-replay queries, and a WebSocket
// upgrade that speaks the Event Bus subscribe/ack/replay protocol.
// Grounded on FluxForge's control_plane/api.go handler shapes and
// middleware/{auth,cors}.go, narrowed from JWT/tenant-header auth to
// the spec's single bearer API key.
package api

import (
	"context"
	"net/http"
	"strings"
)

type ctxKey string

const authedKey ctxKey = "authed"

// BearerAuth enforces a single static API key, matching §6's "all
// authenticated by bearer API key" — there is no per-operator
// identity or role to carry in context, unlike FluxForge's JWT claims,
// so the middleware only needs to gate the request through.
func BearerAuth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			authHeader := r.Header.Get("Authorization")
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" || parts[1] != apiKey {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), authedKey, true)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CORS mirrors FluxForge's permissive dev-mode CORS middleware.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
