package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/vantex/exchange/internal/auth"
	"github.com/vantex/exchange/internal/models"
)

type ctxKey int

const claimsKey ctxKey = iota

// claimsFrom returns the authenticated claims set by Authenticate.
func claimsFrom(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*auth.Claims)
	return claims, ok
}

// Authenticate validates the bearer token and stores its claims on the
// request context.
func (h *Handler) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			respondJSON(w, http.StatusUnauthorized, map[string]string{"detail": "authorization header required"})
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")

		claims, err := h.Auth.ParseToken(token)
		if err != nil {
			respondJSON(w, http.StatusUnauthorized, map[string]string{"detail": "invalid or expired token"})
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin gates admin routes on the role claim. The check happens here
// once; handlers below it never re-derive the role.
func (h *Handler) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := claimsFrom(r.Context())
		if !ok || claims.Role != auth.RoleAdmin {
			respondError(w, fmt.Errorf("%w: admin role required", models.ErrForbidden))
			return
		}
		next.ServeHTTP(w, r)
	})
}
