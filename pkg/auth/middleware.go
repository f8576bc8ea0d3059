package auth

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const claimsContextKey contextKey = "claims"

// ClaimsFromContext returns the claims stored by Require, if any
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsContextKey).(*Claims)
	return c, ok
}

// bearerToken extracts the token from "Authorization: Bearer <token>"
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

// Require wraps next so it only runs for a valid bearer token granting role.
// onError writes the rejection; status is 401 for a missing or bad token and
// 403 for a token whose role is too low.
func (m *TokenManager) Require(role string, onError func(w http.ResponseWriter, status int, err error), next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := m.Validate(bearerToken(r))
		if err != nil {
			onError(w, http.StatusUnauthorized, err)
			return
		}
		if !claims.Allows(role) {
			onError(w, http.StatusForbidden, ErrForbidden)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), claimsContextKey, claims)))
	}
}
