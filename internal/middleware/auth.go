// Package middleware provides HTTP middleware for authentication.
package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/openclaw/clawdeck/internal/store"
)

type contextKey string

const userIDKey contextKey = "userID"

// UserID returns the authenticated user id from the request context.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok
}

// WithUserID returns a context carrying the user id. Exposed for tests.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// HashToken returns the hex SHA-256 digest of a bearer token. Raw tokens are
// never stored or logged.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// RequireAuth authenticates requests via the Authorization bearer token and
// injects the user id into the request context.
func RequireAuth(s *store.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}

			apiToken, err := s.GetAPITokenByHash(r.Context(), HashToken(token))
			if err != nil {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}

			ctx := WithUserID(r.Context(), apiToken.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
