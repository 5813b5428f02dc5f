package httpserver

import (
	"context"
	"net/http"
	"strings"

	"github.com/otistx/backend/internal/apierrors"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const contextKeyUserID contextKey = "user_id"

// authMiddleware implements the auth contract of SPEC_FULL §2: parse a
// bearer token or API key header, stash the principal in context, 401 on
// failure. Issuing/verifying the token itself (JWT or otherwise) is an
// external collaborator per spec §1 Non-goals — here the token value IS the
// user ID, mirroring teacher's apikey.Middleware shape (header in, context
// value out) without the tier lookup teacher's version does.
func authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := extractPrincipal(r)
		if userID == "" {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthenticated, "missing or invalid credentials")
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyUserID, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractPrincipal(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		}
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}
	return ""
}

func userIDFromContext(r *http.Request) string {
	if v, ok := r.Context().Value(contextKeyUserID).(string); ok {
		return v
	}
	return ""
}
