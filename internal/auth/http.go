// ABOUTME: HTTP middleware for JWT authentication on API endpoints
// ABOUTME: Extracts the bearer token and attaches the tenant identity to the context

package auth

import (
	"log/slog"
	"net/http"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `","kind":"authorization"}`))
}

// HTTPAuthMiddleware rejects requests without a valid tenant token.
// A nil logger disables failure logging.
func HTTPAuthMiddleware(verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				if logger != nil {
					logger.Warn("auth failed", "path", r.URL.Path, "reason", errMsg)
				}
				writeAuthError(w, http.StatusUnauthorized, errMsg)
				return
			}

			claims, err := verifier.Verify(token)
			if err != nil {
				if logger != nil {
					logger.Warn("auth failed", "path", r.URL.Path, "reason", "invalid token", "error", err)
				}
				writeAuthError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			id := &Identity{TenantID: claims.Subject, Admin: claims.HasScope(ScopeAdmin)}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// RequireAdminHTTP requires the admin scope. Must be used after HTTPAuthMiddleware.
func RequireAdminHTTP(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := FromContext(r.Context())
			if id == nil {
				writeAuthError(w, http.StatusUnauthorized, "not authenticated")
				return
			}
			if !id.Admin {
				if logger != nil {
					logger.Warn("admin scope required", "path", r.URL.Path, "tenant_id", id.TenantID)
				}
				writeAuthError(w, http.StatusForbidden, "admin scope required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
