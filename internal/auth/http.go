// ABOUTME: HTTP middleware for JWT authentication on API, SSE and WebSocket endpoints
// ABOUTME: Extracts the bearer token (header or ?token=) and adds the user to context

package auth

import (
	"context"
	"net/http"
	"strings"
)

// DevUserHeader carries the caller's user id when the gateway runs without a
// jwt secret. It is trusted blindly and must never be enabled in production.
const DevUserHeader = "X-User-ID"

// UserCheck confirms that a token subject is a known user.
type UserCheck func(ctx context.Context, userID string) error

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

// requestToken finds the token on a request. Browsers cannot set headers on
// WebSocket or EventSource requests, so ?token= is accepted as a fallback.
func requestToken(r *http.Request) (string, string) {
	if h := r.Header.Get("Authorization"); h != "" {
		return extractBearerToken(h)
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t, ""
	}
	return "", "missing authorization header"
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}

// HTTPAuthMiddleware creates an HTTP middleware that extracts and validates JWT tokens.
// When checkUser is non-nil, the token subject must pass it.
// A nil verifier switches to dev mode, where the DevUserHeader is trusted.
func HTTPAuthMiddleware(verifier TokenVerifier, checkUser UserCheck) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if verifier == nil {
				userID := r.Header.Get(DevUserHeader)
				if userID == "" {
					userID = r.URL.Query().Get("user_id")
				}
				if userID == "" {
					writeAuthError(w, http.StatusUnauthorized, "missing "+DevUserHeader+" header")
					return
				}
				authCtx := &AuthContext{UserID: userID, Method: MethodDev}
				next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
				return
			}

			token, errMsg := requestToken(r)
			if errMsg != "" {
				writeAuthError(w, http.StatusUnauthorized, errMsg)
				return
			}

			userID, err := verifier.Verify(token)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			if checkUser != nil {
				if err := checkUser(r.Context(), userID); err != nil {
					writeAuthError(w, http.StatusUnauthorized, "user not found")
					return
				}
			}

			authCtx := &AuthContext{UserID: userID, Method: MethodJWT}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}
