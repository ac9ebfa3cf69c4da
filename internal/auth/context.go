// ABOUTME: Authentication context for tracking the calling user through request handlers
// ABOUTME: Provides WithAuth/FromContext/UserID for propagating identity via context

package auth

import (
	"context"
)

// Method records how a request was authenticated.
type Method string

const (
	MethodJWT Method = "jwt"
	MethodDev Method = "dev" // trusted X-User-ID header, only when no jwt_secret is configured
)

// AuthContext holds the authenticated identity extracted from a request.
// This is populated by the HTTP middleware and read by the messaging service.
type AuthContext struct {
	UserID string
	Method Method
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// WithUser is shorthand for attaching an already trusted user id.
func WithUser(ctx context.Context, userID string) context.Context {
	return WithAuth(ctx, &AuthContext{UserID: userID, Method: MethodDev})
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	val := ctx.Value(authContextKey{})
	if val == nil {
		return nil
	}
	auth, ok := val.(*AuthContext)
	if !ok {
		return nil
	}
	return auth
}

// UserID returns the current user id, or "" when the context is anonymous.
func UserID(ctx context.Context) string {
	if a := FromContext(ctx); a != nil {
		return a.UserID
	}
	return ""
}
