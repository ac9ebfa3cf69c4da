// Package auth identifies the calling user for localhands.
//
// Authentication itself is an external concern: the gateway only verifies
// HS256 JWTs issued with the configured jwt_secret and trusts the "sub" claim
// as the user id.
//
// # HTTP Middleware
//
//	HTTPAuthMiddleware(verifier, checkUser)
//
// The token is read from the Authorization header, or from ?token= for
// WebSocket and EventSource clients that cannot set headers. When no verifier
// is configured the middleware runs in dev mode and trusts the X-User-ID
// header instead.
//
// # Context
//
// The middleware stores an AuthContext on the request context. Downstream
// code reads it with FromContext or the UserID shorthand.
package auth
