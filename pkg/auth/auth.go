// Package auth validates bearer tokens and carries the caller's identity
// through the request context. Tokens come from an external identity service;
// verification is against its JWKS endpoint or a shared HMAC secret.
package auth

import (
	"context"
	"errors"
)

var (
	ErrNoToken      = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// contextKey is private to avoid collisions.
type contextKey string

const claimsContextKey contextKey = "nexhub_auth_claims"

// Claims is the validated caller identity. Admin enables catalogue writes but
// never foreign workflow access.
type Claims struct {
	Subject string `json:"sub"`
	Email   string `json:"email,omitempty"`
	Admin   bool   `json:"admin,omitempty"`
}

// ClaimsFromContext extracts claims; nil means an unauthenticated caller.
func ClaimsFromContext(ctx context.Context) *Claims {
	if claims, ok := ctx.Value(claimsContextKey).(*Claims); ok {
		return claims
	}
	return nil
}

// ContextWithClaims attaches claims to the context.
func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

// CallerID returns the authenticated subject, or "" when anonymous.
func CallerID(ctx context.Context) string {
	if claims := ClaimsFromContext(ctx); claims != nil {
		return claims.Subject
	}
	return ""
}
