// Package auth verifies session cookies, guards routes by role, and sets up
// CSRF protection.
package auth

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNoSession      = errors.New("no session")
	ErrInvalidSession = errors.New("invalid session")
	ErrForbidden      = errors.New("forbidden")
)

// Claims identify the customer or admin behind a request.
type Claims struct {
	UID   string `json:"uid"`
	Email string `json:"email,omitempty"`
	Admin bool   `json:"admin"`
}

// Verifier exchanges ID tokens for session cookies and checks them.
type Verifier interface {
	CreateSession(ctx context.Context, idToken string, ttl time.Duration) (string, error)
	VerifySession(ctx context.Context, cookie string) (Claims, error)
	Revoke(ctx context.Context, uid string) error
}

// AdminPolicy decides admin status from an email, e.g. an allowlist.
type AdminPolicy func(email string) bool

type ctxKey struct{}

// WithClaims returns a context carrying c.
func WithClaims(ctx context.Context, c Claims) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// FromContext returns the claims attached by Guard.Optional.
func FromContext(ctx context.Context) (Claims, bool) {
	c, ok := ctx.Value(ctxKey{}).(Claims)
	return c, ok && c.UID != ""
}

// UID returns the session uid, or "" for an anonymous request.
func UID(ctx context.Context) string {
	c, _ := FromContext(ctx)
	return c.UID
}
