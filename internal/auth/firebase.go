package auth

import (
	"context"
	"fmt"
	"time"

	firebase "firebase.google.com/go/v4"
	fbauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"
)

// firebaseClient is the subset of *fbauth.Client the verifier uses.
type firebaseClient interface {
	SessionCookie(ctx context.Context, idToken string, expiresIn time.Duration) (string, error)
	VerifySessionCookieAndCheckRevoked(ctx context.Context, sessionCookie string) (*fbauth.Token, error)
	RevokeRefreshTokens(ctx context.Context, uid string) error
}

// FirebaseVerifier manages Firebase session cookies.
type FirebaseVerifier struct {
	client  firebaseClient
	isAdmin AdminPolicy
}

// OpenFirebase creates a verifier from a project and optional service
// account file.
func OpenFirebase(ctx context.Context, project, credentialsFile string, isAdmin AdminPolicy) (*FirebaseVerifier, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	var cfg *firebase.Config
	if project != "" {
		cfg = &firebase.Config{ProjectID: project}
	}
	app, err := firebase.NewApp(ctx, cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase auth: %w", err)
	}
	return newFirebaseVerifier(client, isAdmin), nil
}

func newFirebaseVerifier(client firebaseClient, isAdmin AdminPolicy) *FirebaseVerifier {
	if isAdmin == nil {
		isAdmin = func(string) bool { return false }
	}
	return &FirebaseVerifier{client: client, isAdmin: isAdmin}
}

func (v *FirebaseVerifier) CreateSession(ctx context.Context, idToken string, ttl time.Duration) (string, error) {
	cookie, err := v.client.SessionCookie(ctx, idToken, ttl)
	if err != nil {
		if fbauth.IsIDTokenInvalid(err) || fbauth.IsIDTokenExpired(err) {
			return "", fmt.Errorf("%w: %v", ErrInvalidSession, err)
		}
		return "", fmt.Errorf("create session cookie: %w", err)
	}
	return cookie, nil
}

func (v *FirebaseVerifier) VerifySession(ctx context.Context, cookie string) (Claims, error) {
	tok, err := v.client.VerifySessionCookieAndCheckRevoked(ctx, cookie)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	c := Claims{UID: tok.UID}
	if email, ok := tok.Claims["email"].(string); ok {
		c.Email = email
	}
	if admin, ok := tok.Claims["admin"].(bool); ok && admin {
		c.Admin = true
	}
	// The allowlist only applies to addresses the user has proven to own.
	verified, _ := tok.Claims["email_verified"].(bool)
	if !c.Admin && verified && c.Email != "" && v.isAdmin(c.Email) {
		c.Admin = true
	}
	return c, nil
}

func (v *FirebaseVerifier) Revoke(ctx context.Context, uid string) error {
	if err := v.client.RevokeRefreshTokens(ctx, uid); err != nil {
		return fmt.Errorf("revoke %s: %w", uid, err)
	}
	return nil
}
