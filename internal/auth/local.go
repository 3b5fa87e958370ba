package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	localIssuer = "broskis-local"
	typeID      = "id"
	typeSession = "session"
	idTokenTTL  = 5 * time.Minute
)

type localClaims struct {
	Email string `json:"email,omitempty"`
	Admin bool   `json:"admin,omitempty"`
	Type  string `json:"typ"`
	// IssuedNanos orders tokens against revocations within the same second.
	IssuedNanos int64 `json:"ins"`
	jwt.RegisteredClaims
}

// LocalVerifier signs its own HS256 tokens. It stands in for Firebase in
// development and tests.
type LocalVerifier struct {
	secret  []byte
	isAdmin AdminPolicy

	mu      sync.Mutex
	revoked map[string]int64

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// NewLocalVerifier creates a verifier signing with secret.
func NewLocalVerifier(secret string, isAdmin AdminPolicy) *LocalVerifier {
	if isAdmin == nil {
		isAdmin = func(string) bool { return false }
	}
	return &LocalVerifier{
		secret:  []byte(secret),
		isAdmin: isAdmin,
		revoked: map[string]int64{},
		Now:     time.Now,
	}
}

func (v *LocalVerifier) sign(uid, email string, admin bool, typ string, ttl time.Duration) (string, error) {
	now := v.Now()
	claims := localClaims{
		Email:       email,
		Admin:       admin,
		Type:        typ,
		IssuedNanos: now.UnixNano(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    localIssuer,
			Subject:   uid,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

func (v *LocalVerifier) parse(token, typ string) (*localClaims, error) {
	claims := &localClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(localIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if claims.Type != typ || claims.Subject == "" {
		return nil, fmt.Errorf("%w: expected a %s token", ErrInvalidSession, typ)
	}
	return claims, nil
}

// MintIDToken issues a short-lived ID token, the local equivalent of a
// Firebase client sign-in.
func (v *LocalVerifier) MintIDToken(uid, email string, admin bool) (string, error) {
	if uid == "" {
		return "", errors.New("uid is required")
	}
	return v.sign(uid, email, admin, typeID, idTokenTTL)
}

// CreateSession exchanges an ID token for a session token valid for ttl.
func (v *LocalVerifier) CreateSession(_ context.Context, idToken string, ttl time.Duration) (string, error) {
	c, err := v.parse(idToken, typeID)
	if err != nil {
		return "", err
	}
	return v.sign(c.Subject, c.Email, c.Admin, typeSession, ttl)
}

// VerifySession checks a session token and its revocation.
func (v *LocalVerifier) VerifySession(_ context.Context, cookie string) (Claims, error) {
	c, err := v.parse(cookie, typeSession)
	if err != nil {
		return Claims{}, err
	}
	v.mu.Lock()
	revokedAt, ok := v.revoked[c.Subject]
	v.mu.Unlock()
	if ok && c.IssuedNanos <= revokedAt {
		return Claims{}, fmt.Errorf("%w: session revoked", ErrInvalidSession)
	}
	return Claims{UID: c.Subject, Email: c.Email, Admin: c.Admin || v.isAdmin(c.Email)}, nil
}

// Revoke invalidates every session issued to uid so far.
func (v *LocalVerifier) Revoke(_ context.Context, uid string) error {
	v.mu.Lock()
	v.revoked[uid] = v.Now().UnixNano()
	v.mu.Unlock()
	return nil
}
