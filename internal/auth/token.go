// Package auth reads the identity carried by the session's bearer token.
// Tokens are issued and verified by the server; the client only inspects
// them to learn who it is and when to ask for a new one.
package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
	ErrMissingToken = errors.New("no token configured")
)

// Claims are the token claims the client reads.
type Claims struct {
	Name    string `json:"name,omitempty"`
	Picture string `json:"picture,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the authenticated user as described by the token.
type Identity struct {
	UserID    string
	Name      string
	AvatarURL string
	ExpiresAt time.Time // zero if the token does not expire
}

// Expired reports whether the token is past its expiry at now.
func (i Identity) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}

// ParseToken extracts the identity from a JWT without verifying its
// signature. It fails if the token is malformed, has no subject, or expired
// before now.
func ParseToken(tokenString string, now time.Time) (Identity, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(tokenString), "Bearer "))
	if tokenString == "" {
		return Identity{}, ErrMissingToken
	}

	token, _, err := jwt.NewParser().ParseUnverified(tokenString, &Claims{})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	}

	id := Identity{
		UserID:    claims.Subject,
		Name:      claims.Name,
		AvatarURL: claims.Picture,
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	if id.Expired(now) {
		return id, ErrTokenExpired
	}
	return id, nil
}

// ResolveToken returns the bearer token: env wins when set, otherwise the
// trimmed contents of path.
func ResolveToken(env, path string) (string, error) {
	if t := strings.TrimSpace(env); t != "" {
		return t, nil
	}
	if path == "" {
		return "", ErrMissingToken
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	t := strings.TrimSpace(string(data))
	if t == "" {
		return "", ErrMissingToken
	}
	return t, nil
}
