package auth

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sign(t *testing.T, claims jwt.Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("server-secret"))
	require.NoError(t, err)
	return s
}

func TestParseToken(t *testing.T) {
	tok := sign(t, &Claims{
		Name:    "Alice",
		Picture: "https://cdn.test/a.png",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u-2",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})

	id, err := ParseToken("Bearer "+tok, now)
	require.NoError(t, err)
	assert.Equal(t, "u-2", id.UserID)
	assert.Equal(t, "Alice", id.Name)
	assert.Equal(t, "https://cdn.test/a.png", id.AvatarURL)
	assert.True(t, id.ExpiresAt.Equal(now.Add(time.Hour)))
	assert.True(t, id.Expired(now.Add(2*time.Hour)))
}

func TestParseTokenErrors(t *testing.T) {
	expired := sign(t, &Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "u-2",
		ExpiresAt: jwt.NewNumericDate(now.Add(-time.Minute)),
	}})
	noSubject := sign(t, &Claims{Name: "nobody"})

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "  ", ErrMissingToken},
		{"garbage", "not-a-jwt", ErrInvalidToken},
		{"no subject", noSubject, ErrInvalidToken},
		{"expired", expired, ErrTokenExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseToken(tt.token, now)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestParseTokenWithoutExpiry(t *testing.T) {
	tok := sign(t, &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "42"}})
	id, err := ParseToken(tok, now)
	require.NoError(t, err)
	assert.True(t, id.ExpiresAt.IsZero())
	assert.False(t, id.Expired(now.Add(24*365*time.Hour)))
}

func TestResolveToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("  from-file\n"), 0o600))

	got, err := ResolveToken("", path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", got)

	got, err = ResolveToken("from-env", path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", got)

	_, err = ResolveToken("", "")
	assert.ErrorIs(t, err, ErrMissingToken)

	_, err = ResolveToken("", filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
