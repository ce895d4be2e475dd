package config

import (
	"testing"
	"time"

	"wanderlink/internal/errors"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, sub, name string, exp time.Time) string {
	t.Helper()
	claims := sessionClaims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("unused-by-the-client"))
	require.NoError(t, err)
	return token
}

func TestParseToken(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	claims, err := ParseToken(signedToken(t, "42", "Ana", now.Add(time.Hour)), now)
	require.NoError(t, err)
	require.NotNil(t, claims)
	assert.Equal(t, "42", claims.Subject)
	assert.Equal(t, "Ana", claims.Name)
	assert.True(t, claims.ExpiresAt.Equal(now.Add(time.Hour)))
}

func TestParseToken_Opaque(t *testing.T) {
	claims, err := ParseToken("opaque-session-token", time.Now())
	assert.NoError(t, err)
	assert.Nil(t, claims)
}

func TestParseToken_Expired(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	_, err := ParseToken(signedToken(t, "42", "", now.Add(-time.Second)), now)
	require.Error(t, err)
	assert.True(t, errors.IsCritical(err))
	assert.False(t, errors.IsRetryable(err))
}

func TestParseToken_Malformed(t *testing.T) {
	_, err := ParseToken("a.b.c", time.Now())
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeAuthentication, errors.GetCode(err))
}
