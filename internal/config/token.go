package config

import (
	"strings"
	"time"

	"wanderlink/internal/errors"

	"github.com/golang-jwt/jwt/v5"
)

// TokenClaims are the fields the session reads from a bearer token
type TokenClaims struct {
	Subject   string
	Name      string
	ExpiresAt time.Time
}

type sessionClaims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// ParseToken extracts claims from a JWT without verifying its signature.
// Opaque (non-JWT) tokens return nil claims and no error.
func ParseToken(token string, now time.Time) (*TokenClaims, error) {
	if strings.Count(token, ".") != 2 {
		return nil, nil
	}

	var claims sessionClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil, errors.NewAuthError("invalid token").WithContext("detail", err.Error())
	}

	out := &TokenClaims{Subject: claims.Subject, Name: claims.Name}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
		if !now.Before(out.ExpiresAt) {
			return nil, errors.NewAuthError("token expired").WithContext("expired_at", out.ExpiresAt.Format(time.RFC3339))
		}
	}
	return out, nil
}
