package api

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrTokenExpired = errors.New("token expired")

// TokenExpiry reads the exp claim without verifying the signature; the
// server verifies. ok is false for opaque tokens and tokens without exp.
func TokenExpiry(token string) (expiresAt time.Time, ok bool) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// InspectToken returns ErrTokenExpired if token carries an exp claim at or
// before now.
func InspectToken(token string, now time.Time) error {
	expiresAt, ok := TokenExpiry(token)
	if ok && !now.Before(expiresAt) {
		return ErrTokenExpired
	}
	return nil
}
