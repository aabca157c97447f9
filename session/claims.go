package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMalformedToken = errors.New("malformed access token")
	ErrNoExpiry       = errors.New("access token carries no expiry claim")
)

var parser = jwt.NewParser()

// ExpiryOf decodes the exp claim of token without verifying its signature.
// The device never holds the signing key; the server verifies on every use.
func ExpiryOf(token string) (time.Time, error) {
	token = normalizeToken(token)
	if token == "" {
		return time.Time{}, ErrMalformedToken
	}

	var claims jwt.RegisteredClaims
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, ErrNoExpiry
	}
	return claims.ExpiresAt.Time, nil
}
