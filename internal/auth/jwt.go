// Package auth validates the bearer tokens issued by the storefront's identity service. The media service never issues
// tokens in production; NewAccessToken exists for development tooling and tests.
package auth

import (
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ScopeMediaWrite allows uploading, replacing, and deleting product images.
const ScopeMediaWrite = "media:write"

// AccessClaims holds the JWT claims for an access token.
type AccessClaims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes,omitempty"`
}

// HasScope reports whether the token grants scope.
func (c *AccessClaims) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

// NewAccessToken creates a signed HS256 access token for the given user with the given scopes.
func NewAccessToken(userID uuid.UUID, scopes []string, secret string, ttl time.Duration, issuer string) (string, error) {
	if secret == "" {
		return "", ErrEmptySecret
	}
	if issuer == "" {
		return "", ErrEmptyIssuer
	}

	now := time.Now()
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Scopes: scopes,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// ValidateAccessToken parses and validates an access token, enforcing an HMAC signing method and the issuer claim.
func ValidateAccessToken(tokenStr, secret, issuer string) (*AccessClaims, error) {
	if issuer == "" {
		return nil, ErrEmptyIssuer
	}

	claims := &AccessClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	return claims, nil
}
