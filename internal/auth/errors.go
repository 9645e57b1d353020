package auth

import "errors"

// Sentinel errors for the auth package.
var (
	ErrEmptySecret = errors.New("JWT secret must not be empty")
	ErrEmptyIssuer = errors.New("JWT issuer must not be empty")
)
