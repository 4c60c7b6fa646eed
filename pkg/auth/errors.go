package auth

import "errors"

// Common errors
var (
	ErrNoToken         = errors.New("no token provided")
	ErrInvalidToken    = errors.New("invalid token")
	ErrTokenExpired    = errors.New("token expired")
	ErrInvalidIssuer   = errors.New("invalid issuer")
	ErrInvalidAudience = errors.New("invalid audience")
	ErrMissingKeyID    = errors.New("token header missing kid")
	ErrKeyResolution   = errors.New("failed to resolve signing key")
	ErrMissingJWKSURL  = errors.New("missing JWKS URL")
)
