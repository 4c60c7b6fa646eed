package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/stackmesh/bastion/pkg/networking"
)

// TokenValidator verifies JWT bearer tokens against a remote key set.
//
// The JWKS cache is owned by the validator and shared across all
// verification calls; refreshes are rate limited by the underlying
// httprc client so a burst of requests for an unseen key identifier
// cannot hammer the identity provider.
type TokenValidator struct {
	issuer     string
	audience   string
	jwksURL    string
	jwksClient *jwk.Cache
	client     *http.Client

	// Lazy JWKS registration
	jwksRegistered      bool
	jwksRegistrationMu  sync.Mutex
	jwksRegistrationErr error
}

// TokenValidatorConfig contains configuration for the token validator.
type TokenValidatorConfig struct {
	// Issuer is the expected iss claim (e.g. https://idp.example.com)
	Issuer string

	// Audience is the expected audience for the token
	Audience string

	// JWKSURL is the URL to fetch the signing key set from
	JWKSURL string

	// HTTPClient is the client used for JWKS fetches; defaults to a
	// timeout-bounded client when nil.
	HTTPClient *http.Client
}

// NewTokenValidator creates a new token validator.
func NewTokenValidator(ctx context.Context, config TokenValidatorConfig) (*TokenValidator, error) {
	if config.JWKSURL == "" {
		return nil, ErrMissingJWKSURL
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = networking.NewHTTPClient()
	}

	httprcClient := httprc.NewClient(httprc.WithHTTPClient(httpClient))
	cache, err := jwk.NewCache(ctx, httprcClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}

	// JWKS registration is deferred to first use so construction never
	// blocks on the identity provider.

	return &TokenValidator{
		issuer:     config.Issuer,
		audience:   config.Audience,
		jwksURL:    config.JWKSURL,
		jwksClient: cache,
		client:     httpClient,
	}, nil
}

// ensureJWKSRegistered ensures that the JWKS URL is registered with the
// cache. Called lazily on first use.
func (v *TokenValidator) ensureJWKSRegistered(ctx context.Context) error {
	v.jwksRegistrationMu.Lock()
	defer v.jwksRegistrationMu.Unlock()

	if v.jwksRegistered {
		return v.jwksRegistrationErr
	}

	registrationCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := v.jwksClient.Register(registrationCtx, v.jwksURL)
	if err != nil {
		v.jwksRegistrationErr = fmt.Errorf("%w: %v", ErrKeyResolution, err)
	} else {
		v.jwksRegistrationErr = nil
	}

	v.jwksRegistered = true
	return v.jwksRegistrationErr
}

// getKeyFromJWKS resolves the signing key for a parsed token header.
func (v *TokenValidator) getKeyFromJWKS(ctx context.Context, token *jwt.Token) (any, error) {
	if err := v.ensureJWKSRegistered(ctx); err != nil {
		return nil, err
	}

	// Only RS256 is accepted. Restricting the algorithm up front closes
	// the usual algorithm-confusion hole where an attacker re-signs a
	// token with a different method.
	if token.Method.Alg() != jwt.SigningMethodRS256.Alg() {
		return nil, fmt.Errorf("%w: unexpected signing method %v", ErrInvalidToken, token.Header["alg"])
	}

	kid, ok := token.Header["kid"].(string)
	if !ok || kid == "" {
		return nil, ErrMissingKeyID
	}

	keySet, err := v.jwksClient.Lookup(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("%w: JWKS lookup: %v", ErrKeyResolution, err)
	}

	key, found := keySet.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("%w: key ID %s not found in JWKS", ErrKeyResolution, kid)
	}

	var rawKey any
	if err := jwk.Export(key, &rawKey); err != nil {
		return nil, fmt.Errorf("%w: export raw key: %v", ErrKeyResolution, err)
	}

	return rawKey, nil
}

// validateClaims validates issuer, audience and expiry.
func (v *TokenValidator) validateClaims(claims jwt.MapClaims) error {
	if v.issuer != "" {
		issuerClaim, err := claims.GetIssuer()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidIssuer, err)
		}
		if strings.TrimSpace(issuerClaim) != strings.TrimSpace(v.issuer) {
			return ErrInvalidIssuer
		}
	}

	if v.audience != "" {
		audiences, err := claims.GetAudience()
		if err != nil {
			return ErrInvalidAudience
		}

		found := false
		for _, aud := range audiences {
			if aud == v.audience {
				found = true
				break
			}
		}
		if !found {
			return ErrInvalidAudience
		}
	}

	expirationTime, err := claims.GetExpirationTime()
	if err != nil || expirationTime == nil || expirationTime.Before(time.Now()) {
		return ErrTokenExpired
	}

	return nil
}

// Verify cryptographically verifies a token and returns its claims.
// An expired token surfaces as ErrTokenExpired so the gate can report
// expiry distinctly from other verification failures.
func (v *TokenValidator) Verify(ctx context.Context, tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return v.getKeyFromJWKS(ctx, token)
	}, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))

	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		case errors.Is(err, ErrMissingKeyID), errors.Is(err, ErrKeyResolution):
			return nil, err
		default:
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", ErrInvalidToken)
	}

	if err := v.validateClaims(claims); err != nil {
		return nil, err
	}

	return claims, nil
}
