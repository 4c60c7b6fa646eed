// Package auth provides bearer-token decoding and verification plus the
// per-request authentication gate for the bastion resource server.
package auth

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// DecodedToken is the result of a structural (unverified) token parse.
// When Valid is false the token did not have the expected three-segment
// shape and the remaining fields are zero values; callers can still log
// whatever was recoverable without special-casing garbage input.
type DecodedToken struct {
	Header       map[string]any
	Claims       jwt.MapClaims
	HasSignature bool
	Valid        bool
}

// invalidToken is the sentinel returned for anything that does not parse.
func invalidToken() *DecodedToken {
	return &DecodedToken{
		Header: map[string]any{},
		Claims: jwt.MapClaims{},
	}
}

// DecodeToken performs a pure structural parse of a JWT-shaped credential.
// No signature check, no network calls, and no failure mode: malformed
// input (wrong segment count, bad base64, bad JSON) yields the invalid
// sentinel rather than an error.
func DecodeToken(tokenString string) *DecodedToken {
	parts := strings.Split(tokenString, ".")
	if len(parts) != 3 {
		return invalidToken()
	}

	header, ok := decodeSegment(parts[0])
	if !ok {
		return invalidToken()
	}

	claims, ok := decodeSegment(parts[1])
	if !ok {
		return invalidToken()
	}

	return &DecodedToken{
		Header:       header,
		Claims:       jwt.MapClaims(claims),
		HasSignature: parts[2] != "",
		Valid:        true,
	}
}

// KeyID returns the kid header, or "" when absent or not a string.
func (d *DecodedToken) KeyID() string {
	kid, _ := d.Header["kid"].(string)
	return kid
}

// Algorithm returns the alg header, or "" when absent or not a string.
func (d *DecodedToken) Algorithm() string {
	alg, _ := d.Header["alg"].(string)
	return alg
}

func decodeSegment(segment string) (map[string]any, bool) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(segment, "="))
	if err != nil {
		return nil, false
	}

	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false
	}
	return out, true
}
