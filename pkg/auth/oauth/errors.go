package oauth

import (
	"errors"
	"fmt"
)

// ErrMissingAuthorizationCode is returned when the callback carried
// neither a code nor an error parameter.
var ErrMissingAuthorizationCode = errors.New("authorization callback carried no code")

// ErrStateMismatch is returned when the callback state parameter does
// not match the one generated for this flow.
var ErrStateMismatch = errors.New("invalid state parameter")

// AuthorizationDeniedError is returned when the authorization server
// redirected back with an error, e.g. the user declined consent.
type AuthorizationDeniedError struct {
	Code        string
	Description string
}

func (e *AuthorizationDeniedError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("authorization denied: %s", e.Code)
	}
	return fmt.Sprintf("authorization denied: %s - %s", e.Code, e.Description)
}

// TokenExchangeError is returned when the token endpoint answered the
// code exchange with a non-2xx status. Body carries the raw response so
// the caller can surface provider-specific detail.
type TokenExchangeError struct {
	Status int
	Body   string
}

func (e *TokenExchangeError) Error() string {
	return fmt.Sprintf("token exchange failed with status %d: %s", e.Status, e.Body)
}
