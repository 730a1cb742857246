package auth

import "errors"

var (
	// ErrInvalidCredentials is returned when the credential verifier rejects
	// the identifier/secret pair
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUnauthorized is returned when a structurally valid access token does
	// not map to an active session
	ErrUnauthorized = errors.New("unauthorized")
)
