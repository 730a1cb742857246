package token

import "errors"

var (
	// ErrTokenInvalid is returned for malformed tokens, bad signatures, wrong
	// token types, and issuer mismatches
	ErrTokenInvalid = errors.New("token invalid")
	// ErrTokenExpired is returned when signature checks pass but the token is
	// past its expiry
	ErrTokenExpired = errors.New("token expired")
	// ErrUnknownKey is returned when the configured active kid is not in the
	// key set
	ErrUnknownKey = errors.New("unknown signing key")
)
