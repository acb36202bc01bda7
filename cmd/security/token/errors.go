package token

import "errors"

var (
	// ErrTokenInvalid covers malformed, tampered, wrongly-signed or wrongly-issued tokens.
	ErrTokenInvalid = errors.New("token invalid")
	// ErrTokenExpired is returned for a well-formed token past its expiry.
	ErrTokenExpired = errors.New("token expired")

	ErrKeyMissing  = errors.New("token key missing")
	ErrKeyTooShort = errors.New("token key too short")
	// ErrKeyReuse is returned when the refresh HMAC key equals the access signing key.
	ErrKeyReuse = errors.New("refresh hmac key must differ from access signing key")
	ErrFormat   = errors.New("unknown access token format")
)
