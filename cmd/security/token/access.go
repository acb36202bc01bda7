package token

import "time"

// Identity is what downstream handlers learn about an authenticated caller.
type Identity struct {
	AccountID string
	Username  string
}

// AccessClaims is a verified access token.
type AccessClaims struct {
	Identity
	Issuer    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// AccessSigner signs and verifies access tokens in one wire format.
// Verify must return ErrTokenInvalid or ErrTokenExpired, never panic.
type AccessSigner interface {
	Sign(id Identity, now time.Time) (tok string, exp time.Time, err error)
	Verify(tok string, now time.Time) (AccessClaims, error)
}
