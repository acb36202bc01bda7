// Package token mints and verifies agora's credentials.
//
// Access tokens are short-lived signed tokens carrying {accountId, username}:
// HS256 JWTs by default, or PASETO v4.public when configured. Refresh secrets
// are opaque random strings; only their HMAC-SHA256 (keyed separately from
// the access signing key) is ever persisted.
package token
