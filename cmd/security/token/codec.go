package token

import (
	"crypto/hmac"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

const (
	FormatJWT    = "jwt"
	FormatPaseto = "paseto"
)

// Config carries every key the codec needs. It is injected, never read from globals.
type Config struct {
	Issuer    string
	AccessTTL time.Duration
	ClockSkew time.Duration

	// Format selects the access token wire format: "jwt" (default) or "paseto".
	Format             string
	SigningKey         []byte
	PasetoSecretKeyHex string

	RefreshHMACKey []byte
	RefreshBytes   int
}

// Codec is the token codec: access tokens plus refresh secret minting and hashing.
type Codec struct {
	access       AccessSigner
	refreshKey   []byte
	refreshBytes int
}

// New validates cfg and builds a Codec.
func New(cfg Config) (*Codec, error) {
	if len(cfg.RefreshHMACKey) == 0 {
		return nil, fmt.Errorf("refresh hmac: %w", ErrKeyMissing)
	}
	if len(cfg.RefreshHMACKey) < MinKeyBytes {
		return nil, fmt.Errorf("refresh hmac: %w", ErrKeyTooShort)
	}

	var (
		signer AccessSigner
		err    error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", FormatJWT:
		if hmac.Equal(cfg.SigningKey, cfg.RefreshHMACKey) {
			return nil, ErrKeyReuse
		}
		signer, err = NewHS256Signer(cfg.SigningKey, cfg.Issuer, cfg.AccessTTL, cfg.ClockSkew)
	case FormatPaseto:
		if raw, decErr := hex.DecodeString(cfg.PasetoSecretKeyHex); decErr == nil && hmac.Equal(raw, cfg.RefreshHMACKey) {
			return nil, ErrKeyReuse
		}
		signer, err = NewPasetoV4Signer(cfg.PasetoSecretKeyHex, cfg.Issuer, cfg.AccessTTL, cfg.ClockSkew)
	default:
		return nil, fmt.Errorf("%w: %q", ErrFormat, cfg.Format)
	}
	if err != nil {
		return nil, fmt.Errorf("access signer: %w", err)
	}

	return NewWithSigner(signer, cfg.RefreshHMACKey, cfg.RefreshBytes), nil
}

// NewWithSigner wires an existing signer. refreshBytes below MinRefreshBytes is raised to it.
func NewWithSigner(signer AccessSigner, refreshKey []byte, refreshBytes int) *Codec {
	if refreshBytes < MinRefreshBytes {
		refreshBytes = MinRefreshBytes
	}
	return &Codec{access: signer, refreshKey: refreshKey, refreshBytes: refreshBytes}
}

// MintAccess returns a signed access token for id and its expiry.
func (c *Codec) MintAccess(id Identity, now time.Time) (string, time.Time, error) {
	if id.AccountID == "" || id.Username == "" {
		return "", time.Time{}, fmt.Errorf("mint access: empty identity")
	}
	return c.access.Sign(id, now)
}

// VerifyAccess returns the claims or ErrTokenInvalid / ErrTokenExpired.
func (c *Codec) VerifyAccess(tok string, now time.Time) (AccessClaims, error) {
	return c.access.Verify(strings.TrimSpace(tok), now)
}

// MintRefreshSecret returns a fresh raw refresh secret. Callers must persist only its hash.
func (c *Codec) MintRefreshSecret() (string, error) {
	return NewRefreshSecret(c.refreshBytes)
}

// HashRefreshSecret returns the storable HMAC of raw. Oversized input hashes to "".
func (c *Codec) HashRefreshSecret(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > maxSecretLen {
		return ""
	}
	return HashHMACSHA256Hex(raw, c.refreshKey)
}
