package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

const (
	// MinRefreshBytes is the floor for refresh secret entropy.
	MinRefreshBytes = 48
	// MinKeyBytes applies to both the HMAC key and the HS256 signing key.
	MinKeyBytes = 32
	// maxSecretLen bounds presented secrets before hashing.
	maxSecretLen = 512
)

// HashHMACSHA256Hex returns the hex HMAC-SHA256 of s under key (64 chars).
func HashHMACSHA256Hex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// NewRefreshSecret returns nBytes of crypto/rand as unpadded base64url.
func NewRefreshSecret(nBytes int) (string, error) {
	if nBytes < MinRefreshBytes {
		nBytes = MinRefreshBytes
	}
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("refresh secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// EqualHex compares two hex digests in constant time.
func EqualHex(a, b string) bool {
	if len(a) != len(b) || len(a) == 0 {
		return false
	}
	return hmac.Equal([]byte(a), []byte(b))
}
