package session

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"agora/cmd/security/token"
)

// Unknown-device policies for the request gate.
const (
	UnknownDeviceOpen   = "open"
	UnknownDeviceClosed = "closed"
)

// Config is the process-wide auth configuration: token keys plus lifecycle thresholds.
// It is loaded once at startup and passed explicitly to every component.
type Config struct {
	Token token.Config

	// SessionTTL, when positive, gives sessions a sliding expiry. Zero means sessions
	// only end through revocation.
	SessionTTL time.Duration

	// InactivityThreshold is how long a device may stay silent before its sessions are revoked.
	InactivityThreshold time.Duration

	// ReaperInterval is the period of the background inactivity sweep.
	ReaperInterval time.Duration

	// UnknownDevicePolicy decides how the gate treats device ids the registry has never seen.
	UnknownDevicePolicy string
}

// DefaultConfig returns lifecycle defaults. Keys are left empty and must be supplied.
func DefaultConfig() Config {
	return Config{
		Token: token.Config{
			Issuer:       "agora",
			AccessTTL:    15 * time.Minute,
			ClockSkew:    30 * time.Second,
			Format:       token.FormatJWT,
			RefreshBytes: token.MinRefreshBytes,
		},
		InactivityThreshold: 30 * 24 * time.Hour,
		ReaperInterval:      24 * time.Hour,
		UnknownDevicePolicy: UnknownDeviceOpen,
	}
}

// LoadConfigFromEnv loads auth configuration from the environment.
//
// Required:
//   - AGORA_TOKEN_HMAC_KEY (>= 32 bytes)
//   - AGORA_AUTH_SIGNING_KEY (>= 32 bytes, jwt format) or
//     AGORA_PASETO_V4_SECRET_KEY_HEX (paseto format)
//
// Optional:
//   - AGORA_AUTH_ISSUER, AGORA_AUTH_TOKEN_FORMAT (jwt|paseto)
//   - AGORA_AUTH_ACCESS_TTL, AGORA_AUTH_CLOCK_SKEW, AGORA_AUTH_SESSION_TTL
//   - AGORA_AUTH_REFRESH_TOKEN_BYTES (48..128)
//   - AGORA_AUTH_INACTIVITY_THRESHOLD, AGORA_AUTH_REAPER_INTERVAL
//   - AGORA_AUTH_UNKNOWN_DEVICE_POLICY (open|closed)
//
// Returns an error wrapping ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := env("AGORA_AUTH_ISSUER"); v != "" {
		cfg.Token.Issuer = v
	}
	if v := env("AGORA_AUTH_TOKEN_FORMAT"); v != "" {
		cfg.Token.Format = strings.ToLower(v)
	}

	durations := []struct {
		key       string
		allowZero bool
		dst       *time.Duration
	}{
		{"AGORA_AUTH_ACCESS_TTL", false, &cfg.Token.AccessTTL},
		{"AGORA_AUTH_CLOCK_SKEW", true, &cfg.Token.ClockSkew},
		{"AGORA_AUTH_SESSION_TTL", true, &cfg.SessionTTL},
		{"AGORA_AUTH_INACTIVITY_THRESHOLD", false, &cfg.InactivityThreshold},
		{"AGORA_AUTH_REAPER_INTERVAL", false, &cfg.ReaperInterval},
	}
	for _, d := range durations {
		v := env(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil || parsed < 0 || (parsed == 0 && !d.allowZero) {
			return Config{}, fmt.Errorf("%w: %s", ErrConfig, d.key)
		}
		*d.dst = parsed
	}

	if v := env("AGORA_AUTH_REFRESH_TOKEN_BYTES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < token.MinRefreshBytes || n > 128 {
			return Config{}, fmt.Errorf("%w: AGORA_AUTH_REFRESH_TOKEN_BYTES", ErrConfig)
		}
		cfg.Token.RefreshBytes = n
	}

	if v := env("AGORA_AUTH_UNKNOWN_DEVICE_POLICY"); v != "" {
		cfg.UnknownDevicePolicy = strings.ToLower(v)
	}

	cfg.Token.RefreshHMACKey = []byte(env("AGORA_TOKEN_HMAC_KEY"))
	cfg.Token.SigningKey = []byte(env("AGORA_AUTH_SIGNING_KEY"))
	cfg.Token.PasetoSecretKeyHex = env("AGORA_PASETO_V4_SECRET_KEY_HEX")

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints. Key material itself is checked by token.New.
func (c Config) Validate() error {
	switch c.UnknownDevicePolicy {
	case UnknownDeviceOpen, UnknownDeviceClosed:
	default:
		return fmt.Errorf("%w: unknown device policy %q", ErrConfig, c.UnknownDevicePolicy)
	}
	switch c.Token.Format {
	case token.FormatJWT:
		if len(c.Token.SigningKey) == 0 {
			return fmt.Errorf("%w: AGORA_AUTH_SIGNING_KEY is required", ErrConfig)
		}
	case token.FormatPaseto:
		if _, err := hex.DecodeString(c.Token.PasetoSecretKeyHex); err != nil || c.Token.PasetoSecretKeyHex == "" {
			return fmt.Errorf("%w: AGORA_PASETO_V4_SECRET_KEY_HEX is required", ErrConfig)
		}
	default:
		return fmt.Errorf("%w: token format %q", ErrConfig, c.Token.Format)
	}
	if len(c.Token.RefreshHMACKey) < token.MinKeyBytes {
		return fmt.Errorf("%w: AGORA_TOKEN_HMAC_KEY must be at least %d bytes", ErrConfig, token.MinKeyBytes)
	}
	if c.Token.AccessTTL <= 0 || c.InactivityThreshold <= 0 || c.ReaperInterval <= 0 {
		return fmt.Errorf("%w: durations must be positive", ErrConfig)
	}
	if c.SessionTTL > 0 && c.SessionTTL < c.Token.AccessTTL {
		return fmt.Errorf("%w: session ttl shorter than access ttl", ErrConfig)
	}
	return nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}
