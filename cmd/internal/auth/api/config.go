package api

import (
	"time"

	"agora/cmd/internal/platform/env"
)

// Config controls HTTP-level auth behavior.
type Config struct {
	TrustProxy   bool
	MaxBodyBytes int64

	// Per-IP limits for the credential and refresh endpoints.
	LoginRateMax      int
	LoginRateWindow   time.Duration
	RefreshRateMax    int
	RefreshRateWindow time.Duration
}

// LoadConfigFromEnv loads API config from environment variables with safe defaults.
func LoadConfigFromEnv() Config {
	return Config{
		TrustProxy:        env.Bool("AGORA_AUTH_TRUST_PROXY", false),
		MaxBodyBytes:      env.Int64("AGORA_AUTH_MAX_BODY_BYTES", 64<<10),
		LoginRateMax:      env.Int("AGORA_AUTH_LOGIN_RATE_MAX", 10),
		LoginRateWindow:   env.Duration("AGORA_AUTH_LOGIN_RATE_WINDOW", time.Minute),
		RefreshRateMax:    env.Int("AGORA_AUTH_REFRESH_RATE_MAX", 60),
		RefreshRateWindow: env.Duration("AGORA_AUTH_REFRESH_RATE_WINDOW", time.Minute),
	}
}
