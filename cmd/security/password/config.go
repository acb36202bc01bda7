package password

import (
	"fmt"
	"math"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Argon2idParams controls Argon2id hashing cost.
// MemoryKiB is in KiB as required by argon2.IDKey.
type Argon2idParams struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Policy controls password acceptance at registration time.
type Policy struct {
	MinLength      int
	MaxLength      int
	RejectVeryWeak bool
}

// Config is the single configuration surface for this package.
type Config struct {
	Params Argon2idParams
	Policy Policy
}

// DefaultConfig returns the production baseline: 64 MiB, t=3, p<=4.
func DefaultConfig() Config {
	threads := runtime.NumCPU()
	if threads <= 0 {
		threads = 1
	}
	if threads > 4 {
		threads = 4
	}

	return Config{
		Params: Argon2idParams{
			MemoryKiB:   64 * 1024,
			Iterations:  3,
			Parallelism: uint8(threads), // #nosec G115 -- clamped to [1..4]
			SaltLength:  16,
			KeyLength:   32,
		},
		Policy: Policy{
			MinLength:      8,
			MaxLength:      256,
			RejectVeryWeak: true,
		},
	}
}

// LightConfig is a cheap configuration for tests and local tooling.
// It must never be used to hash real credentials.
func LightConfig() Config {
	cfg := DefaultConfig()
	cfg.Params.MemoryKiB = 8 * 1024
	cfg.Params.Iterations = 1
	cfg.Params.Parallelism = 1
	return cfg
}

// FromEnv loads config from environment variables on top of DefaultConfig.
//
//   - AGORA_PASSWORD_MIN_LEN, AGORA_PASSWORD_MAX_LEN
//   - AGORA_PASSWORD_REJECT_VERY_WEAK
//   - AGORA_ARGON2_MEMORY_KIB, AGORA_ARGON2_ITERATIONS, AGORA_ARGON2_PARALLELISM
//   - AGORA_ARGON2_SALT_LEN, AGORA_ARGON2_KEY_LEN
func FromEnv() (Config, error) {
	cfg := DefaultConfig()

	intVars := []struct {
		key      string
		min, max int
		dst      *int
	}{
		{"AGORA_PASSWORD_MIN_LEN", 1, 1024, &cfg.Policy.MinLength},
		{"AGORA_PASSWORD_MAX_LEN", 1, 4096, &cfg.Policy.MaxLength},
	}
	for _, v := range intVars {
		raw, ok := lookupEnv(v.key)
		if !ok {
			continue
		}
		n, err := parseIntRange(raw, v.min, v.max)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", v.key, err)
		}
		*v.dst = n
	}

	u32Vars := []struct {
		key      string
		min, max uint32
		dst      *uint32
	}{
		{"AGORA_ARGON2_MEMORY_KIB", 8 * 1024, 1024 * 1024, &cfg.Params.MemoryKiB},
		{"AGORA_ARGON2_ITERATIONS", 1, 20, &cfg.Params.Iterations},
		{"AGORA_ARGON2_SALT_LEN", 8, 64, &cfg.Params.SaltLength},
		{"AGORA_ARGON2_KEY_LEN", 16, 64, &cfg.Params.KeyLength},
	}
	for _, v := range u32Vars {
		raw, ok := lookupEnv(v.key)
		if !ok {
			continue
		}
		u, err := parseU32Range(raw, v.min, v.max)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", v.key, err)
		}
		*v.dst = u
	}

	if raw, ok := lookupEnv("AGORA_ARGON2_PARALLELISM"); ok {
		u, err := parseU32Range(raw, 1, math.MaxUint8)
		if err != nil {
			return Config{}, fmt.Errorf("AGORA_ARGON2_PARALLELISM: %w", err)
		}
		cfg.Params.Parallelism = uint8(u) // #nosec G115 -- bounded above
	}

	if raw, ok := lookupEnv("AGORA_PASSWORD_REJECT_VERY_WEAK"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("AGORA_PASSWORD_REJECT_VERY_WEAK: invalid boolean")
		}
		cfg.Policy.RejectVeryWeak = b
	}

	if cfg.Policy.MinLength > cfg.Policy.MaxLength {
		return Config{}, fmt.Errorf(
			"password policy invalid: min_len(%d) > max_len(%d)",
			cfg.Policy.MinLength,
			cfg.Policy.MaxLength,
		)
	}

	return cfg, nil
}

// lookupEnv treats blank values as unset.
func lookupEnv(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

func parseIntRange(s string, minVal, maxVal int) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("not an integer")
	}
	if n < minVal || n > maxVal {
		return 0, fmt.Errorf("out of range [%d..%d]", minVal, maxVal)
	}
	return n, nil
}

func parseU32Range(s string, minVal, maxVal uint32) (uint32, error) {
	u64, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("not an unsigned integer")
	}
	u := uint32(u64)
	if u < minVal || u > maxVal {
		return 0, fmt.Errorf("out of range [%d..%d]", minVal, maxVal)
	}
	return u, nil
}
