// Package env reads AGORA_* settings. Unset or malformed values yield the
// default; components that must reject bad input parse their own keys.
package env

import (
	"os"
	"strconv"
	"strings"
	"time"
)

func String(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func Bool(key string, def bool) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return def
	}
	return b
}

// Int reads a positive int.
func Int(key string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// Int32 reads a non-negative int32.
func Int32(key string, def int32) int32 {
	n, err := strconv.ParseInt(strings.TrimSpace(os.Getenv(key)), 10, 32)
	if err != nil || n < 0 {
		return def
	}
	return int32(n)
}

// Int64 reads a positive int64.
func Int64(key string, def int64) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(os.Getenv(key)), 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// Duration reads a positive time.ParseDuration value.
func Duration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(os.Getenv(key)))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// CSV splits a comma-separated list, dropping blanks. def uses the same format.
func CSV(key, def string) []string {
	raw := String(key, def)
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
