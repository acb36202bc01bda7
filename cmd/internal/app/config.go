package app

import (
	"time"

	"agora/cmd/internal/platform/env"
)

// Config contains the runtime settings loaded from AGORA_* environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	ShutdownTimeout   time.Duration

	DatabaseURL   string
	DBMaxConns    int32
	DBMinConns    int32
	DBAutoMigrate bool

	// If true, /readyz returns 503 unless a database is configured and reachable.
	ReadinessRequireDB bool

	CORSAllowedOrigins []string

	CookieSecure bool
	CookieDomain string

	MetricsEnabled bool
}

func LoadConfig() Config {
	return Config{
		HTTPAddr:  env.String("AGORA_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  env.String("AGORA_LOG_LEVEL", "info"),
		LogFormat: env.String("AGORA_LOG_FORMAT", "json"),

		ReadHeaderTimeout: env.Duration("AGORA_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       env.Duration("AGORA_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      env.Duration("AGORA_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       env.Duration("AGORA_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    env.Int("AGORA_HTTP_MAX_HEADER_BYTES", 1<<20),
		ShutdownTimeout:   env.Duration("AGORA_HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),

		DatabaseURL:   env.String("AGORA_DATABASE_URL", ""),
		DBMaxConns:    env.Int32("AGORA_DB_MAX_CONNS", 10),
		DBMinConns:    env.Int32("AGORA_DB_MIN_CONNS", 0),
		DBAutoMigrate: env.Bool("AGORA_DB_AUTO_MIGRATE", false),

		ReadinessRequireDB: env.Bool("AGORA_READINESS_REQUIRE_DB", false),

		CORSAllowedOrigins: env.CSV("AGORA_CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		CookieSecure: env.Bool("AGORA_COOKIE_SECURE", true),
		CookieDomain: env.String("AGORA_COOKIE_DOMAIN", ""),

		MetricsEnabled: env.Bool("AGORA_METRICS_ENABLED", true),
	}
}
