// Package app wires the agora server runtime: config, logging, storage, the
// auth HTTP surface, the session event stream and the inactivity reaper.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"

	"agora/cmd/identity"
	"agora/cmd/internal/auth/api"
	"agora/cmd/internal/auth/audit"
	"agora/cmd/internal/auth/authcookie"
	"agora/cmd/internal/auth/device"
	"agora/cmd/internal/auth/gate"
	"agora/cmd/internal/auth/reaper"
	"agora/cmd/internal/auth/session"
	"agora/cmd/internal/db"
	"agora/cmd/internal/observability/metrics"
	"agora/cmd/internal/realtime"
	"agora/cmd/security/password"
	"agora/cmd/security/token"
)

// App owns the HTTP server and the background workers.
type App struct {
	cfg Config
	log Logger

	pool    *pgxpool.Pool
	metrics *metrics.Metrics
	reaper  *reaper.Reaper
	sweep   time.Duration
	handler http.Handler
}

type stores struct {
	accounts identity.Store
	sessions session.Store
	devices  device.Store
	audit    audit.Recorder
}

// New loads component configs from the environment and builds a fully wired App.
// Without AGORA_DATABASE_URL everything lives in memory.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	sessCfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	pwCfg, err := password.FromEnv()
	if err != nil {
		return nil, fmt.Errorf("password config: %w", err)
	}
	apiCfg := api.LoadConfigFromEnv()

	codec, err := token.New(sessCfg.Token)
	if err != nil {
		return nil, fmt.Errorf("token codec: %w", err)
	}

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New()
	}

	a := &App{cfg: cfg, log: log, metrics: m, sweep: sessCfg.ReaperInterval}

	st, err := a.openStores(ctx)
	if err != nil {
		return nil, err
	}

	creds := identity.NewCredentials(st.accounts, pwCfg, identity.WithLogger(log))
	sessions := session.NewService(st.sessions, codec,
		session.WithLogger(log),
		session.WithSessionTTL(sessCfg.SessionTTL),
	)
	hub := realtime.NewHub(log)
	devices := device.NewRegistry(st.devices, sessions,
		device.WithLogger(log),
		device.WithRevokeHook(hub.OnDeviceRevoked),
	)
	jar := authcookie.New(authcookie.Config{
		Domain:     cfg.CookieDomain,
		Secure:     cfg.CookieSecure,
		RefreshTTL: sessCfg.InactivityThreshold,
	})
	g := gate.New(gate.Config{
		InactivityThreshold: sessCfg.InactivityThreshold,
		FailClosed:          sessCfg.UnknownDevicePolicy == session.UnknownDeviceClosed,
	}, codec, devices, jar, gate.WithLogger(log), gate.WithMetrics(m))

	h, err := api.NewHandler(apiCfg, api.Deps{
		Credentials:         creds,
		Sessions:            sessions,
		Devices:             devices,
		Tokens:              codec,
		Gate:                g,
		Cookies:             jar,
		InactivityThreshold: sessCfg.InactivityThreshold,
		Audit:               st.audit,
		Metrics:             m,
		Notifier:            hub,
		Events:              realtime.NewGateway(log, hub, jar, m, realtime.GatewayConfigFromEnv()),
		Log:                 log,
	})
	if err != nil {
		a.closePool()
		return nil, err
	}

	a.reaper = reaper.New(devices, sessCfg.InactivityThreshold, log, m)
	a.handler = a.routes(h, apiCfg.TrustProxy)

	log.Info("app.ready",
		"db_enabled", a.pool != nil,
		"token_format", sessCfg.Token.Format,
		"inactivity_threshold", sessCfg.InactivityThreshold.String(),
		"unknown_device_policy", sessCfg.UnknownDevicePolicy,
	)
	return a, nil
}

func (a *App) openStores(ctx context.Context) (stores, error) {
	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_store")
		return stores{
			accounts: identity.NewMemoryStore(),
			sessions: session.NewMemoryStore(),
			devices:  device.NewMemoryStore(),
			audit:    audit.NewLogRecorder(a.log),
		}, nil
	}

	if a.cfg.DBAutoMigrate {
		if err := db.Migrate(a.cfg.DatabaseURL, "up"); err != nil {
			return stores{}, err
		}
		a.log.Info("db.migrated")
	}

	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return stores{}, fmt.Errorf("db pool: %w", err)
	}
	a.pool = pool

	accounts, err := identity.NewPostgresStore(pool)
	if err != nil {
		a.closePool()
		return stores{}, err
	}
	a.log.Info("db.enabled.postgres_store")
	return stores{
		accounts: accounts,
		sessions: session.NewPostgresStore(pool),
		devices:  device.NewPostgresStore(pool),
		audit:    audit.NewPostgresRecorder(pool, a.log),
	}, nil
}

func (a *App) routes(h *api.Handler, trustProxy bool) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	if trustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(chimw.Recoverer)
	r.Use(requestLogging(a.log, a.metrics))
	r.Use(securityHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           600,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get("/readyz", a.handleReady)
	if a.metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.metrics.Handler())
	}

	h.Mount(r)
	return r
}

func (a *App) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.cfg.ReadinessRequireDB && a.pool == nil {
		http.Error(w, "db not configured", http.StatusServiceUnavailable)
		return
	}
	if a.pool != nil {
		if err := PingDB(r.Context(), a.pool, 2*time.Second); err != nil {
			a.log.Info("readyz.db.not_ready", "err", err)
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}

// Handler exposes the routed handler, mainly for tests.
func (a *App) Handler() http.Handler { return a.handler }

// Run starts the reaper and the HTTP server and blocks until ctx is cancelled
// or the server fails.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.reaper.Start(ctx, a.sweep)
	defer a.reaper.Stop()
	defer a.closePool()

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.pool != nil)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	a.log.Info("server.stopped")
	return nil
}

func (a *App) closePool() {
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
