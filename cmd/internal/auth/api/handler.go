// Package api exposes the account, session and device operations over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"agora/cmd/identity"
	"agora/cmd/internal/auth/audit"
	"agora/cmd/internal/auth/authcookie"
	"agora/cmd/internal/auth/device"
	"agora/cmd/internal/auth/gate"
	"agora/cmd/internal/auth/session"
	"agora/cmd/internal/observability/metrics"
	"agora/cmd/security/token"
)

var validate = validator.New()

// AccessMinter issues access tokens for authenticated accounts.
type AccessMinter interface {
	MintAccess(id token.Identity, now time.Time) (string, time.Time, error)
}

// SessionNotifier tells connected clients that a session ended.
type SessionNotifier interface {
	SessionRevoked(deviceID, accountID, sessionID, reason string)
}

// Deps are the services behind the handlers. Audit, Metrics, Notifier,
// Events and Now are optional.
type Deps struct {
	Credentials *identity.Credentials
	Sessions    *session.Service
	Devices     *device.Registry
	Tokens      AccessMinter
	Gate        *gate.Gate
	Cookies     *authcookie.Jar

	InactivityThreshold time.Duration

	Audit    audit.Recorder
	Metrics  *metrics.Metrics
	Notifier SessionNotifier
	Events   http.Handler
	Log      *slog.Logger
	Now      func() time.Time
}

// Handler serves the auth routes.
type Handler struct {
	cfg Config
	Deps
}

func NewHandler(cfg Config, deps Deps) (*Handler, error) {
	switch {
	case deps.Credentials == nil, deps.Sessions == nil, deps.Devices == nil:
		return nil, errors.New("api: credentials, sessions and devices are required")
	case deps.Tokens == nil, deps.Gate == nil, deps.Cookies == nil:
		return nil, errors.New("api: tokens, gate and cookies are required")
	case deps.InactivityThreshold <= 0:
		return nil, errors.New("api: inactivity threshold must be positive")
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Audit == nil {
		deps.Audit = audit.Nop{}
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	return &Handler{cfg: cfg, Deps: deps}, nil
}

// Mount registers the routes on r.
func (h *Handler) Mount(r chi.Router) {
	credLimit := limitByIP(h.cfg.LoginRateMax, h.cfg.LoginRateWindow)
	refreshLimit := limitByIP(h.cfg.RefreshRateMax, h.cfg.RefreshRateWindow)

	r.With(credLimit).Post("/register", h.handleRegister)
	r.With(credLimit).Post("/login", h.handleLogin)
	r.With(refreshLimit).Post("/token/refresh", h.handleRefresh)
	r.Post("/logout", h.handleLogout)
	r.Get("/device/accounts", h.handleDeviceAccounts)

	r.Group(func(pr chi.Router) {
		pr.Use(h.Gate.Require)
		pr.Post("/logout-all", h.handleLogoutAll)
		pr.Get("/me", h.handleMe)
		pr.Get("/sessions", h.handleListSessions)
		pr.Post("/sessions/revoke/{id}", h.handleRevokeSession)
		pr.Post("/sessions/revoke-device/{deviceId}", h.handleRevokeDevice)
		if h.Events != nil {
			pr.Get("/ws/session-events", h.Events.ServeHTTP)
		}
	})
}

func limitByIP(max int, window time.Duration) func(http.Handler) http.Handler {
	if max <= 0 || window <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(max, window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many attempts")
		}),
	)
}

// revokedSessions unlinks and announces sessions that were just revoked.
// Failures are logged; the revocation itself has already been persisted.
func (h *Handler) revokedSessions(ctx context.Context, sessions []session.Session, reason string) {
	for _, s := range sessions {
		if s.Meta.DeviceID == "" {
			continue
		}
		if err := h.Devices.UnlinkSession(ctx, s.Meta.DeviceID, s.AccountID, s.ID); err != nil {
			h.Log.Warn("auth.unlink.fail", "err", err, "device_id", s.Meta.DeviceID, "session_id", s.ID)
		}
		if h.Notifier != nil {
			h.Notifier.SessionRevoked(s.Meta.DeviceID, s.AccountID, s.ID, reason)
		}
	}
	h.Metrics.Revoked(reason, len(sessions))
}
