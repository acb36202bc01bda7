// Package gate authenticates incoming requests: it verifies the access token,
// enforces device inactivity and exposes the caller's identity to handlers.
package gate

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"agora/cmd/internal/auth/authcookie"
	"agora/cmd/internal/auth/device"
	"agora/cmd/internal/auth/session"
	"agora/cmd/internal/observability/metrics"
	"agora/cmd/internal/platform/httpjson"
	"agora/cmd/security/token"
)

// State is the terminal outcome of a gate check.
type State string

const (
	StateNoToken        State = "no_token"
	StateTokenInvalid   State = "token_invalid"
	StateDeviceInactive State = "device_inactive"
	StateDeviceUnknown  State = "device_unknown"
	StateAuthenticated  State = "authenticated"
)

// Result of Check. Identity is set only when State is StateAuthenticated.
type Result struct {
	State    State
	Identity token.Identity
	DeviceID string
	// Expired is set when the token failed only because it expired.
	Expired bool
}

func (r Result) Authenticated() bool { return r.State == StateAuthenticated }

type AccessVerifier interface {
	VerifyAccess(tok string, now time.Time) (token.AccessClaims, error)
}

type Devices interface {
	Known(ctx context.Context, id string) (bool, error)
	IsInactive(ctx context.Context, id string, threshold time.Duration) (bool, error)
	RecordActivity(ctx context.Context, id string) (bool, error)
	RevokeIfInactive(ctx context.Context, id string, threshold time.Duration) (bool, []device.RevokeOutcome, error)
}

type Config struct {
	InactivityThreshold time.Duration
	// FailClosed rejects device ids the registry has never seen.
	FailClosed bool
}

type Gate struct {
	cfg     Config
	tokens  AccessVerifier
	devices Devices
	cookies *authcookie.Jar
	now     func() time.Time
	log     *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Gate)

func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(g *Gate) {
		if log != nil {
			g.log = log
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

func New(cfg Config, tokens AccessVerifier, devices Devices, cookies *authcookie.Jar, opts ...Option) *Gate {
	g := &Gate{
		cfg:     cfg,
		tokens:  tokens,
		devices: devices,
		cookies: cookies,
		now:     func() time.Time { return time.Now().UTC() },
		log:     slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Check runs the gate state machine. A non-nil error means a persistence
// failure; authentication failures are reported through Result.State.
func (g *Gate) Check(ctx context.Context, accessToken, deviceID string) (Result, error) {
	res := Result{DeviceID: deviceID}

	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		res.State = StateNoToken
		return res, nil
	}

	claims, err := g.tokens.VerifyAccess(accessToken, g.now())
	if err != nil {
		res.State = StateTokenInvalid
		res.Expired = errors.Is(err, token.ErrTokenExpired)
		return res, nil
	}

	if deviceID == "" {
		res.State = StateAuthenticated
		res.Identity = claims.Identity
		return res, nil
	}

	if g.cfg.FailClosed {
		known, err := g.devices.Known(ctx, deviceID)
		if err != nil {
			return Result{}, err
		}
		if !known {
			res.State = StateDeviceUnknown
			return res, nil
		}
	}

	inactive, err := g.devices.IsInactive(ctx, deviceID, g.cfg.InactivityThreshold)
	if err != nil {
		return Result{}, err
	}
	if inactive {
		// Re-checked under the device lock; a concurrent request may have just refreshed it.
		revoked, outcomes, err := g.devices.RevokeIfInactive(ctx, deviceID, g.cfg.InactivityThreshold)
		if err != nil {
			return Result{}, err
		}
		inactive = revoked
		g.metrics.Revoked(session.ReasonDeviceInactive, len(outcomes))
	}
	if inactive {
		g.log.Info("gate.device.inactive", "device_id", deviceID, "account_id", claims.AccountID)
		res.State = StateDeviceInactive
		return res, nil
	}

	if _, err := g.devices.RecordActivity(ctx, deviceID); err != nil {
		return Result{}, err
	}
	res.State = StateAuthenticated
	res.Identity = claims.Identity
	return res, nil
}

// AccessToken returns the token from the access cookie, falling back to a
// Bearer Authorization header.
func (g *Gate) AccessToken(r *http.Request) string {
	if v, ok := g.cookies.Access(r); ok {
		return v
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// Require is middleware that admits only authenticated requests.
func (g *Gate) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deviceID, _ := g.cookies.Device(r)
		res, err := g.Check(r.Context(), g.AccessToken(r), deviceID)
		if err != nil {
			g.log.Error("gate.check.failed", "err", err, "device_id", deviceID, "path", r.URL.Path)
			g.metrics.Gate("error")
			httpjson.Error(w, http.StatusInternalServerError, "server_error", "internal error")
			return
		}
		g.metrics.Gate(string(res.State))

		switch res.State {
		case StateAuthenticated:
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), res.Identity)))
		case StateDeviceInactive, StateDeviceUnknown:
			g.cookies.ClearAuth(w)
			httpjson.Error(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
		default:
			httpjson.Error(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
		}
	})
}

type ctxKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id token.Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// IdentityFrom returns the identity stored by Require.
func IdentityFrom(ctx context.Context) (token.Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(token.Identity)
	return id, ok && id.AccountID != ""
}
