// Package audit records security-relevant auth events.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	ActionRegister       = "auth.register"
	ActionLoginSuccess   = "auth.login.success"
	ActionLoginFailed    = "auth.login.failed"
	ActionRefreshSuccess = "auth.refresh.success"
	ActionRefreshFailed  = "auth.refresh.failed"
	ActionRefreshReuse   = "auth.refresh.reuse_suspected"
	ActionLogout         = "auth.logout"
	ActionLogoutAll      = "auth.logout_all"
	ActionSessionRevoked = "auth.session.revoked"
	ActionDeviceRevoked  = "auth.device.revoked"
	ActionDeviceInactive = "auth.device.inactive"
)

type Event struct {
	Action    string
	AccountID string
	SessionID string
	DeviceID  string
	IP        string
	UserAgent string
	Meta      map[string]any
}

// Recorder persists events. Recording is best effort: failures are logged, never returned.
type Recorder interface {
	Record(ctx context.Context, ev Event)
}

// PostgresRecorder appends events to agora.audit_log.
type PostgresRecorder struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

func NewPostgresRecorder(pool *pgxpool.Pool, log *slog.Logger) *PostgresRecorder {
	if log == nil {
		log = slog.Default()
	}
	return &PostgresRecorder{pool: pool, log: log}
}

func (p *PostgresRecorder) Record(ctx context.Context, ev Event) {
	if p == nil || p.pool == nil {
		return
	}
	action := strings.TrimSpace(ev.Action)
	if action == "" {
		return
	}

	var meta *string
	if len(ev.Meta) > 0 {
		if b, err := json.Marshal(ev.Meta); err == nil {
			s := string(b)
			meta = &s
		}
	}

	_, err := p.pool.Exec(ctx, `
		INSERT INTO agora.audit_log (
			account_id, session_id, device_id, action, created_at, ip, user_agent, meta
		) VALUES ($1, $2, $3, $4, now(), $5, $6, $7::jsonb)
	`, trimOrNil(ev.AccountID), trimOrNil(ev.SessionID), trimOrNil(ev.DeviceID), action,
		trimOrNil(ev.IP), trimOrNil(ev.UserAgent), meta)
	if err != nil {
		p.log.Error("auth.audit.insert.fail", "err", err, "action", action)
	}
}

// LogRecorder writes events to a structured logger. Used when no database is configured.
type LogRecorder struct {
	log *slog.Logger
}

func NewLogRecorder(log *slog.Logger) *LogRecorder {
	if log == nil {
		log = slog.Default()
	}
	return &LogRecorder{log: log}
}

func (l *LogRecorder) Record(ctx context.Context, ev Event) {
	attrs := []any{"action", ev.Action}
	for _, kv := range [][2]string{
		{"account_id", ev.AccountID},
		{"session_id", ev.SessionID},
		{"device_id", ev.DeviceID},
		{"ip", ev.IP},
		{"user_agent", ev.UserAgent},
	} {
		if kv[1] != "" {
			attrs = append(attrs, kv[0], kv[1])
		}
	}
	if len(ev.Meta) > 0 {
		attrs = append(attrs, "meta", ev.Meta)
	}
	l.log.InfoContext(ctx, "audit", attrs...)
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}

func trimOrNil(s string) any {
	v := strings.TrimSpace(s)
	if v == "" {
		return nil
	}
	return v
}
