package session

import (
	"context"
	"time"
)

// Revocation reasons recorded on sessions.
const (
	ReasonLogout         = "logout"
	ReasonLogoutAll      = "logout_all"
	ReasonUserRevoked    = "user_revoked"
	ReasonDeviceRevoked  = "device_revoked"
	ReasonDeviceInactive = "device_inactive"
)

// Meta is client context captured at session creation.
type Meta struct {
	DeviceID  string
	UserAgent string
	IP        string
}

// Session mirrors the agora.sessions row.
type Session struct {
	ID                string
	AccountID         string
	TokenHash         string
	PreviousTokenHash string

	CreatedAt  time.Time
	LastUsedAt time.Time
	ExpiresAt  *time.Time

	Revoked       bool
	RevokedAt     *time.Time
	RevokedReason string

	Meta Meta
}

// Usable reports whether the session can still be rotated at now.
func (s Session) Usable(now time.Time) bool {
	if s.Revoked {
		return false
	}
	return s.ExpiresAt == nil || now.Before(*s.ExpiresAt)
}

func (s Session) clone() Session {
	if s.ExpiresAt != nil {
		v := *s.ExpiresAt
		s.ExpiresAt = &v
	}
	if s.RevokedAt != nil {
		v := *s.RevokedAt
		s.RevokedAt = &v
	}
	return s
}

// MutateFunc receives a private copy of the account's sessions and returns
// the sessions it created or changed. Returning an error discards everything.
type MutateFunc func(sessions []Session) (dirty []Session, err error)

// Store persists sessions grouped by account.
//
// Mutate must give fn exclusive access to the account's sessions for its
// whole duration and persist the dirty set atomically.
type Store interface {
	Mutate(ctx context.Context, accountID string, fn MutateFunc) error

	// List returns the account's sessions ordered by creation time.
	List(ctx context.Context, accountID string) ([]Session, error)

	// Locate returns the account owning hash as a current or previous token hash.
	Locate(ctx context.Context, hash string) (accountID string, err error)
}
