package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"agora/cmd/security/token"
)

// SecretCodec mints refresh secrets and hashes them for storage.
type SecretCodec interface {
	MintRefreshSecret() (string, error)
	HashRefreshSecret(raw string) string
}

// Issued is the outcome of creating or rotating a session. Secret is shown to
// the client exactly once.
type Issued struct {
	SessionID string
	AccountID string
	Secret    string
	ExpiresAt *time.Time
	DeviceID  string
}

// RevokeResult reports what a revoke-by-id found.
type RevokeResult struct {
	Found   bool
	Changed bool
	Session Session
}

// Service implements the session operations on top of a Store.
type Service struct {
	store Store
	codec SecretCodec
	ttl   time.Duration
	now   func() time.Time
	log   *slog.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger used for security-relevant events.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithSessionTTL gives new and rotated sessions a sliding expiry.
func WithSessionTTL(ttl time.Duration) Option {
	return func(s *Service) { s.ttl = ttl }
}

// NewService constructs a Service.
func NewService(store Store, codec SecretCodec, opts ...Option) *Service {
	s := &Service{
		store: store,
		codec: codec,
		now:   func() time.Time { return time.Now().UTC() },
		log:   slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Service) expiry(now time.Time) *time.Time {
	if s.ttl <= 0 {
		return nil
	}
	exp := now.Add(s.ttl)
	return &exp
}

// Create starts a new session for accountID and returns its raw secret.
func (s *Service) Create(ctx context.Context, accountID string, meta Meta) (Issued, error) {
	if accountID == "" {
		return Issued{}, ErrUnknownAccount
	}
	raw, err := s.codec.MintRefreshSecret()
	if err != nil {
		return Issued{}, err
	}
	hash := s.codec.HashRefreshSecret(raw)
	now := s.now()

	sess := Session{
		ID:         ulid.Make().String(),
		AccountID:  accountID,
		TokenHash:  hash,
		CreatedAt:  now,
		LastUsedAt: now,
		ExpiresAt:  s.expiry(now),
		Meta:       meta,
	}

	err = s.store.Mutate(ctx, accountID, func(current []Session) ([]Session, error) {
		for _, c := range current {
			if !c.Revoked && token.EqualHex(c.TokenHash, hash) {
				return nil, ErrHashCollision
			}
		}
		return []Session{sess}, nil
	})
	if err != nil {
		return Issued{}, fmt.Errorf("create session: %w", err)
	}

	return Issued{
		SessionID: sess.ID,
		AccountID: accountID,
		Secret:    raw,
		ExpiresAt: sess.ExpiresAt,
		DeviceID:  meta.DeviceID,
	}, nil
}

// Rotate exchanges raw for a fresh secret on the same session. raw is dead afterwards.
func (s *Service) Rotate(ctx context.Context, accountID, raw string) (Issued, error) {
	hash := s.codec.HashRefreshSecret(raw)
	if hash == "" || accountID == "" {
		return Issued{}, ErrRefreshInvalid
	}

	next, err := s.codec.MintRefreshSecret()
	if err != nil {
		return Issued{}, err
	}
	nextHash := s.codec.HashRefreshSecret(next)

	var out Issued
	err = s.store.Mutate(ctx, accountID, func(current []Session) ([]Session, error) {
		now := s.now()
		idx, err := matchLive(current, hash)
		if err != nil {
			return nil, err
		}
		if idx < 0 {
			if wasRotated(current, hash) {
				return nil, ErrRefreshReused
			}
			return nil, ErrRefreshInvalid
		}

		sess := current[idx]
		if !sess.Usable(now) {
			return nil, ErrRefreshInvalid
		}

		sess.PreviousTokenHash = sess.TokenHash
		sess.TokenHash = nextHash
		sess.LastUsedAt = now
		if exp := s.expiry(now); exp != nil {
			sess.ExpiresAt = exp
		}

		out = Issued{
			SessionID: sess.ID,
			AccountID: accountID,
			Secret:    next,
			ExpiresAt: sess.ExpiresAt,
			DeviceID:  sess.Meta.DeviceID,
		}
		return []Session{sess}, nil
	})
	if err != nil {
		if errors.Is(err, ErrRefreshReused) {
			s.log.Warn("session.rotate.reuse", "account_id", accountID)
		}
		if errors.Is(err, ErrHashCollision) {
			s.log.Error("session.rotate.collision", "account_id", accountID)
		}
		if errors.Is(err, ErrRefreshInvalid) || errors.Is(err, ErrHashCollision) {
			return Issued{}, err
		}
		return Issued{}, fmt.Errorf("rotate session: %w", err)
	}
	return out, nil
}

// RotateByToken resolves the account owning raw and rotates it.
func (s *Service) RotateByToken(ctx context.Context, raw string) (Issued, error) {
	accountID, err := s.locate(ctx, raw)
	if err != nil {
		return Issued{}, err
	}
	return s.Rotate(ctx, accountID, raw)
}

// Lookup returns the live session raw currently belongs to, without changing it.
// A secret that was already rotated away reports ErrRefreshReused.
func (s *Service) Lookup(ctx context.Context, raw string) (Session, error) {
	accountID, err := s.locate(ctx, raw)
	if err != nil {
		return Session{}, err
	}
	sessions, err := s.store.List(ctx, accountID)
	if err != nil {
		return Session{}, fmt.Errorf("lookup session: %w", err)
	}
	hash := s.codec.HashRefreshSecret(raw)
	idx, err := matchLive(sessions, hash)
	if err != nil {
		return Session{}, err
	}
	if idx < 0 {
		if wasRotated(sessions, hash) {
			return Session{}, ErrRefreshReused
		}
		return Session{}, ErrRefreshInvalid
	}
	if !sessions[idx].Usable(s.now()) {
		return Session{}, ErrRefreshInvalid
	}
	return sessions[idx], nil
}

// RevokeByToken revokes every live session whose current hash matches raw and
// returns them. An unknown secret revokes nothing and is not an error.
func (s *Service) RevokeByToken(ctx context.Context, raw, reason string) ([]Session, error) {
	hash := s.codec.HashRefreshSecret(raw)
	if hash == "" {
		return nil, nil
	}
	accountID, err := s.store.Locate(ctx, hash)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("revoke by token: %w", err)
	}

	var revoked []Session
	err = s.store.Mutate(ctx, accountID, func(current []Session) ([]Session, error) {
		now := s.now()
		for _, c := range current {
			if c.Revoked || !token.EqualHex(c.TokenHash, hash) {
				continue
			}
			revoked = append(revoked, markRevoked(c, now, reason))
		}
		return revoked, nil
	})
	if err != nil {
		return nil, fmt.Errorf("revoke by token: %w", err)
	}
	return revoked, nil
}

// RevokeByID revokes one session of accountID. Sessions of other accounts are never found.
func (s *Service) RevokeByID(ctx context.Context, accountID, sessionID, reason string) (RevokeResult, error) {
	var res RevokeResult
	err := s.store.Mutate(ctx, accountID, func(current []Session) ([]Session, error) {
		for _, c := range current {
			if c.ID != sessionID {
				continue
			}
			res.Found = true
			res.Session = c
			if c.Revoked {
				return nil, nil
			}
			res.Changed = true
			res.Session = markRevoked(c, s.now(), reason)
			return []Session{res.Session}, nil
		}
		return nil, nil
	})
	if err != nil {
		if errors.Is(err, ErrUnknownAccount) {
			return RevokeResult{}, nil
		}
		return RevokeResult{}, fmt.Errorf("revoke session %s: %w", sessionID, err)
	}
	return res, nil
}

// RevokeAll revokes every live session of accountID and returns those it changed.
func (s *Service) RevokeAll(ctx context.Context, accountID, reason string) ([]Session, error) {
	var revoked []Session
	err := s.store.Mutate(ctx, accountID, func(current []Session) ([]Session, error) {
		now := s.now()
		for _, c := range current {
			if !c.Revoked {
				revoked = append(revoked, markRevoked(c, now, reason))
			}
		}
		return revoked, nil
	})
	if err != nil {
		return nil, fmt.Errorf("revoke all: %w", err)
	}
	return revoked, nil
}

// List returns all sessions of accountID, revoked ones included.
func (s *Service) List(ctx context.Context, accountID string) ([]Session, error) {
	return s.store.List(ctx, accountID)
}

// HashSecret exposes the storage hash so callers can match a presented secret to a listed session.
func (s *Service) HashSecret(raw string) string {
	return s.codec.HashRefreshSecret(raw)
}

func (s *Service) locate(ctx context.Context, raw string) (string, error) {
	hash := s.codec.HashRefreshSecret(raw)
	if hash == "" {
		return "", ErrRefreshInvalid
	}
	accountID, err := s.store.Locate(ctx, hash)
	if errors.Is(err, ErrSessionNotFound) {
		return "", ErrRefreshInvalid
	}
	if err != nil {
		return "", fmt.Errorf("locate session: %w", err)
	}
	return accountID, nil
}

// matchLive returns the index of the single non-revoked session holding hash, or -1.
func matchLive(sessions []Session, hash string) (int, error) {
	idx := -1
	for i, c := range sessions {
		if c.Revoked || !token.EqualHex(c.TokenHash, hash) {
			continue
		}
		if idx >= 0 {
			return -1, ErrHashCollision
		}
		idx = i
	}
	return idx, nil
}

func wasRotated(sessions []Session, hash string) bool {
	for _, c := range sessions {
		if token.EqualHex(c.PreviousTokenHash, hash) {
			return true
		}
	}
	return false
}

func markRevoked(c Session, now time.Time, reason string) Session {
	c.Revoked = true
	c.RevokedAt = &now
	c.RevokedReason = reason
	return c
}
