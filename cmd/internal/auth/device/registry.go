package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"agora/cmd/internal/auth/session"
)

// SessionRevoker is the slice of the session store the registry needs.
type SessionRevoker interface {
	RevokeByID(ctx context.Context, accountID, sessionID, reason string) (session.RevokeResult, error)
}

// RevokeOutcome reports what happened to one linked session.
type RevokeOutcome struct {
	Link    Link
	Found   bool
	Changed bool
}

// RevokeEvent is delivered to hooks after a device revocation has been persisted.
type RevokeEvent struct {
	DeviceID string
	Reason   string
	Outcomes []RevokeOutcome
}

// Registry implements the device operations.
type Registry struct {
	store    Store
	sessions SessionRevoker
	now      func() time.Time
	log      *slog.Logger
	hooks    []func(RevokeEvent)
}

// Option customizes a Registry.
type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

// WithRevokeHook registers fn to run after every persisted device revocation.
// Hooks run synchronously and must not block.
func WithRevokeHook(fn func(RevokeEvent)) Option {
	return func(r *Registry) {
		if fn != nil {
			r.hooks = append(r.hooks, fn)
		}
	}
}

func NewRegistry(store Store, sessions SessionRevoker, opts ...Option) *Registry {
	r := &Registry{
		store:    store,
		sessions: sessions,
		now:      func() time.Time { return time.Now().UTC() },
		log:      slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// ValidID reports whether id has the shape of a device id minted by EnsureDevice.
func ValidID(id string) bool {
	u, err := uuid.Parse(id)
	return err == nil && u.Version() == 4 && u.String() == id
}

// EnsureDevice returns id after making sure its record exists. An empty or
// malformed id is replaced by a freshly minted one. Repeated calls are no-ops.
func (r *Registry) EnsureDevice(ctx context.Context, id string) (string, error) {
	if !ValidID(id) {
		id = uuid.NewString()
	}
	now := r.now()
	created, err := r.store.Create(ctx, Device{ID: id, CreatedAt: now, LastActivity: now})
	if err != nil {
		return "", fmt.Errorf("ensure device: %w", err)
	}
	if created {
		r.log.Debug("device.created", "device_id", id)
	}
	return id, nil
}

// Get returns the device record.
func (r *Registry) Get(ctx context.Context, id string) (Device, error) {
	return r.store.Get(ctx, id)
}

// Known reports whether id has a record.
func (r *Registry) Known(ctx context.Context, id string) (bool, error) {
	_, err := r.store.Get(ctx, id)
	if errors.Is(err, ErrDeviceNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// LinkSession records that sessionID of accountID lives on the device and
// marks the device as seen now. Linking twice adds no second link.
func (r *Registry) LinkSession(ctx context.Context, deviceID, accountID, sessionID string) error {
	l := Link{AccountID: accountID, SessionID: sessionID}
	err := r.store.Mutate(ctx, deviceID, func(_ context.Context, d *Device) (bool, error) {
		if !slices.Contains(d.Links, l) {
			d.Links = append(d.Links, l)
		}
		d.LastActivity = r.now()
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("link session: %w", err)
	}
	return nil
}

// UnlinkSession removes the link if present. Unknown devices are ignored.
func (r *Registry) UnlinkSession(ctx context.Context, deviceID, accountID, sessionID string) error {
	l := Link{AccountID: accountID, SessionID: sessionID}
	err := r.store.Mutate(ctx, deviceID, func(_ context.Context, d *Device) (bool, error) {
		i := slices.Index(d.Links, l)
		if i < 0 {
			return false, nil
		}
		d.Links = slices.Delete(d.Links, i, i+1)
		return true, nil
	})
	if err != nil && !errors.Is(err, ErrDeviceNotFound) {
		return fmt.Errorf("unlink session: %w", err)
	}
	return nil
}

// RecordActivity marks the device as seen now. It reports false for unknown devices.
func (r *Registry) RecordActivity(ctx context.Context, id string) (bool, error) {
	found, err := r.store.Touch(ctx, id, r.now())
	if err != nil {
		return false, fmt.Errorf("record activity: %w", err)
	}
	return found, nil
}

// IsInactive reports whether the device has been silent for longer than threshold.
// Unknown devices are not inactive.
func (r *Registry) IsInactive(ctx context.Context, id string, threshold time.Duration) (bool, error) {
	d, err := r.store.Get(ctx, id)
	if errors.Is(err, ErrDeviceNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is inactive: %w", err)
	}
	return inactive(d, r.now(), threshold), nil
}

func inactive(d Device, now time.Time, threshold time.Duration) bool {
	return now.Sub(d.LastActivity) > threshold
}

// RevokeDevice revokes every linked session, then clears the links and bumps
// LastActivity. If any revocation fails nothing is cleared and the error is returned.
func (r *Registry) RevokeDevice(ctx context.Context, id, reason string) ([]RevokeOutcome, error) {
	var outcomes []RevokeOutcome
	err := r.store.Mutate(ctx, id, func(ctx context.Context, d *Device) (bool, error) {
		var err error
		outcomes, err = r.revokeLinks(ctx, d.Links, reason)
		if err != nil {
			return false, err
		}
		d.Links = nil
		d.LastActivity = r.now()
		return true, nil
	})
	if errors.Is(err, ErrDeviceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("revoke device %s: %w", id, err)
	}
	r.emit(RevokeEvent{DeviceID: id, Reason: reason, Outcomes: outcomes})
	return outcomes, nil
}

// RevokeIfInactive re-checks inactivity under the device lock and revokes only
// if the device is still past threshold.
func (r *Registry) RevokeIfInactive(ctx context.Context, id string, threshold time.Duration) (bool, []RevokeOutcome, error) {
	var (
		revoked  bool
		outcomes []RevokeOutcome
	)
	err := r.store.Mutate(ctx, id, func(ctx context.Context, d *Device) (bool, error) {
		now := r.now()
		if !inactive(*d, now, threshold) {
			return false, nil
		}
		var err error
		outcomes, err = r.revokeLinks(ctx, d.Links, session.ReasonDeviceInactive)
		if err != nil {
			return false, err
		}
		d.Links = nil
		d.LastActivity = now
		revoked = true
		return true, nil
	})
	if errors.Is(err, ErrDeviceNotFound) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("revoke inactive device %s: %w", id, err)
	}
	if revoked {
		r.emit(RevokeEvent{DeviceID: id, Reason: session.ReasonDeviceInactive, Outcomes: outcomes})
	}
	return revoked, outcomes, nil
}

// RevokeAccountOnDevice revokes only accountID's sessions on the device.
// It returns ErrNotOwner when the account has no link there.
func (r *Registry) RevokeAccountOnDevice(ctx context.Context, id, accountID, reason string) ([]RevokeOutcome, error) {
	var outcomes []RevokeOutcome
	err := r.store.Mutate(ctx, id, func(ctx context.Context, d *Device) (bool, error) {
		if !d.HasAccount(accountID) {
			return false, ErrNotOwner
		}
		var mine, rest []Link
		for _, l := range d.Links {
			if l.AccountID == accountID {
				mine = append(mine, l)
			} else {
				rest = append(rest, l)
			}
		}
		var err error
		outcomes, err = r.revokeLinks(ctx, mine, reason)
		if err != nil {
			return false, err
		}
		d.Links = rest
		return true, nil
	})
	if errors.Is(err, ErrDeviceNotFound) {
		return nil, ErrNotOwner
	}
	if err != nil {
		if errors.Is(err, ErrNotOwner) {
			return nil, err
		}
		return nil, fmt.Errorf("revoke account on device %s: %w", id, err)
	}
	r.emit(RevokeEvent{DeviceID: id, Reason: reason, Outcomes: outcomes})
	return outcomes, nil
}

func (r *Registry) revokeLinks(ctx context.Context, links []Link, reason string) ([]RevokeOutcome, error) {
	outcomes := make([]RevokeOutcome, 0, len(links))
	for _, l := range links {
		res, err := r.sessions.RevokeByID(ctx, l.AccountID, l.SessionID, reason)
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, RevokeOutcome{Link: l, Found: res.Found, Changed: res.Changed})
	}
	return outcomes, nil
}

func (r *Registry) emit(ev RevokeEvent) {
	for _, h := range r.hooks {
		h(ev)
	}
}

// IdleSince lists devices that have been silent for longer than threshold.
func (r *Registry) IdleSince(ctx context.Context, threshold time.Duration) ([]string, error) {
	ids, err := r.store.ListIdleSince(ctx, r.now().Add(-threshold))
	if err != nil {
		return nil, fmt.Errorf("list idle devices: %w", err)
	}
	return ids, nil
}
