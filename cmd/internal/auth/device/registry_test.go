package device

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"agora/cmd/internal/auth/session"
	"agora/cmd/security/token"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	ctx      context.Context
	clock    *fakeClock
	sessions *session.Service
	devices  *MemoryStore
	reg      *Registry
	events   []RevokeEvent
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ctx:     context.Background(),
		clock:   &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		devices: NewMemoryStore(),
	}
	codec := token.NewWithSigner(nil, bytes.Repeat([]byte("k"), 32), token.MinRefreshBytes)
	f.sessions = session.NewService(session.NewMemoryStore(), codec, session.WithClock(f.clock.Now))
	f.reg = NewRegistry(f.devices, f.sessions,
		WithClock(f.clock.Now),
		WithRevokeHook(func(ev RevokeEvent) { f.events = append(f.events, ev) }),
	)
	return f
}

func (f *fixture) login(t *testing.T, deviceID, accountID string) session.Issued {
	t.Helper()
	iss, err := f.sessions.Create(f.ctx, accountID, session.Meta{DeviceID: deviceID})
	if err != nil {
		t.Fatalf("Create session: %v", err)
	}
	if err := f.reg.LinkSession(f.ctx, deviceID, accountID, iss.SessionID); err != nil {
		t.Fatalf("LinkSession: %v", err)
	}
	return iss
}

func TestEnsureDevice(t *testing.T) {
	f := newFixture(t)

	id, err := f.reg.EnsureDevice(f.ctx, "")
	if err != nil {
		t.Fatalf("EnsureDevice: %v", err)
	}
	if !ValidID(id) {
		t.Fatalf("minted id %q is not a valid device id", id)
	}

	again, err := f.reg.EnsureDevice(f.ctx, id)
	if err != nil {
		t.Fatalf("EnsureDevice again: %v", err)
	}
	if again != id {
		t.Fatalf("existing id must be kept: %q != %q", again, id)
	}

	other, err := f.reg.EnsureDevice(f.ctx, "not-a-uuid")
	if err != nil {
		t.Fatalf("EnsureDevice malformed: %v", err)
	}
	if other == "not-a-uuid" || !ValidID(other) {
		t.Fatalf("malformed id should be replaced, got %q", other)
	}
}

func TestLinkSession_Idempotent(t *testing.T) {
	f := newFixture(t)
	id, _ := f.reg.EnsureDevice(f.ctx, "")

	for range 3 {
		if err := f.reg.LinkSession(f.ctx, id, "acct-a", "sess-1"); err != nil {
			t.Fatalf("LinkSession: %v", err)
		}
	}
	d, err := f.reg.Get(f.ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(d.Links) != 1 {
		t.Fatalf("expected 1 link, got %d", len(d.Links))
	}

	if err := f.reg.UnlinkSession(f.ctx, id, "acct-a", "sess-1"); err != nil {
		t.Fatalf("UnlinkSession: %v", err)
	}
	if err := f.reg.UnlinkSession(f.ctx, id, "acct-a", "sess-1"); err != nil {
		t.Fatalf("UnlinkSession twice: %v", err)
	}
	if err := f.reg.UnlinkSession(f.ctx, "unknown", "acct-a", "sess-1"); err != nil {
		t.Fatalf("UnlinkSession unknown device: %v", err)
	}
}

func TestLinkSession_RefreshesLastActivity(t *testing.T) {
	f := newFixture(t)
	threshold := 30 * 24 * time.Hour
	id, _ := f.reg.EnsureDevice(f.ctx, "")

	f.clock.Advance(threshold + 24*time.Hour)
	if inactive, _ := f.reg.IsInactive(f.ctx, id, threshold); !inactive {
		t.Fatalf("silent device should be inactive before linking")
	}

	for range 2 {
		if err := f.reg.LinkSession(f.ctx, id, "acct-a", "sess-1"); err != nil {
			t.Fatalf("LinkSession: %v", err)
		}
		d, err := f.reg.Get(f.ctx, id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !d.LastActivity.Equal(f.clock.Now()) {
			t.Fatalf("last activity = %v, want %v", d.LastActivity, f.clock.Now())
		}
		if inactive, _ := f.reg.IsInactive(f.ctx, id, threshold); inactive {
			t.Fatalf("device must be active right after a link")
		}
		f.clock.Advance(time.Hour)
	}
}

func TestLinkSession_UnknownDevice(t *testing.T) {
	f := newFixture(t)
	err := f.reg.LinkSession(f.ctx, "missing", "acct-a", "sess-1")
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
}

func TestIsInactive(t *testing.T) {
	f := newFixture(t)
	threshold := 30 * 24 * time.Hour

	inactive, err := f.reg.IsInactive(f.ctx, "never-seen", threshold)
	if err != nil || inactive {
		t.Fatalf("unknown device: inactive=%v err=%v", inactive, err)
	}

	id, _ := f.reg.EnsureDevice(f.ctx, "")
	f.clock.Advance(threshold)
	if inactive, _ := f.reg.IsInactive(f.ctx, id, threshold); inactive {
		t.Fatalf("device exactly at threshold must still be active")
	}
	f.clock.Advance(time.Second)
	if inactive, _ := f.reg.IsInactive(f.ctx, id, threshold); !inactive {
		t.Fatalf("device past threshold must be inactive")
	}

	known, err := f.reg.RecordActivity(f.ctx, id)
	if err != nil || !known {
		t.Fatalf("RecordActivity: known=%v err=%v", known, err)
	}
	if inactive, _ := f.reg.IsInactive(f.ctx, id, threshold); inactive {
		t.Fatalf("activity should reset inactivity")
	}
}

func TestRecordActivity_Monotonic(t *testing.T) {
	f := newFixture(t)
	id, _ := f.reg.EnsureDevice(f.ctx, "")
	f.clock.Advance(time.Hour)
	if _, err := f.reg.RecordActivity(f.ctx, id); err != nil {
		t.Fatalf("RecordActivity: %v", err)
	}
	latest := f.clock.Now()

	if _, err := f.devices.Touch(f.ctx, id, latest.Add(-time.Minute)); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	d, _ := f.reg.Get(f.ctx, id)
	if !d.LastActivity.Equal(latest) {
		t.Fatalf("last activity moved backwards: %v", d.LastActivity)
	}

	known, err := f.reg.RecordActivity(f.ctx, "nope")
	if err != nil || known {
		t.Fatalf("unknown device: known=%v err=%v", known, err)
	}
}

func TestRevokeDevice_CascadesAcrossAccounts(t *testing.T) {
	f := newFixture(t)
	id, _ := f.reg.EnsureDevice(f.ctx, "")
	a := f.login(t, id, "acct-a")
	b := f.login(t, id, "acct-b")

	elsewhere, err := f.sessions.Create(f.ctx, "acct-a", session.Meta{DeviceID: "other"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	outcomes, err := f.reg.RevokeDevice(f.ctx, id, session.ReasonDeviceRevoked)
	if err != nil {
		t.Fatalf("RevokeDevice: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(outcomes))
	}
	for _, o := range outcomes {
		if !o.Found || !o.Changed {
			t.Fatalf("unexpected outcome %+v", o)
		}
	}

	for _, raw := range []string{a.Secret, b.Secret} {
		if _, err := f.sessions.RotateByToken(f.ctx, raw); !errors.Is(err, session.ErrRefreshInvalid) {
			t.Fatalf("revoked session still rotates: %v", err)
		}
	}
	if _, err := f.sessions.RotateByToken(f.ctx, elsewhere.Secret); err != nil {
		t.Fatalf("session on another device must survive: %v", err)
	}

	d, _ := f.reg.Get(f.ctx, id)
	if len(d.Links) != 0 {
		t.Fatalf("links should be cleared, got %v", d.Links)
	}
	if len(f.events) != 1 || f.events[0].DeviceID != id {
		t.Fatalf("expected one revoke event, got %+v", f.events)
	}

	again, err := f.reg.RevokeDevice(f.ctx, id, session.ReasonDeviceRevoked)
	if err != nil || len(again) != 0 {
		t.Fatalf("second revoke: outcomes=%v err=%v", again, err)
	}

	if out, err := f.reg.RevokeDevice(f.ctx, "unknown", session.ReasonDeviceRevoked); err != nil || out != nil {
		t.Fatalf("unknown device: outcomes=%v err=%v", out, err)
	}
}

type failingRevoker struct{}

func (failingRevoker) RevokeByID(context.Context, string, string, string) (session.RevokeResult, error) {
	return session.RevokeResult{}, errors.New("db down")
}

func TestRevokeDevice_FailureKeepsLinks(t *testing.T) {
	store := NewMemoryStore()
	reg := NewRegistry(store, failingRevoker{})
	ctx := context.Background()

	id, _ := reg.EnsureDevice(ctx, "")
	if err := reg.LinkSession(ctx, id, "acct-a", "sess-1"); err != nil {
		t.Fatalf("LinkSession: %v", err)
	}
	if _, err := reg.RevokeDevice(ctx, id, session.ReasonDeviceRevoked); err == nil {
		t.Fatalf("expected error")
	}
	d, _ := reg.Get(ctx, id)
	if len(d.Links) != 1 {
		t.Fatalf("links must survive a failed revoke, got %v", d.Links)
	}
}

func TestRevokeIfInactive(t *testing.T) {
	f := newFixture(t)
	threshold := time.Hour
	id, _ := f.reg.EnsureDevice(f.ctx, "")
	iss := f.login(t, id, "acct-a")

	revoked, _, err := f.reg.RevokeIfInactive(f.ctx, id, threshold)
	if err != nil || revoked {
		t.Fatalf("active device: revoked=%v err=%v", revoked, err)
	}

	f.clock.Advance(2 * threshold)
	revoked, outcomes, err := f.reg.RevokeIfInactive(f.ctx, id, threshold)
	if err != nil || !revoked {
		t.Fatalf("inactive device: revoked=%v err=%v", revoked, err)
	}
	if len(outcomes) != 1 || outcomes[0].Link.SessionID != iss.SessionID {
		t.Fatalf("unexpected outcomes %+v", outcomes)
	}
	sessions, _ := f.sessions.List(f.ctx, "acct-a")
	if len(sessions) != 1 || sessions[0].RevokedReason != session.ReasonDeviceInactive {
		t.Fatalf("session should be revoked for inactivity: %+v", sessions)
	}
	if inactive, _ := f.reg.IsInactive(f.ctx, id, threshold); inactive {
		t.Fatalf("revocation should bump last activity")
	}
}

func TestRevokeAccountOnDevice(t *testing.T) {
	f := newFixture(t)
	id, _ := f.reg.EnsureDevice(f.ctx, "")
	f.login(t, id, "acct-a")
	b := f.login(t, id, "acct-b")

	if _, err := f.reg.RevokeAccountOnDevice(f.ctx, id, "acct-c", session.ReasonDeviceRevoked); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if _, err := f.reg.RevokeAccountOnDevice(f.ctx, "missing", "acct-a", session.ReasonDeviceRevoked); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner for unknown device, got %v", err)
	}

	outcomes, err := f.reg.RevokeAccountOnDevice(f.ctx, id, "acct-a", session.ReasonDeviceRevoked)
	if err != nil {
		t.Fatalf("RevokeAccountOnDevice: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Link.AccountID != "acct-a" {
		t.Fatalf("unexpected outcomes %+v", outcomes)
	}
	if _, err := f.sessions.RotateByToken(f.ctx, b.Secret); err != nil {
		t.Fatalf("other account's session must survive: %v", err)
	}
	d, _ := f.reg.Get(f.ctx, id)
	if got := d.AccountIDs(); len(got) != 1 || got[0] != "acct-b" {
		t.Fatalf("remaining accounts = %v", got)
	}
}

func TestIdleSince(t *testing.T) {
	f := newFixture(t)
	old, _ := f.reg.EnsureDevice(f.ctx, "")
	f.clock.Advance(2 * time.Hour)
	fresh, _ := f.reg.EnsureDevice(f.ctx, "")

	ids, err := f.reg.IdleSince(f.ctx, time.Hour)
	if err != nil {
		t.Fatalf("IdleSince: %v", err)
	}
	if len(ids) != 1 || ids[0] != old {
		t.Fatalf("idle = %v, want [%s] (fresh %s)", ids, old, fresh)
	}
}
