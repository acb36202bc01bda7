package session

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agora/cmd/security/token"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)}
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

func newTestService(t *testing.T, opts ...Option) (*Service, *MemoryStore, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	store := NewMemoryStore()
	codec := token.NewWithSigner(nil, bytes.Repeat([]byte("k"), 32), token.MinRefreshBytes)
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewService(store, codec, opts...), store, clock
}

func TestRotate_SingleUse(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	first, err := svc.Create(ctx, "acct-1", Meta{DeviceID: "dev-1"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	second, err := svc.Rotate(ctx, "acct-1", first.Secret)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if second.Secret == first.Secret {
		t.Fatalf("rotation must produce a new secret")
	}
	if second.SessionID != first.SessionID {
		t.Fatalf("rotation must preserve session id: %s != %s", second.SessionID, first.SessionID)
	}
	if second.DeviceID != "dev-1" {
		t.Fatalf("device id = %q", second.DeviceID)
	}

	_, err = svc.Rotate(ctx, "acct-1", first.Secret)
	if !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("reusing a rotated secret: expected ErrRefreshInvalid, got %v", err)
	}
	if !errors.Is(err, ErrRefreshReused) {
		t.Fatalf("expected reuse to be reported, got %v", err)
	}

	if _, err := svc.Rotate(ctx, "acct-1", second.Secret); err != nil {
		t.Fatalf("current secret should still rotate: %v", err)
	}
}

func TestRotate_ConcurrentSameSecretOnlyOneWins(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	issued, err := svc.Create(ctx, "acct-1", Meta{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	var wins, losses atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Rotate(ctx, "acct-1", issued.Secret)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrRefreshInvalid):
				losses.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 || losses.Load() != 15 {
		t.Fatalf("wins=%d losses=%d, want 1/15", wins.Load(), losses.Load())
	}
}

func TestRotateByToken_ResolvesAccount(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	a, _ := svc.Create(ctx, "acct-a", Meta{})
	b, _ := svc.Create(ctx, "acct-b", Meta{})

	got, err := svc.RotateByToken(ctx, b.Secret)
	if err != nil {
		t.Fatalf("RotateByToken: %v", err)
	}
	if got.AccountID != "acct-b" || got.SessionID != b.SessionID {
		t.Fatalf("rotated wrong session: %+v", got)
	}

	if _, err := svc.Rotate(ctx, "acct-b", a.Secret); !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("secret of another account must not rotate: %v", err)
	}
	if _, err := svc.RotateByToken(ctx, "no-such-secret"); !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("expected ErrRefreshInvalid, got %v", err)
	}
	if _, err := svc.RotateByToken(ctx, ""); !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("expected ErrRefreshInvalid for empty secret, got %v", err)
	}
}

func TestRevocation_IsTerminal(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	issued, _ := svc.Create(ctx, "acct-1", Meta{})

	res, err := svc.RevokeByID(ctx, "acct-1", issued.SessionID, ReasonUserRevoked)
	if err != nil {
		t.Fatalf("RevokeByID: %v", err)
	}
	if !res.Found || !res.Changed || !res.Session.Revoked || res.Session.RevokedAt == nil {
		t.Fatalf("unexpected result: %+v", res)
	}

	if _, err := svc.Rotate(ctx, "acct-1", issued.Secret); !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("revoked session must not rotate: %v", err)
	}

	again, err := svc.RevokeByID(ctx, "acct-1", issued.SessionID, ReasonUserRevoked)
	if err != nil {
		t.Fatalf("RevokeByID again: %v", err)
	}
	if !again.Found || again.Changed {
		t.Fatalf("second revoke should be found but unchanged: %+v", again)
	}

	sessions, _ := svc.List(ctx, "acct-1")
	if len(sessions) != 1 || !sessions[0].Revoked || sessions[0].RevokedReason != ReasonUserRevoked {
		t.Fatalf("session must be kept and revoked: %+v", sessions)
	}
}

func TestRevokeByID_ScopedToAccount(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	victim, _ := svc.Create(ctx, "victim", Meta{})

	res, err := svc.RevokeByID(ctx, "attacker", victim.SessionID, ReasonUserRevoked)
	if err != nil {
		t.Fatalf("RevokeByID: %v", err)
	}
	if res.Found || res.Changed {
		t.Fatalf("foreign session must not be found: %+v", res)
	}
	if _, err := svc.Rotate(ctx, "victim", victim.Secret); err != nil {
		t.Fatalf("victim session should be untouched: %v", err)
	}
}

func TestRevokeByToken(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	issued, _ := svc.Create(ctx, "acct-1", Meta{DeviceID: "dev"})
	other, _ := svc.Create(ctx, "acct-1", Meta{})

	revoked, err := svc.RevokeByToken(ctx, issued.Secret, ReasonLogout)
	if err != nil {
		t.Fatalf("RevokeByToken: %v", err)
	}
	if len(revoked) != 1 || revoked[0].ID != issued.SessionID || revoked[0].Meta.DeviceID != "dev" {
		t.Fatalf("unexpected revoked set: %+v", revoked)
	}

	revoked, err = svc.RevokeByToken(ctx, issued.Secret, ReasonLogout)
	if err != nil || len(revoked) != 0 {
		t.Fatalf("second revoke: %v %+v", err, revoked)
	}
	revoked, err = svc.RevokeByToken(ctx, "unknown", ReasonLogout)
	if err != nil || len(revoked) != 0 {
		t.Fatalf("unknown secret: %v %+v", err, revoked)
	}

	if _, err := svc.Rotate(ctx, "acct-1", other.Secret); err != nil {
		t.Fatalf("sibling session should survive: %v", err)
	}
}

func TestRevokeAll(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	var secrets []string
	for i := 0; i < 3; i++ {
		issued, _ := svc.Create(ctx, "acct-1", Meta{})
		secrets = append(secrets, issued.Secret)
	}
	keep, _ := svc.Create(ctx, "acct-2", Meta{})
	if _, err := svc.RevokeByToken(ctx, secrets[0], ReasonLogout); err != nil {
		t.Fatalf("RevokeByToken: %v", err)
	}

	revoked, err := svc.RevokeAll(ctx, "acct-1", ReasonLogoutAll)
	if err != nil {
		t.Fatalf("RevokeAll: %v", err)
	}
	if len(revoked) != 2 {
		t.Fatalf("expected 2 newly revoked sessions, got %d", len(revoked))
	}
	for _, s := range secrets {
		if _, err := svc.Rotate(ctx, "acct-1", s); !errors.Is(err, ErrRefreshInvalid) {
			t.Fatalf("expected ErrRefreshInvalid after RevokeAll, got %v", err)
		}
	}
	if _, err := svc.Rotate(ctx, "acct-2", keep.Secret); err != nil {
		t.Fatalf("other account must be untouched: %v", err)
	}
}

func TestSessionTTL_SlidesAndExpires(t *testing.T) {
	ctx := context.Background()
	svc, _, clock := newTestService(t, WithSessionTTL(time.Hour))

	issued, err := svc.Create(ctx, "acct-1", Meta{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if issued.ExpiresAt == nil || !issued.ExpiresAt.Equal(clock.Now().Add(time.Hour)) {
		t.Fatalf("unexpected expiry: %v", issued.ExpiresAt)
	}

	clock.Advance(50 * time.Minute)
	rotated, err := svc.Rotate(ctx, "acct-1", issued.Secret)
	if err != nil {
		t.Fatalf("Rotate within ttl: %v", err)
	}

	clock.Advance(61 * time.Minute)
	if _, err := svc.Rotate(ctx, "acct-1", rotated.Secret); !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("expected expired session to fail, got %v", err)
	}
	if _, err := svc.Lookup(ctx, rotated.Secret); !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("Lookup of expired session: %v", err)
	}
}

func TestNoTTL_NeverExpires(t *testing.T) {
	ctx := context.Background()
	svc, _, clock := newTestService(t)

	issued, _ := svc.Create(ctx, "acct-1", Meta{})
	if issued.ExpiresAt != nil {
		t.Fatalf("expected no expiry")
	}
	clock.Advance(5 * 365 * 24 * time.Hour)
	if _, err := svc.Rotate(ctx, "acct-1", issued.Secret); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
}

func TestRotate_HashCollisionIsAnError(t *testing.T) {
	ctx := context.Background()
	svc, store, clock := newTestService(t)

	issued, _ := svc.Create(ctx, "acct-1", Meta{})
	hash := svc.HashSecret(issued.Secret)

	err := store.Mutate(ctx, "acct-1", func([]Session) ([]Session, error) {
		return []Session{{ID: "dup", AccountID: "acct-1", TokenHash: hash, CreatedAt: clock.Now(), LastUsedAt: clock.Now()}}, nil
	})
	if err != nil {
		t.Fatalf("seed duplicate: %v", err)
	}

	if _, err := svc.Rotate(ctx, "acct-1", issued.Secret); !errors.Is(err, ErrHashCollision) {
		t.Fatalf("expected ErrHashCollision, got %v", err)
	}
}

func TestLookup(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	issued, _ := svc.Create(ctx, "acct-1", Meta{DeviceID: "dev-9", UserAgent: "ua"})
	got, err := svc.Lookup(ctx, issued.Secret)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.ID != issued.SessionID || got.Meta.DeviceID != "dev-9" {
		t.Fatalf("unexpected session: %+v", got)
	}

	if _, err := svc.Rotate(ctx, "acct-1", issued.Secret); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if _, err := svc.Lookup(ctx, issued.Secret); !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("Lookup after rotation: %v", err)
	}
}
