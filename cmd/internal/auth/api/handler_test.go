package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"agora/cmd/identity"
	"agora/cmd/internal/auth/authcookie"
	"agora/cmd/internal/auth/device"
	"agora/cmd/internal/auth/gate"
	"agora/cmd/internal/auth/session"
	"agora/cmd/internal/platform/httpjson"
	"agora/cmd/security/password"
	"agora/cmd/security/token"
)

const (
	threshold    = 30 * 24 * time.Hour
	testPassword = "correct horse battery staple"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type notified struct {
	deviceID, accountID, sessionID, reason string
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notified
}

func (n *recordingNotifier) SessionRevoked(deviceID, accountID, sessionID, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, notified{deviceID, accountID, sessionID, reason})
}

type testEnv struct {
	t        *testing.T
	clock    *clock
	creds    *identity.Credentials
	sessions *session.Service
	devices  *device.Registry
	notifier *recordingNotifier
	router   http.Handler
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	c := &clock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	codec, err := token.New(token.Config{
		Issuer:         "agora-test",
		AccessTTL:      15 * time.Minute,
		SigningKey:     bytes.Repeat([]byte("s"), 32),
		RefreshHMACKey: bytes.Repeat([]byte("h"), 32),
	})
	if err != nil {
		t.Fatalf("token.New: %v", err)
	}

	creds := identity.NewCredentials(identity.NewMemoryStore(), password.LightConfig(), identity.WithClock(c.Now))
	sessions := session.NewService(session.NewMemoryStore(), codec, session.WithClock(c.Now))
	devices := device.NewRegistry(device.NewMemoryStore(), sessions, device.WithClock(c.Now))
	jar := authcookie.New(authcookie.Config{RefreshTTL: threshold})
	g := gate.New(gate.Config{InactivityThreshold: threshold}, codec, devices, jar, gate.WithClock(c.Now))
	n := &recordingNotifier{}

	h, err := NewHandler(Config{}, Deps{
		Credentials:         creds,
		Sessions:            sessions,
		Devices:             devices,
		Tokens:              codec,
		Gate:                g,
		Cookies:             jar,
		InactivityThreshold: threshold,
		Notifier:            n,
		Now:                 c.Now,
	})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	r := chi.NewRouter()
	h.Mount(r)

	return &testEnv{t: t, clock: c, creds: creds, sessions: sessions, devices: devices, notifier: n, router: r}
}

func (e *testEnv) do(method, path string, body any, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			e.t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "192.0.2.10:4242"
	req.Header.Set("User-Agent", "agora-test")
	for _, c := range cookies {
		if c != nil {
			req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
		}
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) register(username, email string) identity.Account {
	e.t.Helper()
	rec := e.do(http.MethodPost, "/register", map[string]string{
		"username": username, "email": email, "password": testPassword,
	})
	if rec.Code != http.StatusCreated {
		e.t.Fatalf("register %s: status=%d body=%s", username, rec.Code, rec.Body.String())
	}
	var out accountResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		e.t.Fatalf("decode register: %v", err)
	}
	acct, err := e.creds.Get(context.Background(), out.ID)
	if err != nil {
		e.t.Fatalf("get account: %v", err)
	}
	return acct
}

type login struct {
	access, refresh, device *http.Cookie
	resp                    loginResponse
}

func (e *testEnv) login(email string, deviceCookie *http.Cookie) login {
	e.t.Helper()
	rec := e.do(http.MethodPost, "/login", map[string]string{"email": email, "password": testPassword}, deviceCookie)
	if rec.Code != http.StatusOK {
		e.t.Fatalf("login %s: status=%d body=%s", email, rec.Code, rec.Body.String())
	}
	var l login
	if err := json.Unmarshal(rec.Body.Bytes(), &l.resp); err != nil {
		e.t.Fatalf("decode login: %v", err)
	}
	l.access = cookie(rec, authcookie.DefaultAccessName)
	l.refresh = cookie(rec, authcookie.DefaultRefreshName)
	l.device = cookie(rec, authcookie.DefaultDeviceName)
	if l.access == nil || l.refresh == nil || l.device == nil {
		e.t.Fatalf("login did not set all cookies: %v", rec.Result().Cookies())
	}
	return l
}

func cookie(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func assertCleared(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()
	for _, name := range []string{authcookie.DefaultAccessName, authcookie.DefaultRefreshName} {
		c := cookie(rec, name)
		if c == nil || c.MaxAge >= 0 || c.Value != "" {
			t.Fatalf("cookie %s not cleared: %+v", name, c)
		}
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var er httpjson.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &er); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return er.Error.Code
}

func TestLogin_SetsCookiesAndLinksDevice(t *testing.T) {
	e := newEnv(t)
	acct := e.register("ada", "ada@example.com")
	l := e.login("ada@example.com", nil)

	if !l.access.HttpOnly || !l.refresh.HttpOnly {
		t.Fatalf("access and refresh cookies must be HttpOnly")
	}
	if l.device.HttpOnly {
		t.Fatalf("device cookie should be readable by scripts")
	}
	if l.device.Value != l.resp.DeviceID || !device.ValidID(l.device.Value) {
		t.Fatalf("device cookie %q does not match response %q", l.device.Value, l.resp.DeviceID)
	}

	list, err := e.sessions.List(context.Background(), acct.ID)
	if err != nil || len(list) != 1 {
		t.Fatalf("sessions: %v %v", list, err)
	}
	s := list[0]
	if s.Revoked || s.ID != l.resp.SessionID || s.Meta.DeviceID != l.resp.DeviceID || s.Meta.IP != "192.0.2.10" {
		t.Fatalf("unexpected session: %+v", s)
	}

	d, err := e.devices.Get(context.Background(), l.resp.DeviceID)
	if err != nil {
		t.Fatalf("device: %v", err)
	}
	if len(d.Links) != 1 || d.Links[0] != (device.Link{AccountID: acct.ID, SessionID: s.ID}) {
		t.Fatalf("unexpected links: %+v", d.Links)
	}
}

func TestLogin_Failures(t *testing.T) {
	e := newEnv(t)
	e.register("ada", "ada@example.com")

	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"wrong password", map[string]string{"email": "ada@example.com", "password": "nope nope nope"}, http.StatusUnauthorized, "invalid_credentials"},
		{"unknown email", map[string]string{"email": "bob@example.com", "password": testPassword}, http.StatusUnauthorized, "invalid_credentials"},
		{"missing password", map[string]string{"email": "ada@example.com"}, http.StatusBadRequest, "invalid_request"},
		{"bad email", map[string]string{"email": "ada", "password": testPassword}, http.StatusBadRequest, "invalid_request"},
		{"unknown field", map[string]string{"email": "ada@example.com", "password": testPassword, "admin": "1"}, http.StatusBadRequest, "invalid_json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(http.MethodPost, "/login", tt.body)
			if rec.Code != tt.status || errorCode(t, rec) != tt.code {
				t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
			}
			if c := cookie(rec, authcookie.DefaultRefreshName); c != nil {
				t.Fatalf("failed login must not set a refresh cookie")
			}
		})
	}
}

func TestRegister_Conflict(t *testing.T) {
	e := newEnv(t)
	e.register("ada", "ada@example.com")

	rec := e.do(http.MethodPost, "/register", map[string]string{
		"username": "ADA", "email": "other@example.com", "password": testPassword,
	})
	if rec.Code != http.StatusConflict || errorCode(t, rec) != "conflict" {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "username") {
		t.Fatalf("conflict should name the field: %s", rec.Body.String())
	}
}

func TestRefresh_SecretIsSingleUse(t *testing.T) {
	e := newEnv(t)
	e.register("ada", "ada@example.com")
	l := e.login("ada@example.com", nil)

	first := e.do(http.MethodPost, "/token/refresh", nil, l.refresh, l.device)
	if first.Code != http.StatusOK {
		t.Fatalf("first refresh: status=%d body=%s", first.Code, first.Body.String())
	}
	rotated := cookie(first, authcookie.DefaultRefreshName)
	if rotated == nil || rotated.Value == l.refresh.Value {
		t.Fatalf("refresh must issue a new secret")
	}
	var out refreshResponse
	_ = json.Unmarshal(first.Body.Bytes(), &out)
	if out.SessionID != l.resp.SessionID {
		t.Fatalf("rotation must keep the session id: %s != %s", out.SessionID, l.resp.SessionID)
	}

	second := e.do(http.MethodPost, "/token/refresh", nil, l.refresh, l.device)
	if second.Code != http.StatusUnauthorized || errorCode(t, second) != "refresh_invalid" {
		t.Fatalf("replay: status=%d body=%s", second.Code, second.Body.String())
	}
	assertCleared(t, second)

	third := e.do(http.MethodPost, "/token/refresh", nil, rotated, l.device)
	if third.Code != http.StatusOK {
		t.Fatalf("rotated secret should still work: status=%d", third.Code)
	}
}

func TestRefresh_InactiveDeviceRevokesSessions(t *testing.T) {
	e := newEnv(t)
	acct := e.register("ada", "ada@example.com")
	l := e.login("ada@example.com", nil)

	e.clock.Advance(threshold + time.Minute)

	rec := e.do(http.MethodPost, "/token/refresh", nil, l.refresh, l.device)
	if rec.Code != http.StatusUnauthorized || errorCode(t, rec) != "device_inactive" {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	assertCleared(t, rec)

	list, _ := e.sessions.List(context.Background(), acct.ID)
	if len(list) != 1 || !list[0].Revoked || list[0].RevokedReason != session.ReasonDeviceInactive {
		t.Fatalf("session should be revoked as device_inactive: %+v", list)
	}

	again := e.do(http.MethodPost, "/token/refresh", nil, l.refresh, l.device)
	if again.Code != http.StatusUnauthorized || errorCode(t, again) != "refresh_invalid" {
		t.Fatalf("revoked session refresh: status=%d body=%s", again.Code, again.Body.String())
	}
}

func TestRefresh_MissingCookie(t *testing.T) {
	e := newEnv(t)
	rec := e.do(http.MethodPost, "/token/refresh", nil)
	if rec.Code != http.StatusUnauthorized || errorCode(t, rec) != "refresh_invalid" {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestLogoutAll_RevokesEverySession(t *testing.T) {
	e := newEnv(t)
	acct := e.register("ada", "ada@example.com")
	logins := []login{
		e.login("ada@example.com", nil),
		e.login("ada@example.com", nil),
		e.login("ada@example.com", nil),
	}

	rec := e.do(http.MethodPost, "/logout-all", nil, logins[0].access, logins[0].device)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("logout-all: status=%d body=%s", rec.Code, rec.Body.String())
	}
	assertCleared(t, rec)

	list, _ := e.sessions.List(context.Background(), acct.ID)
	if len(list) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(list))
	}
	for _, s := range list {
		if !s.Revoked || s.RevokedReason != session.ReasonLogoutAll {
			t.Fatalf("session %s not revoked: %+v", s.ID, s)
		}
	}
	for i, l := range logins {
		r := e.do(http.MethodPost, "/token/refresh", nil, l.refresh, l.device)
		if r.Code != http.StatusUnauthorized {
			t.Fatalf("login %d refresh after logout-all: status=%d", i, r.Code)
		}
		d, _ := e.devices.Get(context.Background(), l.resp.DeviceID)
		if len(d.Links) != 0 {
			t.Fatalf("device %s still linked: %+v", d.ID, d.Links)
		}
	}
	if len(e.notifier.events) != 3 {
		t.Fatalf("expected 3 notifications, got %d", len(e.notifier.events))
	}
}

func TestLogout_RevokesCurrentSessionOnly(t *testing.T) {
	e := newEnv(t)
	acct := e.register("ada", "ada@example.com")
	a := e.login("ada@example.com", nil)
	b := e.login("ada@example.com", nil)

	rec := e.do(http.MethodPost, "/logout", nil, a.refresh, a.device)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status=%d", rec.Code)
	}
	assertCleared(t, rec)

	list, _ := e.sessions.List(context.Background(), acct.ID)
	for _, s := range list {
		want := s.ID == a.resp.SessionID
		if s.Revoked != want {
			t.Fatalf("session %s revoked=%v want %v", s.ID, s.Revoked, want)
		}
	}
	if r := e.do(http.MethodPost, "/token/refresh", nil, b.refresh, b.device); r.Code != http.StatusOK {
		t.Fatalf("other session should survive: %d", r.Code)
	}

	// A dead secret still gets its cookies cleared.
	again := e.do(http.MethodPost, "/logout", nil, a.refresh)
	if again.Code != http.StatusNoContent {
		t.Fatalf("repeat logout: status=%d", again.Code)
	}
}

func TestSessions_ListAndRevoke(t *testing.T) {
	e := newEnv(t)
	e.register("ada", "ada@example.com")
	a := e.login("ada@example.com", nil)
	b := e.login("ada@example.com", nil)

	rec := e.do(http.MethodGet, "/sessions", nil, a.access, a.refresh, a.device)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status=%d body=%s", rec.Code, rec.Body.String())
	}
	var out sessionsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(out.Sessions))
	}
	for _, s := range out.Sessions {
		if s.Current != (s.ID == a.resp.SessionID) {
			t.Fatalf("current flag wrong for %s", s.ID)
		}
	}

	if r := e.do(http.MethodPost, "/sessions/revoke/nope", nil, a.access, a.device); r.Code != http.StatusNotFound || errorCode(t, r) != "not_found" {
		t.Fatalf("unknown id: status=%d body=%s", r.Code, r.Body.String())
	}

	r := e.do(http.MethodPost, "/sessions/revoke/"+b.resp.SessionID, nil, a.access, a.refresh, a.device)
	if r.Code != http.StatusNoContent {
		t.Fatalf("revoke: status=%d body=%s", r.Code, r.Body.String())
	}
	if c := cookie(r, authcookie.DefaultRefreshName); c != nil {
		t.Fatalf("revoking another session must not clear the caller's cookies")
	}
	if got := e.do(http.MethodPost, "/token/refresh", nil, b.refresh, b.device); got.Code != http.StatusUnauthorized {
		t.Fatalf("revoked session still refreshes: %d", got.Code)
	}
	n := e.notifier.events
	if len(n) != 1 || n[0].sessionID != b.resp.SessionID || n[0].reason != session.ReasonUserRevoked {
		t.Fatalf("unexpected notifications: %+v", n)
	}
}

func TestSessions_RevokeOtherAccountsSessionIsNotFound(t *testing.T) {
	e := newEnv(t)
	e.register("ada", "ada@example.com")
	e.register("bob", "bob@example.com")
	a := e.login("ada@example.com", nil)
	b := e.login("bob@example.com", nil)

	r := e.do(http.MethodPost, "/sessions/revoke/"+b.resp.SessionID, nil, a.access, a.device)
	if r.Code != http.StatusNotFound {
		t.Fatalf("status=%d", r.Code)
	}
}

func TestRevokeDevice_ScopedToCaller(t *testing.T) {
	e := newEnv(t)
	adaAcct := e.register("ada", "ada@example.com")
	bobAcct := e.register("bob", "bob@example.com")
	ada := e.login("ada@example.com", nil)
	// bob signs in on ada's device as a second account
	bob := e.login("bob@example.com", ada.device)
	if bob.resp.DeviceID != ada.resp.DeviceID {
		t.Fatalf("device cookie not reused")
	}
	carol := e.register("carol", "carol@example.com")
	c := e.login(carol.Email, nil)

	r := e.do(http.MethodPost, "/sessions/revoke-device/"+ada.resp.DeviceID, nil, c.access, c.device)
	if r.Code != http.StatusForbidden || errorCode(t, r) != "no_sessions_for_account" {
		t.Fatalf("foreign device: status=%d body=%s", r.Code, r.Body.String())
	}

	r = e.do(http.MethodPost, "/sessions/revoke-device/"+ada.resp.DeviceID, nil, ada.access, ada.device)
	if r.Code != http.StatusNoContent {
		t.Fatalf("own device: status=%d body=%s", r.Code, r.Body.String())
	}
	assertCleared(t, r)

	adaSessions, _ := e.sessions.List(context.Background(), adaAcct.ID)
	bobSessions, _ := e.sessions.List(context.Background(), bobAcct.ID)
	if !adaSessions[0].Revoked || adaSessions[0].RevokedReason != session.ReasonDeviceRevoked {
		t.Fatalf("ada's session should be revoked: %+v", adaSessions[0])
	}
	if bobSessions[0].Revoked {
		t.Fatalf("bob's session on the same device must survive")
	}
}

func TestDeviceAccounts_ListsHandles(t *testing.T) {
	e := newEnv(t)
	e.register("ada", "ada@example.com")
	e.register("bob", "bob@example.com")
	ada := e.login("ada@example.com", nil)
	e.login("bob@example.com", ada.device)
	e.login("ada@example.com", ada.device)

	rec := e.do(http.MethodGet, "/device/accounts", nil, ada.device)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	var out deviceAccountsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.DeviceID != ada.resp.DeviceID || len(out.Accounts) != 2 {
		t.Fatalf("each account once, got: %+v", out)
	}
	if strings.Contains(rec.Body.String(), "@example.com") {
		t.Fatalf("handles must not expose email: %s", rec.Body.String())
	}

	empty := e.do(http.MethodGet, "/device/accounts", nil)
	if empty.Code != http.StatusOK || !strings.Contains(empty.Body.String(), `"accounts":[]`) {
		t.Fatalf("no device: status=%d body=%s", empty.Code, empty.Body.String())
	}
}

func TestMe(t *testing.T) {
	e := newEnv(t)
	acct := e.register("ada", "ada@example.com")
	l := e.login("ada@example.com", nil)

	rec := e.do(http.MethodGet, "/me", nil, l.access, l.device)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var out accountResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	if out.ID != acct.ID || out.Username != "ada" {
		t.Fatalf("unexpected: %+v", out)
	}

	if r := e.do(http.MethodGet, "/me", nil); r.Code != http.StatusUnauthorized || errorCode(t, r) != "unauthenticated" {
		t.Fatalf("anonymous: status=%d", r.Code)
	}
}
