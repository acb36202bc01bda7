// Package main provides a CI-friendly smoke test for the agora session event stream.
//
// It validates:
//   - register + login over HTTP with a cookie jar
//   - handshake + subprotocol selection on /ws/session-events
//   - hello event carrying the account and device
//   - logout delivers session.revoked for the live session
//   - the server closes with a normal closure after the terminal event
//
// Run against a local server started with AGORA_COOKIE_SECURE=false so the
// auth cookies travel over plain http.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "agora.session-events.v1"
	maxReadBytes       = 1 << 16

	typeHello          = "hello"
	typeSessionRevoked = "session.revoked"
)

type event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	AccountID string    `json:"account_id"`
	SessionID string    `json:"session_id"`
	DeviceID  string    `json:"device_id"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

type loginReply struct {
	Account struct {
		ID string `json:"id"`
	} `json:"account"`
	SessionID string `json:"session_id"`
	DeviceID  string `json:"device_id"`
}

type smokeClient struct {
	http   *http.Client
	base   string
	origin string

	conn  *websocket.Conn
	inbox chan event
	errCh chan error
}

func main() {
	var (
		baseURL = flag.String("url", "http://127.0.0.1:8080", "Server base URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateBaseURL(*baseURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		fatalf("cookie jar: %v", err)
	}
	c := &smokeClient{
		http:   &http.Client{Jar: jar, Timeout: *timeout},
		base:   strings.TrimRight(*baseURL, "/"),
		origin: *origin,
	}

	root := context.Background()

	suffix := time.Now().UnixNano()
	username := fmt.Sprintf("smoke%d", suffix%1_000_000_000)
	email := fmt.Sprintf("smoke-%d@example.test", suffix)
	pw := fmt.Sprintf("smoke-pass-%d!", suffix)

	c.mustPost(root, "/register", map[string]string{"username": username, "email": email, "password": pw}, nil, *timeout)

	var login loginReply
	c.mustPost(root, "/login", map[string]string{"email": email, "password": pw}, &login, *timeout)
	if login.SessionID == "" || login.DeviceID == "" {
		fatalf("login reply missing session/device: %+v", login)
	}
	if *verbose {
		fmt.Printf("logged in: account=%s session=%s device=%s\n", login.Account.ID, login.SessionID, login.DeviceID)
	}

	c.mustConnect(root, *timeout)
	defer closeWS(c.conn)

	hello := c.mustReadUntilType(root, typeHello, *timeout)
	if hello.AccountID != login.Account.ID || hello.DeviceID != login.DeviceID {
		fatalf("hello mismatch: got account=%q device=%q", hello.AccountID, hello.DeviceID)
	}

	c.mustPost(root, "/logout", nil, nil, *timeout)

	revoked := c.mustReadUntilType(root, typeSessionRevoked, *timeout)
	if revoked.SessionID != login.SessionID {
		fatalf("session.revoked session mismatch: got=%q want=%q", revoked.SessionID, login.SessionID)
	}
	if strings.TrimSpace(revoked.Reason) == "" {
		fatalf("session.revoked missing reason")
	}

	c.mustAssertClosed(root, *timeout)

	fmt.Printf("OK: account=%s session=%s reason=%s\n", login.Account.ID, login.SessionID, revoked.Reason)
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func (c *smokeClient) mustPost(parent context.Context, path string, body any, out any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			fatalf("marshal %s body: %v", path, err)
		}
		payload = b
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		fatalf("build %s request: %v", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.origin != "" {
		req.Header.Set("Origin", c.origin)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		fatalf("POST %s: status=%d code=%q msg=%q", path, resp.StatusCode, apiErr.Error.Code, apiErr.Error.Message)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			fatalf("decode %s reply: %v", path, err)
		}
	}
}

func (c *smokeClient) mustConnect(parent context.Context, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(c.origin) != "" {
		h.Set("Origin", c.origin)
	}

	wsURL := strings.Replace(c.base, "http", "ws", 1) + "/ws/session-events"
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient:   c.http,
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect: %v", err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)
	c.conn = conn
	c.inbox = make(chan event, 16)
	c.errCh = make(chan error, 1)
	c.startReadLoop()
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}
			if mt != websocket.MessageText {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var ev event
			if err := json.Unmarshal(data, &ev); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if ev.Type == "" || ev.ID == "" {
				select {
				case c.errCh <- fmt.Errorf("bad event: %s", data):
				default:
				}
				return
			}

			select {
			case c.inbox <- ev:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) event {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q: %v", wantType, ctx.Err())
		case ev, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q: %v", wantType, c.lastErr())
			}
			if ev.Type == wantType {
				return ev
			}
			fatalf("unexpected event type: got=%q want=%q", ev.Type, wantType)
		}
	}
}

// mustAssertClosed waits for the server to end the stream with a normal closure.
func (c *smokeClient) mustAssertClosed(parent context.Context, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("server did not close the stream after %s", typeSessionRevoked)
		case ev, ok := <-c.inbox:
			if ok {
				fatalf("unexpected event after %s: %q", typeSessionRevoked, ev.Type)
			}
			if status := websocket.CloseStatus(c.lastErr()); status != websocket.StatusNormalClosure {
				fatalf("close status=%v, want %v", status, websocket.StatusNormalClosure)
			}
			return
		}
	}
}

func (c *smokeClient) lastErr() error {
	select {
	case err := <-c.errCh:
		return err
	default:
		return nil
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
