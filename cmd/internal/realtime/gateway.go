package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"agora/cmd/identity/ids"
	"agora/cmd/internal/auth/authcookie"
	"agora/cmd/internal/auth/gate"
	"agora/cmd/internal/observability/metrics"
)

// Gateway serves the session event stream. It must be mounted behind
// gate.Require: the caller's identity comes from the request context and the
// device from its cookie.
type Gateway struct {
	log     *slog.Logger
	hub     *Hub
	cookies *authcookie.Jar
	metrics *metrics.Metrics
	cfg     GatewayConfig

	patterns []string
}

func NewGateway(log *slog.Logger, hub *Hub, cookies *authcookie.Jar, m *metrics.Metrics, cfg GatewayConfig) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	if hub == nil {
		hub = NewHub(log)
	}
	cfg = cfg.normalized()
	return &Gateway{
		log:      log,
		hub:      hub,
		cookies:  cookies,
		metrics:  m,
		cfg:      cfg,
		patterns: originPatterns(cfg.AllowedOrigins),
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := checkOrigin(r, g.cfg.OriginRequired, g.cfg.AllowedOrigins); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	ident, ok := gate.IdentityFrom(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	deviceID, ok := g.cookies.Device(r)
	if !ok {
		http.Error(w, "device required", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{SubprotocolV1},
		OriginPatterns:     g.patterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	if sp := conn.Subprotocol(); sp != SubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", SubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	connID, err := ids.NewULID(time.Now().UTC())
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}
	client := NewClient(connID, ident.AccountID, deviceID, g.cfg.SendQueue)
	hello := newEvent(TypeHello, time.Now().UTC())
	hello.AccountID = ident.AccountID
	hello.DeviceID = deviceID
	client.Send <- hello

	unregister := g.hub.Register(client)
	defer unregister()

	g.metrics.ConnOpened()
	defer g.metrics.ConnClosed()
	g.log.Info("ws.open", "conn_id", connID, "account_id", ident.AccountID, "device_id", deviceID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				shutdown(websocket.StatusPolicyViolation, "slow consumer")
				return
			case ev := <-client.Send:
				if err := writeEvent(ctx, conn, ev, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "conn_id", connID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
				if ev.Terminal() {
					shutdown(websocket.StatusNormalClosure, ev.Type)
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				pingCtx, pingCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(pingCtx)
				pingCancel()
				if err == nil {
					failures = 0
					continue
				}
				failures++
				g.log.Info("ws.ping.fail", "conn_id", connID, "failures", failures, "err", err)
				if failures >= maxPingFailures {
					shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
			}
		}
	}()

	// The stream is server to client; reads only drain control frames and
	// police chatty peers.
	lim := newInboundLimiter(g.cfg.InboundLimit, g.cfg.InboundWindow)
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			if !expectedReadErr(err) {
				g.log.Info("ws.read.fail", "conn_id", connID, "err", err)
			}
			shutdown(websocket.StatusNormalClosure, "bye")
			break
		}
		if !lim.allow(time.Now()) {
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break
		}
	}

	<-writerDone
	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
	g.log.Info("ws.close", "conn_id", connID, "device_id", deviceID)
}

func writeEvent(parent context.Context, conn *websocket.Conn, ev Event, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

func expectedReadErr(err error) bool {
	return websocket.CloseStatus(err) != -1 ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF)
}
