package realtime

import (
	"time"

	"agora/cmd/internal/platform/env"
)

const (
	SubprotocolV1 = "agora.session-events.v1"

	defaultSendQueue        = 16
	defaultWriteTimeout     = 5 * time.Second
	defaultHeartbeatEvery   = 25 * time.Second
	defaultHeartbeatTimeout = 10 * time.Second
	defaultInboundLimit     = 20
	defaultInboundWindow    = 10 * time.Second
	defaultAllowedOrigins   = "http://localhost,http://127.0.0.1"

	// Clients only send control frames and the odd keepalive.
	maxFrameBytes = 1 << 10

	maxPingFailures = 3
	closeGrace      = time.Second
)

// GatewayConfig tunes the WebSocket endpoint.
type GatewayConfig struct {
	OriginRequired bool
	AllowedOrigins []string
	DevInsecure    bool

	SendQueue        int
	WriteTimeout     time.Duration
	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	InboundLimit  int
	InboundWindow time.Duration
}

func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:   true,
		AllowedOrigins:   []string{"http://localhost", "http://127.0.0.1"},
		SendQueue:        defaultSendQueue,
		WriteTimeout:     defaultWriteTimeout,
		HeartbeatEvery:   defaultHeartbeatEvery,
		HeartbeatTimeout: defaultHeartbeatTimeout,
		InboundLimit:     defaultInboundLimit,
		InboundWindow:    defaultInboundWindow,
	}
}

// GatewayConfigFromEnv reads AGORA_WS_* over the defaults. Malformed values
// fall back silently.
func GatewayConfigFromEnv() GatewayConfig {
	c := DefaultGatewayConfig()
	c.OriginRequired = env.Bool("AGORA_WS_ORIGIN_REQUIRED", c.OriginRequired)
	c.AllowedOrigins = env.CSV("AGORA_WS_ALLOWED_ORIGINS", defaultAllowedOrigins)
	c.DevInsecure = env.Bool("AGORA_WS_DEV_INSECURE", false)
	c.SendQueue = env.Int("AGORA_WS_SEND_QUEUE", c.SendQueue)
	c.WriteTimeout = env.Duration("AGORA_WS_WRITE_TIMEOUT", c.WriteTimeout)
	c.HeartbeatEvery = env.Duration("AGORA_WS_HEARTBEAT_INTERVAL", c.HeartbeatEvery)
	c.HeartbeatTimeout = env.Duration("AGORA_WS_HEARTBEAT_TIMEOUT", c.HeartbeatTimeout)
	c.InboundLimit = env.Int("AGORA_WS_RATE_EVENTS", c.InboundLimit)
	c.InboundWindow = env.Duration("AGORA_WS_RATE_WINDOW", c.InboundWindow)
	return c
}

func (c GatewayConfig) normalized() GatewayConfig {
	d := DefaultGatewayConfig()
	if c.SendQueue <= 0 {
		c.SendQueue = d.SendQueue
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = d.HeartbeatEvery
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.InboundLimit <= 0 {
		c.InboundLimit = d.InboundLimit
	}
	if c.InboundWindow <= 0 {
		c.InboundWindow = d.InboundWindow
	}
	return c
}
