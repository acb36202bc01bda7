package realtime

import (
	"log/slog"
	"sync"
	"time"

	"agora/cmd/internal/auth/device"
)

// Hub routes events to the clients connected from a device.
type Hub struct {
	log *slog.Logger
	now func() time.Time

	mu       sync.RWMutex
	byDevice map[string]map[string]*Client
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		byDevice: make(map[string]map[string]*Client),
	}
}

// Register adds c and returns a func that removes it.
func (h *Hub) Register(c *Client) (unregister func()) {
	h.mu.Lock()
	conns := h.byDevice[c.DeviceID]
	if conns == nil {
		conns = make(map[string]*Client)
		h.byDevice[c.DeviceID] = conns
	}
	conns[c.ConnID] = c
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if conns := h.byDevice[c.DeviceID]; conns != nil {
			delete(conns, c.ConnID)
			if len(conns) == 0 {
				delete(h.byDevice, c.DeviceID)
			}
		}
	}
}

// Connections returns how many clients are connected from deviceID.
func (h *Hub) Connections(deviceID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byDevice[deviceID])
}

// Publish delivers ev to clients on deviceID signed in as accountID; an empty
// accountID targets every client on the device. It never blocks: a client
// whose queue is full is closed.
func (h *Hub) Publish(deviceID, accountID string, ev Event) int {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.byDevice[deviceID]))
	for _, c := range h.byDevice[deviceID] {
		if accountID == "" || c.AccountID == accountID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.Send <- ev:
		case <-c.Done():
		default:
			h.log.Warn("ws.send.queue_full", "conn_id", c.ConnID, "device_id", deviceID)
			c.Close()
		}
	}
	return len(targets)
}

// SessionRevoked notifies the clients of one revoked session.
func (h *Hub) SessionRevoked(deviceID, accountID, sessionID, reason string) {
	if deviceID == "" {
		return
	}
	ev := newEvent(TypeSessionRevoked, h.now())
	ev.AccountID = accountID
	ev.SessionID = sessionID
	ev.DeviceID = deviceID
	ev.Reason = reason
	h.Publish(deviceID, accountID, ev)
}

// OnDeviceRevoked is a device.Registry revoke hook.
func (h *Hub) OnDeviceRevoked(ev device.RevokeEvent) {
	for _, o := range ev.Outcomes {
		if o.Changed {
			h.SessionRevoked(ev.DeviceID, o.Link.AccountID, o.Link.SessionID, ev.Reason)
		}
	}
}
