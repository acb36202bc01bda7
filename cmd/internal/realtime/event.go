package realtime

import (
	"time"

	"agora/cmd/identity/ids"
)

const (
	TypeHello          = "hello"
	TypeSessionRevoked = "session.revoked"
)

// Event is one frame sent to a client.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	AccountID string    `json:"account_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	DeviceID  string    `json:"device_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// Terminal reports whether the connection must close after delivering e.
func (e Event) Terminal() bool { return e.Type == TypeSessionRevoked }

func newEvent(typ string, now time.Time) Event {
	id, err := ids.NewULID(now)
	if err != nil {
		id = ""
	}
	return Event{ID: id, Type: typ, At: now}
}
