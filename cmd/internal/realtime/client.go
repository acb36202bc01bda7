package realtime

import "sync"

// Client is one connected event stream.
//
// Send is never closed by the hub; done signals shutdown instead, so a
// concurrent publish cannot panic.
type Client struct {
	ConnID    string
	AccountID string
	DeviceID  string
	Send      chan Event

	done      chan struct{}
	closeOnce sync.Once
}

func NewClient(connID, accountID, deviceID string, queue int) *Client {
	if queue <= 0 {
		queue = 16
	}
	return &Client{
		ConnID:    connID,
		AccountID: accountID,
		DeviceID:  deviceID,
		Send:      make(chan Event, queue),
		done:      make(chan struct{}),
	}
}

func (c *Client) Done() <-chan struct{} { return c.done }

// Close is idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
