// Package device tracks client devices, the sessions signed in on them, and
// when each device was last seen. Revoking a device revokes every session
// linked to it, across all accounts.
package device

import (
	"context"
	"errors"
	"slices"
	"time"
)

var (
	ErrDeviceNotFound = errors.New("device not found")
	// ErrNotOwner is returned when an account acts on a device it has no session on.
	ErrNotOwner = errors.New("no sessions for account on device")
)

// Link binds one session of one account to a device.
type Link struct {
	AccountID string
	SessionID string
}

// Device mirrors agora.devices plus its links.
type Device struct {
	ID           string
	CreatedAt    time.Time
	LastActivity time.Time
	Links        []Link
}

// HasAccount reports whether any link on the device belongs to accountID.
func (d Device) HasAccount(accountID string) bool {
	return slices.ContainsFunc(d.Links, func(l Link) bool { return l.AccountID == accountID })
}

// AccountIDs returns the distinct accounts linked to the device, in link order.
func (d Device) AccountIDs() []string {
	var out []string
	for _, l := range d.Links {
		if !slices.Contains(out, l.AccountID) {
			out = append(out, l.AccountID)
		}
	}
	return out
}

func (d Device) clone() Device {
	d.Links = slices.Clone(d.Links)
	return d
}

// MutateFunc edits d in place and reports whether anything changed. ctx is
// scoped to the mutation; work done with it joins the store's transaction.
type MutateFunc func(ctx context.Context, d *Device) (changed bool, err error)

// Store persists devices. Mutate must serialize callers per device id.
type Store interface {
	// Create inserts d unless a device with the same id exists.
	Create(ctx context.Context, d Device) (created bool, err error)
	Get(ctx context.Context, id string) (Device, error)
	Mutate(ctx context.Context, id string, fn MutateFunc) error
	// Touch moves LastActivity forward to at; it never moves it back.
	Touch(ctx context.Context, id string, at time.Time) (found bool, err error)
	// ListIdleSince returns ids of devices whose LastActivity is before cutoff.
	ListIdleSince(ctx context.Context, cutoff time.Time) ([]string, error)
}
