package device

import (
	"context"
	"sort"
	"sync"
	"time"

	"agora/cmd/internal/platform/keylock"
)

// MemoryStore keeps devices in process memory.
type MemoryStore struct {
	locks keylock.Map

	mu      sync.RWMutex
	devices map[string]Device
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{devices: make(map[string]Device)}
}

func (m *MemoryStore) Create(ctx context.Context, d Device) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	unlock := m.locks.Lock(d.ID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[d.ID]; ok {
		return false, nil
	}
	m.devices[d.ID] = d.clone()
	return true, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (Device, error) {
	if err := ctx.Err(); err != nil {
		return Device{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[id]
	if !ok {
		return Device{}, ErrDeviceNotFound
	}
	return d.clone(), nil
}

func (m *MemoryStore) Mutate(ctx context.Context, id string, fn MutateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := m.locks.Lock(id)
	defer unlock()

	d, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	changed, err := fn(ctx, &d)
	if err != nil || !changed {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[id] = d.clone()
	return nil
}

func (m *MemoryStore) Touch(ctx context.Context, id string, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	unlock := m.locks.Lock(id)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return false, nil
	}
	if at.After(d.LastActivity) {
		d.LastActivity = at
		m.devices[id] = d
	}
	return true, nil
}

func (m *MemoryStore) ListIdleSince(ctx context.Context, cutoff time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, d := range m.devices {
		if d.LastActivity.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
