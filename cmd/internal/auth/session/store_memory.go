package session

import (
	"context"
	"sort"
	"sync"

	"agora/cmd/internal/platform/keylock"
)

// MemoryStore keeps sessions in process memory. Used when no database is configured and in tests.
type MemoryStore struct {
	locks keylock.Map

	mu        sync.RWMutex
	byAccount map[string][]Session
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byAccount: make(map[string][]Session)}
}

func (m *MemoryStore) Mutate(ctx context.Context, accountID string, fn MutateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock := m.locks.Lock(accountID)
	defer unlock()

	dirty, err := fn(m.snapshot(accountID))
	if err != nil {
		return err
	}
	if len(dirty) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.byAccount[accountID]
	for _, d := range dirty {
		d = d.clone()
		d.AccountID = accountID
		replaced := false
		for i := range current {
			if current[i].ID == d.ID {
				current[i] = d
				replaced = true
				break
			}
		}
		if !replaced {
			current = append(current, d)
		}
	}
	sort.SliceStable(current, func(i, j int) bool { return current[i].CreatedAt.Before(current[j].CreatedAt) })
	m.byAccount[accountID] = current
	return nil
}

func (m *MemoryStore) List(ctx context.Context, accountID string) ([]Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.snapshot(accountID), nil
}

func (m *MemoryStore) Locate(ctx context.Context, hash string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if hash == "" {
		return "", ErrSessionNotFound
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for accountID, sessions := range m.byAccount {
		for _, s := range sessions {
			if s.TokenHash == hash || s.PreviousTokenHash == hash {
				return accountID, nil
			}
		}
	}
	return "", ErrSessionNotFound
}

func (m *MemoryStore) snapshot(accountID string) []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.byAccount[accountID]
	out := make([]Session, len(src))
	for i, s := range src {
		out[i] = s.clone()
	}
	return out
}
