package identity

import (
	"context"
	"sync"
)

// MemoryStore keeps accounts in process memory.
type MemoryStore struct {
	mu         sync.RWMutex
	byID       map[string]Account
	byEmail    map[string]string
	byUsername map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:       make(map[string]Account),
		byEmail:    make(map[string]string),
		byUsername: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, a Account) error {
	const op = "identity.MemoryStore.Create"
	if err := ctx.Err(); err != nil {
		return err
	}
	email, username := NormalizeEmail(a.Email), NormalizeUsername(a.Username)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byUsername[username]; ok {
		return ConflictError{Op: op, Field: "username"}
	}
	if _, ok := m.byEmail[email]; ok {
		return ConflictError{Op: op, Field: "email"}
	}
	if _, ok := m.byID[a.ID]; ok {
		return ConflictError{Op: op, Field: "id"}
	}
	m.byID[a.ID] = a
	m.byEmail[email] = a.ID
	m.byUsername[username] = a.ID
	return nil
}

func (m *MemoryStore) GetByID(ctx context.Context, id string) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.byID[id]
	if !ok {
		return Account{}, NotFoundError{Op: "identity.MemoryStore.GetByID", Resource: "account"}
	}
	return a, nil
}

func (m *MemoryStore) GetByEmail(ctx context.Context, email string) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byEmail[NormalizeEmail(email)]
	if !ok {
		return Account{}, NotFoundError{Op: "identity.MemoryStore.GetByEmail", Resource: "account"}
	}
	return m.byID[id], nil
}

func (m *MemoryStore) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok {
		return NotFoundError{Op: "identity.MemoryStore.UpdatePasswordHash", Resource: "account"}
	}
	a.PasswordHash = hash
	m.byID[id] = a
	return nil
}
