package identity

import (
	"context"
	"time"
)

// Account is the canonical security principal.
type Account struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	DisplayName  string
	Bio          string
	ShowEmail    bool
	CreatedAt    time.Time
}

// Handle is the non-sensitive view of an account, safe to list for a device.
type Handle struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
}

func (a Account) Handle() Handle {
	return Handle{ID: a.ID, Username: a.Username, DisplayName: a.DisplayName}
}

// Store is the account persistence boundary.
// Lookups by email and username are case-insensitive.
type Store interface {
	Create(ctx context.Context, a Account) error
	GetByID(ctx context.Context, id string) (Account, error)
	GetByEmail(ctx context.Context, email string) (Account, error)
	UpdatePasswordHash(ctx context.Context, id, hash string) error
}
