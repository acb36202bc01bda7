package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"agora/cmd/identity/ids"
	"agora/cmd/security/password"
)

// Credentials registers accounts and verifies passwords.
type Credentials struct {
	store  Store
	hasher password.Config
	now    func() time.Time
	log    *slog.Logger

	dummyOnce sync.Once
	dummy     string
}

type CredentialsOption func(*Credentials)

func WithClock(now func() time.Time) CredentialsOption {
	return func(c *Credentials) {
		if now != nil {
			c.now = now
		}
	}
}

func WithLogger(log *slog.Logger) CredentialsOption {
	return func(c *Credentials) {
		if log != nil {
			c.log = log
		}
	}
}

func NewCredentials(store Store, hasher password.Config, opts ...CredentialsOption) *Credentials {
	c := &Credentials{
		store:  store,
		hasher: hasher,
		now:    func() time.Time { return time.Now().UTC() },
		log:    slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

type RegisterInput struct {
	Username    string
	Email       string
	Password    string
	DisplayName string
}

// Register validates input, hashes the password and stores a new account.
// Duplicate usernames or emails return a ConflictError.
func (c *Credentials) Register(ctx context.Context, in RegisterInput) (Account, error) {
	const op = "identity.Register"

	username := strings.TrimSpace(in.Username)
	email := strings.TrimSpace(in.Email)
	if !ValidUsername(username) {
		return Account{}, invalid(op, "username must be 3-32 letters, digits, '_' or '.'")
	}
	if !ValidEmail(email) {
		return Account{}, invalid(op, "email is not valid")
	}

	hash, err := c.hasher.Hash(in.Password)
	if err != nil {
		if errors.Is(err, password.ErrPasswordTooShort) || errors.Is(err, password.ErrPasswordTooLong) || errors.Is(err, password.ErrWeakPassword) {
			return Account{}, invalid(op, err.Error())
		}
		return Account{}, fmt.Errorf("%s: hash: %w", op, err)
	}

	now := c.now()
	id, err := ids.NewULID(now)
	if err != nil {
		return Account{}, fmt.Errorf("%s: id: %w", op, err)
	}
	a := Account{
		ID:           id,
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		DisplayName:  strings.TrimSpace(in.DisplayName),
		CreatedAt:    now,
	}
	if err := c.store.Create(ctx, a); err != nil {
		return Account{}, err
	}
	return a, nil
}

// Authenticate returns the account for email if password matches.
// A missing account and a wrong password both yield ErrInvalidCredentials and
// cost one argon2id evaluation.
func (c *Credentials) Authenticate(ctx context.Context, email, pw string) (Account, error) {
	a, err := c.store.GetByEmail(ctx, email)
	if err != nil {
		if !IsNotFound(err) {
			return Account{}, err
		}
		_, _ = c.hasher.Verify(c.dummyHash(), pw)
		return Account{}, ErrInvalidCredentials
	}

	ok, err := c.hasher.Verify(a.PasswordHash, pw)
	if err != nil {
		c.log.Error("auth.password.verify.fail", "account_id", a.ID, "err", err)
		return Account{}, ErrInvalidCredentials
	}
	if !ok {
		return Account{}, ErrInvalidCredentials
	}

	if c.hasher.NeedsRehash(a.PasswordHash) {
		if h, err := c.hasher.Hash(pw); err == nil {
			if err := c.store.UpdatePasswordHash(ctx, a.ID, h); err != nil {
				c.log.Warn("auth.password.rehash.fail", "account_id", a.ID, "err", err)
			} else {
				a.PasswordHash = h
			}
		}
	}
	return a, nil
}

// Get returns the account with id.
func (c *Credentials) Get(ctx context.Context, id string) (Account, error) {
	return c.store.GetByID(ctx, id)
}

func (c *Credentials) dummyHash() string {
	c.dummyOnce.Do(func() {
		h, err := c.hasher.Hash("agora-dummy-password-for-timing")
		if err != nil {
			c.log.Error("auth.password.dummy.fail", "err", err)
		}
		c.dummy = h
	})
	return c.dummy
}
