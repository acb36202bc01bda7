package session

import (
	"errors"
	"fmt"
)

var (
	// ErrRefreshInvalid is the uniform failure for refresh secrets: unknown, revoked, expired or reused.
	ErrRefreshInvalid = errors.New("refresh token invalid")

	// ErrRefreshReused marks a secret that was valid before its last rotation.
	ErrRefreshReused = fmt.Errorf("%w: secret already rotated", ErrRefreshInvalid)

	// ErrHashCollision means two live sessions of one account share a token hash.
	ErrHashCollision = errors.New("refresh token hash collision")

	// ErrSessionNotFound is returned when a session id is not part of the account.
	ErrSessionNotFound = errors.New("session not found")

	// ErrUnknownAccount is returned when sessions are mutated for an account that does not exist.
	ErrUnknownAccount = errors.New("unknown account")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)
