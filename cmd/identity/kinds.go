package identity

import "errors"

// Sentinel error kinds (stable for errors.Is and for mapping to API status codes).
var (
	ErrInvalidInput = errors.New("invalid_input")
	ErrNotFound     = errors.New("not_found")
	ErrConflict     = errors.New("conflict")

	// ErrInvalidCredentials is the only error a failed login reports, whether the
	// account is missing or the password is wrong.
	ErrInvalidCredentials = errors.New("invalid_credentials")
)
