package auth

import "errors"

var (
	// ErrMissingCredential means no bearer credential was presented.
	ErrMissingCredential = errors.New("missing api key")
	// ErrInvalidCredential covers unknown and inactive keys alike.
	ErrInvalidCredential = errors.New("invalid api key")
	// ErrAuthStoreUnavailable wraps credential store failures.
	ErrAuthStoreUnavailable = errors.New("credential store unavailable")
	// ErrForbidden means the principal lacks a required permission.
	ErrForbidden = errors.New("insufficient permissions")
)
