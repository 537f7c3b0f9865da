// Package errors defines the sentinel error values shared between the
// sync client and the server.
package errors

import "errors"

// Authentication errors.
var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

// Resolver validation errors. Both are permanent: retrying the same
// payload will fail again.
var (
	ErrClockSkew  = errors.New("timestamp too far in the future")
	ErrStaleWrite = errors.New("timestamp too far in the past")
)
