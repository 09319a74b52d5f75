package errors

import "errors"

var (
	// ErrNotFound is returned when an operation needs an existing key.
	ErrNotFound = errors.New("not found")
	// ErrTypeMismatch is returned when a key is addressed as the other kind.
	ErrTypeMismatch = errors.New("type mismatch")
	// ErrNotOwned is returned when a release is attempted by a non-owner.
	ErrNotOwned = errors.New("not owned")
	// ErrNotSubscribed is returned when unsubscribing from a channel the
	// connection never joined.
	ErrNotSubscribed = errors.New("not subscribed")
	// ErrBadFormat is returned for malformed command arguments.
	ErrBadFormat = errors.New("bad command line format")

	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")
	ErrCircuitOpen      = errors.New("circuit breaker is open")
)
