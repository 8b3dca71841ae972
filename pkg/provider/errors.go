package provider

import "errors"

// Lookup errors
var (
	ErrMachineNotFound = errors.New("provider: machine not found")
)

// Connection errors
var (
	ErrUnavailable = errors.New("provider: unavailable")
	ErrClosed      = errors.New("provider: connection closed")
)

// Subscription and session errors
var (
	ErrNotSubscribed    = errors.New("provider: not subscribed")
	ErrSessionNotLocked = errors.New("provider: session not locked")
)
