package vm

import "errors"

// Configuration and registration errors.
var (
	ErrMissingField     = errors.New("vm: required field is missing")
	ErrDuplicateMachine = errors.New("vm: machine is already registered")
	ErrMachineNotFound  = errors.New("vm: machine not found")
)

// Lifecycle errors.
var (
	ErrInvalidTransition   = errors.New("vm: operation not valid in current state")
	ErrSessionBusy         = errors.New("vm: session is busy")
	ErrProviderUnavailable = errors.New("vm: provider unavailable")
	ErrLaunchFailed        = errors.New("vm: launch failed")
	ErrNoActiveServer      = errors.New("vm: no active server")
)

// Command errors.
var (
	ErrUnknownCommand = errors.New("vm: unknown command")
	ErrCommandTimeout = errors.New("vm: command timed out")
	ErrCommandFailed  = errors.New("vm: command failed")
)
