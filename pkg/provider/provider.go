// Package provider defines the contract between devtray and an external
// virtualization provider (VirtualBox, or an in-memory fake in tests).
//
// The provider owns the true state of every machine. devtray only queries it,
// asks it to launch or power off a machine, and listens to its state-change
// notifications.
package provider

import "context"

// Provider is the capability set the core requires from a virtualization backend.
// Implementations must be safe for concurrent use.
type Provider interface {
	Machines
	Sessions
	Events

	// Info returns provider metadata.
	Info() Info
}

// Machines resolves and inspects machines.
type Machines interface {
	// FindMachine resolves a machine by name or UUID.
	// Returns ErrMachineNotFound if the provider does not know the machine.
	FindMachine(ctx context.Context, id string) (MachineHandle, error)

	// QueryState returns the provider's current raw state for the machine.
	QueryState(ctx context.Context, machine MachineHandle) (RawState, error)
}

// Sessions covers the locking protocol required before mutating power state.
type Sessions interface {
	// AcquireSession returns the session handle bound to the machine. The same
	// handle may be returned again for later calls; it outlives a single
	// start/stop pair.
	AcquireSession(ctx context.Context, machine MachineHandle) (SessionHandle, error)

	// IsSessionLocked reports whether the machine's session is currently locked
	// by some process (including the VM process itself).
	IsSessionLocked(ctx context.Context, machine MachineHandle) (bool, error)

	// LaunchProcess starts the machine using the session. mode is a provider
	// specific front-end name such as "headless".
	LaunchProcess(ctx context.Context, machine MachineHandle, session SessionHandle, mode string) error

	// RequestPowerOff asks the guest to shut down (ACPI power button).
	RequestPowerOff(ctx context.Context, session SessionHandle) error

	// UnlockSession releases a session lock held by this process.
	// Returns ErrSessionNotLocked if the session is not locked.
	UnlockSession(ctx context.Context, session SessionHandle) error
}

// Events delivers asynchronous machine state changes.
type Events interface {
	// Subscribe registers the callback for state changes. Only one subscription
	// is active at a time; subscribing again replaces the callback.
	Subscribe(cb Callback) error

	// Unsubscribe removes the subscription. Returns ErrNotSubscribed when there is
	// nothing to remove and ErrClosed when the provider connection is gone.
	Unsubscribe() error
}

// Callback receives a raw state together with the machine identifier the
// provider reports (UUID or name, possibly empty).
type Callback func(state RawState, machineID string)

// MachineHandle identifies a provider machine.
type MachineHandle struct {
	ID   string // provider UUID
	Name string // provider display name
}

// Matches reports whether id refers to this machine by UUID or name.
func (h MachineHandle) Matches(id string) bool {
	return id != "" && (equalFold(id, h.ID) || equalFold(id, h.Name))
}

// SessionHandle is an opaque lock token bound to a single machine.
type SessionHandle interface {
	// Machine returns the machine the session is bound to.
	Machine() MachineHandle
}

// Info contains provider metadata.
type Info struct {
	Name    string // "vboxmanage" or "fake"
	Version string
}

// Mode names accepted by LaunchProcess.
const (
	ModeHeadless = "headless"
	ModeGUI      = "gui"
)
