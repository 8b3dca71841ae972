// Package fake is an in-memory provider for tests and dry runs.
//
// State changes are delivered to the subscriber synchronously, on the
// goroutine that caused them. With Auto enabled, launching a machine moves
// it through starting to running and powering it off moves it through
// stopping to poweroff, like a well-behaved guest would.
package fake

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/javanstorm/devtray/pkg/provider"
)

type machine struct {
	handle     provider.MachineHandle
	state      provider.RawState
	lockedTill time.Time
	locked     bool
	held       bool

	launches  int
	powerOffs int
	unlocks   int
	queries   int

	launchErr   error
	powerOffErr error
	unlockErr   error
}

type session struct {
	m provider.MachineHandle
}

func (s *session) Machine() provider.MachineHandle { return s.m }

// Provider is a scriptable provider.
type Provider struct {
	// Auto makes launches and power-offs emit the usual state sequence.
	Auto bool

	mu       sync.Mutex
	machines map[string]*machine
	order    []string
	cb       provider.Callback
	closed   bool

	unsubscribeErr error
}

var _ provider.Provider = (*Provider)(nil)

// New returns an empty fake provider with Auto enabled.
func New() *Provider {
	return &Provider{
		Auto:     true,
		machines: make(map[string]*machine),
	}
}

func key(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// AddMachine creates a machine known by name, with a generated UUID.
func (p *Provider) AddMachine(name string, state provider.RawState) provider.MachineHandle {
	p.mu.Lock()
	defer p.mu.Unlock()

	h := provider.MachineHandle{
		ID:   fmt.Sprintf("00000000-0000-0000-0000-%012d", len(p.order)+1),
		Name: name,
	}
	p.machines[key(name)] = &machine{handle: h, state: state}
	p.order = append(p.order, key(name))
	return h
}

func (p *Provider) lookup(id string) (*machine, bool) {
	if m, ok := p.machines[key(id)]; ok {
		return m, true
	}
	for _, k := range p.order {
		m := p.machines[k]
		if m.handle.Matches(id) {
			return m, true
		}
	}
	return nil, false
}

func (p *Provider) mustLookup(id string) *machine {
	m, ok := p.lookup(id)
	if !ok {
		panic("fake: unknown machine " + id)
	}
	return m
}

// Info implements provider.Provider.
func (p *Provider) Info() provider.Info {
	return provider.Info{Name: "fake", Version: "1.0"}
}

// FindMachine implements provider.Machines.
func (p *Provider) FindMachine(_ context.Context, id string) (provider.MachineHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return provider.MachineHandle{}, provider.ErrClosed
	}
	m, ok := p.lookup(id)
	if !ok {
		return provider.MachineHandle{}, fmt.Errorf("%w: %s", provider.ErrMachineNotFound, id)
	}
	return m.handle, nil
}

// QueryState implements provider.Machines.
func (p *Provider) QueryState(_ context.Context, h provider.MachineHandle) (provider.RawState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.lookup(h.ID)
	if !ok {
		return "", fmt.Errorf("%w: %s", provider.ErrMachineNotFound, h.Name)
	}
	m.queries++
	return m.state, nil
}

// Subscribe implements provider.Events.
func (p *Provider) Subscribe(cb provider.Callback) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return provider.ErrClosed
	}
	p.cb = cb
	return nil
}

// Unsubscribe implements provider.Events.
func (p *Provider) Unsubscribe() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unsubscribeErr != nil {
		return p.unsubscribeErr
	}
	if p.cb == nil {
		return provider.ErrNotSubscribed
	}
	p.cb = nil
	return nil
}

// AcquireSession implements provider.Sessions.
func (p *Provider) AcquireSession(_ context.Context, h provider.MachineHandle) (provider.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.lookup(h.ID); !ok {
		return nil, fmt.Errorf("%w: %s", provider.ErrMachineNotFound, h.Name)
	}
	return &session{m: h}, nil
}

// IsSessionLocked implements provider.Sessions.
func (p *Provider) IsSessionLocked(_ context.Context, h provider.MachineHandle) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.lookup(h.ID)
	if !ok {
		return false, fmt.Errorf("%w: %s", provider.ErrMachineNotFound, h.Name)
	}
	return m.locked || time.Now().Before(m.lockedTill), nil
}

// LaunchProcess implements provider.Sessions.
func (p *Provider) LaunchProcess(_ context.Context, h provider.MachineHandle, _ provider.SessionHandle, _ string) error {
	p.mu.Lock()
	m, ok := p.lookup(h.ID)
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", provider.ErrMachineNotFound, h.Name)
	}
	m.launches++
	if m.launchErr != nil {
		err := m.launchErr
		p.mu.Unlock()
		return err
	}
	m.held = true
	auto := p.Auto
	p.mu.Unlock()

	if auto {
		p.SetState(h.ID, provider.StateStarting)
		p.SetState(h.ID, provider.StateRunning)
	}
	return nil
}

// RequestPowerOff implements provider.Sessions.
func (p *Provider) RequestPowerOff(_ context.Context, s provider.SessionHandle) error {
	h := s.Machine()
	p.mu.Lock()
	m, ok := p.lookup(h.ID)
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", provider.ErrMachineNotFound, h.Name)
	}
	m.powerOffs++
	if m.powerOffErr != nil {
		err := m.powerOffErr
		p.mu.Unlock()
		return err
	}
	m.held = true
	auto := p.Auto
	p.mu.Unlock()

	if auto {
		p.SetState(h.ID, provider.StateStopping)
		p.SetState(h.ID, provider.StatePoweredOff)
	}
	return nil
}

// UnlockSession implements provider.Sessions.
func (p *Provider) UnlockSession(_ context.Context, s provider.SessionHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.lookup(s.Machine().ID)
	if !ok {
		return fmt.Errorf("%w: %s", provider.ErrMachineNotFound, s.Machine().Name)
	}
	m.unlocks++
	if m.unlockErr != nil {
		return m.unlockErr
	}
	if !m.held {
		return provider.ErrSessionNotLocked
	}
	m.held = false
	return nil
}

// SetState changes a machine's state and notifies the subscriber if the
// state actually changed.
func (p *Provider) SetState(id string, state provider.RawState) {
	p.mu.Lock()
	m := p.mustLookup(id)
	changed := m.state != state
	m.state = state
	cb := p.cb
	handle := m.handle
	p.mu.Unlock()

	if changed && cb != nil {
		cb(state, handle.ID)
	}
}

// Emit delivers an event without touching the stored state.
func (p *Provider) Emit(state provider.RawState, machineID string) {
	p.mu.Lock()
	cb := p.cb
	p.mu.Unlock()
	if cb != nil {
		cb(state, machineID)
	}
}

// State returns the stored state of a machine.
func (p *Provider) State(id string) provider.RawState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mustLookup(id).state
}

// Lock marks the machine's session as locked by another process until
// Unlock is called.
func (p *Provider) Lock(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mustLookup(id).locked = true
}

// Unlock clears a lock set with Lock or LockFor.
func (p *Provider) Unlock(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.mustLookup(id)
	m.locked = false
	m.lockedTill = time.Time{}
}

// LockFor marks the session locked for d.
func (p *Provider) LockFor(id string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mustLookup(id).lockedTill = time.Now().Add(d)
}

// FailLaunch makes every launch of the machine fail with err (nil clears).
func (p *Provider) FailLaunch(id string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mustLookup(id).launchErr = err
}

// FailPowerOff makes every power-off of the machine fail with err.
func (p *Provider) FailPowerOff(id string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mustLookup(id).powerOffErr = err
}

// FailUnlock makes every unlock of the machine's session fail with err.
func (p *Provider) FailUnlock(id string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mustLookup(id).unlockErr = err
}

// FailUnsubscribe makes Unsubscribe return err.
func (p *Provider) FailUnsubscribe(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unsubscribeErr = err
}

// Subscribed reports whether a callback is registered.
func (p *Provider) Subscribed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cb != nil
}

// Launches returns how many times the machine was launched.
func (p *Provider) Launches(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mustLookup(id).launches
}

// PowerOffs returns how many power-off requests the machine received.
func (p *Provider) PowerOffs(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mustLookup(id).powerOffs
}

// Held reports whether this process holds the machine's session.
func (p *Provider) Held(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mustLookup(id).held
}

// Close makes later calls fail with provider.ErrClosed.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cb = nil
	return nil
}
