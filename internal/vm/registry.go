package vm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Registry holds the registered servers and the active slot.
//
// When activePath is set the active machine id is persisted there so the
// selection survives a restart of the program.
type Registry struct {
	activePath string

	mu      sync.RWMutex
	servers map[string]*ManagedServer
	order   []string
	active  *ManagedServer
}

// NewRegistry creates an empty registry. activePath may be empty.
func NewRegistry(activePath string) *Registry {
	return &Registry{
		activePath: activePath,
		servers:    make(map[string]*ManagedServer),
	}
}

// Add registers s. It does not touch the active slot.
func (r *Registry) Add(s *ManagedServer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := s.Key()
	if _, ok := r.servers[key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateMachine, s.MachineID())
	}
	r.servers[key] = s
	r.order = append(r.order, key)
	return nil
}

// Remove unregisters the server for machineID. Removing the active server
// empties the active slot.
func (r *Registry) Remove(machineID string) (*ManagedServer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := NormalizeMachineID(machineID)
	s, ok := r.servers[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMachineNotFound, machineID)
	}
	delete(r.servers, key)
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if r.active == s {
		r.active = nil
		if err := r.writeActive(""); err != nil {
			return s, err
		}
	}
	return s, nil
}

// Get returns the server registered under machineID.
func (r *Registry) Get(machineID string) (*ManagedServer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[NormalizeMachineID(machineID)]
	return s, ok
}

// Resolve finds a server by configured machine id, provider handle id or
// provider name, or server name.
func (r *Registry) Resolve(id string) (*ManagedServer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.servers[NormalizeMachineID(id)]; ok {
		return s, true
	}
	for _, key := range r.order {
		s := r.servers[key]
		if s.matches(id) {
			return s, true
		}
	}
	for _, key := range r.order {
		s := r.servers[key]
		if strings.EqualFold(s.Name(), strings.TrimSpace(id)) {
			return s, true
		}
	}
	return nil, false
}

// List returns the servers in registration order.
func (r *Registry) List() []*ManagedServer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ManagedServer, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.servers[key])
	}
	return out
}

// Len returns the number of registered servers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.servers)
}

// Active returns the server in the active slot, or nil.
func (r *Registry) Active() *ManagedServer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// SetActive puts s in the active slot. s must be registered.
func (r *Registry) SetActive(s *ManagedServer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if got, ok := r.servers[s.Key()]; !ok || got != s {
		return fmt.Errorf("%w: %s", ErrMachineNotFound, s.MachineID())
	}
	r.active = s
	return r.writeActive(s.MachineID())
}

// fillActive sets s as active only when the slot is empty.
func (r *Registry) fillActive(s *ManagedServer) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return false, nil
	}
	r.active = s
	return true, r.writeActive(s.MachineID())
}

// SavedActive returns the machine id stored in the active file, or "".
func (r *Registry) SavedActive() (string, error) {
	if r.activePath == "" {
		return "", nil
	}
	data, err := os.ReadFile(r.activePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read active file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// writeActive runs with mu held.
func (r *Registry) writeActive(machineID string) error {
	if r.activePath == "" {
		return nil
	}
	if machineID == "" {
		if err := os.Remove(r.activePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove active file: %w", err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(r.activePath), 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(r.activePath, []byte(machineID), 0644); err != nil {
		return fmt.Errorf("write active file: %w", err)
	}
	return nil
}
