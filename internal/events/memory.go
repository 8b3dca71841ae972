package events

import (
	"context"
	"sync"
)

// Memory stores events in memory for tests and dry runs.
type Memory struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

// NewMemory returns an empty publisher.
func NewMemory() *Memory { return &Memory{} }

// Publish implements Publisher.
func (m *Memory) Publish(_ context.Context, e Event) error {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
	return nil
}

// Events returns a copy of everything published so far.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Close implements Publisher.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (m *Memory) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
