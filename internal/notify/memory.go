package notify

import "sync"

// Memory records notifications in memory. It is safe for concurrent use.
type Memory struct {
	mu   sync.Mutex
	sent []Notification
	ch   chan struct{}
}

// NewMemory returns an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{ch: make(chan struct{}, 1)}
}

// Send records n.
func (m *Memory) Send(n Notification) {
	m.mu.Lock()
	m.sent = append(m.sent, n)
	m.mu.Unlock()

	select {
	case m.ch <- struct{}{}:
	default:
	}
}

// All returns a copy of every notification recorded so far.
func (m *Memory) All() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Notification, len(m.sent))
	copy(out, m.sent)
	return out
}

// Last returns the most recent notification.
func (m *Memory) Last() (Notification, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return Notification{}, false
	}
	return m.sent[len(m.sent)-1], true
}

// Count returns how many recorded notifications have the given level and body.
func (m *Memory) Count(level Level, body string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sent {
		if s.Level == level && s.Body == body {
			n++
		}
	}
	return n
}

// Len returns the number of recorded notifications.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// Reset forgets every recorded notification.
func (m *Memory) Reset() {
	m.mu.Lock()
	m.sent = nil
	m.mu.Unlock()
}

// Changed is signalled (without blocking) after each Send.
func (m *Memory) Changed() <-chan struct{} {
	return m.ch
}
