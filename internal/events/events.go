// Package events publishes server state transitions to subscribers outside
// the process.
package events

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/javanstorm/devtray/internal/vm"
)

// DefaultSubjectPrefix is prepended to every event subject.
const DefaultSubjectPrefix = "devtray"

// Event is a published transition.
type Event struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Server       string    `json:"server"`
	MachineID    string    `json:"machine"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	Intent       string    `json:"intent"`
	Initializing bool      `json:"initializing,omitempty"`
	At           time.Time `json:"at"`
}

// FromTransition builds an event with a fresh id.
func FromTransition(t vm.Transition) Event {
	return Event{
		ID:           uuid.NewString(),
		Type:         "server.transition",
		Server:       t.Server,
		MachineID:    t.MachineID,
		From:         t.From.String(),
		To:           t.To.String(),
		Intent:       t.Intent.String(),
		Initializing: t.Initializing,
		At:           t.At,
	}
}

// Subject returns "<prefix>.server.<machine>.<type>". Characters NATS
// treats specially are replaced.
func (e Event) Subject(prefix string) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	machine := strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(strings.ToLower(e.MachineID))
	return prefix + ".server." + machine + ".transition"
}

// Payload returns the JSON encoding of e.
func (e Event) Payload() ([]byte, error) {
	return json.Marshal(e)
}

// Publisher delivers events. Publish may block on I/O.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// DefaultQueue is the observer's buffer size.
const DefaultQueue = 256

// Observer adapts a Publisher to vm.TransitionObserver. Transitions are
// queued and published from a single goroutine so the state machine never
// waits on the network; when the queue is full new events are dropped.
type Observer struct {
	pub    Publisher
	logger *log.Logger
	queue  chan Event
	done   chan struct{}

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	dropped   atomic.Int64
}

var _ vm.TransitionObserver = (*Observer)(nil)

// NewObserver starts publishing transitions through pub.
func NewObserver(pub Publisher, logger *log.Logger) *Observer {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	o := &Observer{
		pub:    pub,
		logger: logger,
		queue:  make(chan Event, DefaultQueue),
		done:   make(chan struct{}),
	}
	go o.run()
	return o
}

// ObserveTransition implements vm.TransitionObserver.
func (o *Observer) ObserveTransition(t vm.Transition) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return
	}
	select {
	case o.queue <- FromTransition(t):
	default:
		o.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (o *Observer) Dropped() int64 {
	return o.dropped.Load()
}

func (o *Observer) run() {
	defer close(o.done)
	for e := range o.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := o.pub.Publish(ctx, e); err != nil {
			o.logger.Warn("publishing event", "server", e.Server, "to", e.To, "err", err)
		}
		cancel()
	}
}

// Close publishes the queued events and closes the publisher.
func (o *Observer) Close() error {
	var err error
	o.closeOnce.Do(func() {
		o.mu.Lock()
		o.closed = true
		close(o.queue)
		o.mu.Unlock()
		<-o.done
		err = o.pub.Close()
	})
	return err
}
