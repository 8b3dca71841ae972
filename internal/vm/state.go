package vm

import (
	"fmt"
	"strings"
	"time"

	"github.com/javanstorm/devtray/pkg/provider"
)

// LifecycleState is the local view of a server's run state.
type LifecycleState int

const (
	StatePoweredOff LifecycleState = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s LifecycleState) String() string {
	switch s {
	case StatePoweredOff:
		return "powered off"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s LifecycleState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *LifecycleState) UnmarshalText(text []byte) error {
	for _, st := range []LifecycleState{StatePoweredOff, StateStarting, StateRunning, StateStopping} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("vm: unknown lifecycle state %q", text)
}

// Classify maps a raw provider state onto a lifecycle state. Anything the
// table does not name counts as powered off.
func Classify(raw provider.RawState) LifecycleState {
	switch raw.Normalize() {
	case provider.StateRunning:
		return StateRunning
	case provider.StateStarting, provider.StateRestoring:
		return StateStarting
	case provider.StateStopping, provider.StateSaving:
		return StateStopping
	default:
		return StatePoweredOff
	}
}

// Intent records why the local code expects the next transitions.
type Intent uint8

const (
	IntentStarting Intent = 1 << iota
	IntentStopping
	IntentRestarting
)

// Has reports whether every flag in f is set.
func (i Intent) Has(f Intent) bool {
	return i&f == f
}

func (i Intent) String() string {
	if i == 0 {
		return "none"
	}
	var parts []string
	if i.Has(IntentStarting) {
		parts = append(parts, "starting")
	}
	if i.Has(IntentStopping) {
		parts = append(parts, "stopping")
	}
	if i.Has(IntentRestarting) {
		parts = append(parts, "restarting")
	}
	return strings.Join(parts, "|")
}

// Transition is reported to observers after a server changes state.
type Transition struct {
	Server       string
	MachineID    string
	From         LifecycleState
	To           LifecycleState
	Intent       Intent // intents held when the transition arrived
	Initializing bool
	At           time.Time
}

// TransitionObserver receives every applied transition. Implementations
// are called with the server's state lock held and must not block.
type TransitionObserver interface {
	ObserveTransition(t Transition)
}

// SessionWaitObserver is implemented by observers that also want to know
// how long the session guard waited for the provider lock.
type SessionWaitObserver interface {
	ObserveSessionWait(server string, wait time.Duration, unlocked bool)
}
