package vm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/javanstorm/devtray/internal/notify"
	"github.com/javanstorm/devtray/pkg/provider"
)

// StateMachine tracks one server's lifecycle state and intents and applies
// the side effects of every transition.
//
// Two locks are involved. mu guards state, intents and the handoff target
// and is never held across a provider call. cmdMu serializes user commands,
// which may block in the session guard; provider events only take mu and
// so never wait behind a command.
type StateMachine struct {
	server   *ManagedServer
	guard    *SessionGuard
	notifier notify.Notifier
	binder   Binder
	logger   *log.Logger
	observe  func(Transition)
	spawn    func(func())
	// handoff is called with mu held once a server stopped for an
	// active-server switch has powered off. It must not block.
	handoff func(from *ManagedServer, target, targetName string)
	now     func() time.Time

	cmdMu sync.Mutex

	mu         sync.Mutex
	state      LifecycleState
	intent     Intent
	target     string
	targetName string
}

type stateMachineDeps struct {
	guard    *SessionGuard
	notifier notify.Notifier
	binder   Binder
	logger   *log.Logger
	observe  func(Transition)
	spawn    func(func())
	handoff  func(from *ManagedServer, target, targetName string)
}

func newStateMachine(s *ManagedServer, deps stateMachineDeps) *StateMachine {
	sm := &StateMachine{
		server:   s,
		guard:    deps.guard,
		notifier: deps.notifier,
		binder:   deps.binder,
		logger:   deps.logger,
		observe:  deps.observe,
		spawn:    deps.spawn,
		handoff:  deps.handoff,
		now:      time.Now,
	}
	if sm.notifier == nil {
		sm.notifier = notify.Over(notify.Discard)
	}
	if sm.binder == nil {
		sm.binder = nopBinder{}
	}
	if sm.logger == nil {
		sm.logger = discardLogger()
	}
	if sm.spawn == nil {
		sm.spawn = func(fn func()) { go fn() }
	}
	s.sm = sm
	return sm
}

// State returns the current lifecycle state.
func (sm *StateMachine) State() LifecycleState {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state
}

// Intent returns the pending intents.
func (sm *StateMachine) Intent() Intent {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.intent
}

// Guard returns the server's session guard.
func (sm *StateMachine) Guard() *SessionGuard {
	return sm.guard
}

// ApplyProviderState classifies raw and, if it differs from the current
// state, transitions and runs the entry actions. initializing marks the
// snapshot taken at registration. It reports whether a transition happened.
func (sm *StateMachine) ApplyProviderState(raw provider.RawState, initializing bool) bool {
	next := Classify(raw)

	sm.mu.Lock()
	defer sm.mu.Unlock()

	prev := sm.state
	if next == prev {
		return false
	}

	held := sm.intent
	sm.state = next
	sm.logger.Debug("state changed", "from", prev, "to", next, "intent", held, "initializing", initializing)

	switch next {
	case StateRunning:
		sm.enterRunning(initializing)
	case StatePoweredOff:
		sm.enterPoweredOff()
	}

	if sm.observe != nil {
		sm.observe(Transition{
			Server:       sm.server.Name(),
			MachineID:    sm.server.MachineID(),
			From:         prev,
			To:           next,
			Intent:       held,
			Initializing: initializing,
			At:           sm.now(),
		})
	}
	return true
}

// enterRunning runs with mu held.
func (sm *StateMachine) enterRunning(initializing bool) {
	name := sm.server.Name()
	if err := sm.binder.StartWatches(sm.server); err != nil {
		sm.logger.Warn("starting watches", "err", err)
		sm.notifier.Error(name, err.Error())
	}

	switch {
	case sm.intent.Has(IntentRestarting):
		sm.notifier.Info(name, fmt.Sprintf("%s was successfully restarted.", name))
	case sm.intent.Has(IntentStarting):
		sm.notifier.Info(name, fmt.Sprintf("%s was successfully started.", name))
	case initializing:
		sm.notifier.Warning(name, fmt.Sprintf("%s is already running.", name))
	default:
		sm.notifier.Warning(name, fmt.Sprintf("%s was started.", name))
	}

	sm.intent = 0
	sm.target, sm.targetName = "", ""
}

// enterPoweredOff runs with mu held.
func (sm *StateMachine) enterPoweredOff() {
	name := sm.server.Name()
	sm.binder.KillConsole(sm.server)
	sm.binder.StopWatches(sm.server)

	switch {
	case sm.target != "":
		target, targetName := sm.target, sm.targetName
		sm.target, sm.targetName = "", ""
		sm.intent = 0
		sm.notifier.Info(name, fmt.Sprintf("%s was powered off, switching to %s.", name, targetName))
		if sm.handoff != nil {
			sm.handoff(sm.server, target, targetName)
		}
	case sm.intent.Has(IntentRestarting) && !sm.intent.Has(IntentStarting):
		// Stop half of a restart done; the start half runs off the event path.
		sm.intent = IntentRestarting
		sm.spawn(sm.restart)
	case sm.intent.Has(IntentStopping):
		sm.intent = 0
		sm.notifier.Info(name, fmt.Sprintf("%s was successfully powered off.", name))
	default:
		sm.intent = 0
		sm.notifier.Error(name, fmt.Sprintf("%s was powered off.", name))
	}
}

// restart issues the start half of a restart.
func (sm *StateMachine) restart() {
	sm.cmdMu.Lock()
	defer sm.cmdMu.Unlock()

	if err := sm.issueStart(context.Background(), true); err != nil {
		sm.logger.Error("restart: start failed", "err", err)
		sm.notifier.Error("Restart server "+sm.server.Name(), err.Error())
	}
}

// RequestStart starts a powered-off server. It fails with
// ErrInvalidTransition in any other state. Repeating a start that the
// provider has not confirmed launches the machine again.
func (sm *StateMachine) RequestStart(ctx context.Context) error {
	sm.cmdMu.Lock()
	defer sm.cmdMu.Unlock()
	return sm.issueStart(ctx, false)
}

func (sm *StateMachine) issueStart(ctx context.Context, restart bool) error {
	name := sm.server.Name()

	sm.mu.Lock()
	switch {
	case sm.state != StatePoweredOff:
		state := sm.state
		sm.mu.Unlock()
		return fmt.Errorf("%w: cannot start %s while %s", ErrInvalidTransition, name, state)
	case restart && !sm.intent.Has(IntentRestarting):
		// Cancelled by a later transition.
		sm.mu.Unlock()
		return nil
	}
	prev := sm.intent
	sm.intent |= IntentStarting
	sm.mu.Unlock()

	sm.logger.Info("starting server", "restart", restart, "repeat", prev.Has(IntentStarting))
	if err := sm.guard.Start(ctx); err != nil {
		sm.mu.Lock()
		if restart {
			sm.intent &^= IntentStarting | IntentRestarting
		} else {
			sm.intent = prev
		}
		sm.mu.Unlock()
		return err
	}
	return nil
}

// RequestStop powers off a running server. It fails with
// ErrInvalidTransition in any other state. A stop the guest has not acted
// on yet may be requested again; the latest request decides what happens
// once the server has powered off.
func (sm *StateMachine) RequestStop(ctx context.Context) error {
	return sm.requestStop(ctx, IntentStopping, "", "")
}

// RequestRestart stops a running server and starts it again once the
// provider reports it powered off.
func (sm *StateMachine) RequestRestart(ctx context.Context) error {
	return sm.requestStop(ctx, IntentStopping|IntentRestarting, "", "")
}

// RequestHandoff stops a running server; once it has powered off, the
// server for machine target (shown as targetName) is started in its place.
func (sm *StateMachine) RequestHandoff(ctx context.Context, target, targetName string) error {
	if target == "" {
		return fmt.Errorf("%w: handoff target", ErrMissingField)
	}
	if targetName == "" {
		targetName = target
	}
	return sm.requestStop(ctx, IntentStopping, target, targetName)
}

func (sm *StateMachine) requestStop(ctx context.Context, set Intent, target, targetName string) error {
	sm.cmdMu.Lock()
	defer sm.cmdMu.Unlock()

	name := sm.server.Name()

	sm.mu.Lock()
	if sm.state != StateRunning {
		state := sm.state
		sm.mu.Unlock()
		return fmt.Errorf("%w: cannot stop %s while %s", ErrInvalidTransition, name, state)
	}
	prevIntent, prevTarget, prevTargetName := sm.intent, sm.target, sm.targetName
	sm.intent = set
	sm.target, sm.targetName = target, targetName
	sm.mu.Unlock()

	sm.logger.Info("stopping server", "intent", set, "handoff", target, "repeat", prevIntent.Has(IntentStopping))
	if err := sm.guard.Stop(ctx); err != nil {
		sm.mu.Lock()
		if sm.state == StateRunning {
			sm.intent = prevIntent
			sm.target, sm.targetName = prevTarget, prevTargetName
		}
		sm.mu.Unlock()
		return err
	}

	sm.binder.KillConsole(sm.server)
	return nil
}

// ShowConsole focuses or launches the console of a running server.
func (sm *StateMachine) ShowConsole() error {
	if state := sm.State(); state != StateRunning {
		return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, sm.server.Name(), state)
	}
	return sm.binder.ShowOrFocusConsole(sm.server)
}

// KillConsole terminates the console process, if any.
func (sm *StateMachine) KillConsole() {
	sm.binder.KillConsole(sm.server)
}
