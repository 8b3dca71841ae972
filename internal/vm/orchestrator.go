package vm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/javanstorm/devtray/internal/notify"
	"github.com/javanstorm/devtray/internal/probe"
	"github.com/javanstorm/devtray/pkg/provider"
)

// AppTitle is the notification title for messages not tied to a server.
const AppTitle = "devtray"

// DefaultPingTimeout bounds the reachability probe.
const DefaultPingTimeout = 3 * time.Second

// Options configures an Orchestrator.
type Options struct {
	// Provider is required.
	Provider provider.Provider

	Notifier  notify.Notifier
	Binder    Binder
	Prober    probe.Prober
	Confirmer Confirmer
	Logger    *log.Logger

	// Observers receive every applied transition. Observers that also
	// implement SessionWaitObserver receive session wait timings.
	Observers []TransitionObserver

	// Catalog lists servers that may be switched to without being
	// registered up front.
	Catalog []ServerConfig

	SessionTimeout time.Duration
	PingTimeout    time.Duration

	// ActiveFile persists the active machine id. Empty disables it.
	ActiveFile string
}

// ServerStatus is a point-in-time view of one registered server.
type ServerStatus struct {
	Name      string         `json:"name"`
	MachineID string         `json:"machine"`
	State     LifecycleState `json:"state"`
	Intent    string         `json:"intent"`
	Active    bool           `json:"active"`
}

// Orchestrator owns the registered servers and the active slot.
type Orchestrator struct {
	opts     Options
	provider provider.Provider
	notifier notify.Notifier
	binder   Binder
	logger   *log.Logger
	registry *Registry

	catalogMu sync.RWMutex
	catalog   map[string]ServerConfig

	savedActive string

	// handoffMu guards the switch in flight and the servers registered
	// only to be switched to.
	handoffMu sync.Mutex
	switching string
	transient map[string]bool

	subscribed atomic.Bool
	closed     atomic.Bool
	closeOnce  sync.Once
	closeErr   error
	wg         sync.WaitGroup
}

// New creates an Orchestrator. Call Start to begin receiving provider
// events and Close when done.
func New(opts Options) (*Orchestrator, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("%w: provider", ErrMissingField)
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Over(notify.Discard)
	}
	if opts.Binder == nil {
		opts.Binder = nopBinder{}
	}
	if opts.Prober == nil {
		opts.Prober = probe.New()
	}
	if opts.Confirmer == nil {
		opts.Confirmer = Always(false)
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = DefaultSessionTimeout
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = DefaultPingTimeout
	}

	o := &Orchestrator{
		opts:      opts,
		provider:  opts.Provider,
		notifier:  opts.Notifier,
		binder:    opts.Binder,
		logger:    opts.Logger,
		registry:  NewRegistry(opts.ActiveFile),
		catalog:   make(map[string]ServerConfig),
		transient: make(map[string]bool),
	}
	for _, cfg := range opts.Catalog {
		o.catalog[cfg.Key()] = cfg.Clone()
	}

	saved, err := o.registry.SavedActive()
	if err != nil {
		o.logger.Warn("ignoring active file", "err", err)
	}
	o.savedActive = NormalizeMachineID(saved)

	return o, nil
}

// Start subscribes to provider state-change events.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.closed.Load() {
		return fmt.Errorf("%w: orchestrator closed", ErrProviderUnavailable)
	}
	if err := o.provider.Subscribe(o.OnProviderEvent); err != nil {
		return fmt.Errorf("subscribe to provider events: %w", wrapProviderErr(err))
	}
	o.subscribed.Store(true)
	info := o.provider.Info()
	o.logger.Info("subscribed to provider", "provider", info.Name, "version", info.Version)
	return nil
}

// Registry exposes the server registry.
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// Register validates cfg, resolves its machine, registers the server and
// applies the provider's current state as the initial snapshot.
func (o *Orchestrator) Register(ctx context.Context, cfg ServerConfig) (*ManagedServer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, ok := o.registry.Get(cfg.MachineID); ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateMachine, cfg.MachineID)
	}

	handle, err := o.provider.FindMachine(ctx, cfg.MachineID)
	if err != nil {
		return nil, fmt.Errorf("find machine %q of %s: %w", cfg.MachineID, cfg.Name, wrapProviderErr(err))
	}

	s := newManagedServer(cfg, handle)
	logger := o.logger.With("server", cfg.Name)
	guard := NewSessionGuard(o.provider, handle, o.opts.SessionTimeout, logger)
	guard.onWait = func(wait time.Duration, unlocked bool) {
		o.observeSessionWait(cfg.Name, wait, unlocked)
	}
	newStateMachine(s, stateMachineDeps{
		guard:    guard,
		notifier: o.notifier,
		binder:   o.binder,
		logger:   logger,
		observe:  o.observe,
		spawn:    o.spawn,
		handoff:  o.beginHandoff,
	})

	if err := o.registry.Add(s); err != nil {
		return nil, err
	}

	raw, err := o.provider.QueryState(ctx, handle)
	if err != nil {
		_, _ = o.registry.Remove(cfg.MachineID)
		return nil, fmt.Errorf("query state of %s: %w", cfg.Name, wrapProviderErr(err))
	}
	s.sm.ApplyProviderState(raw, true)

	o.catalogMu.Lock()
	o.catalog[s.Key()] = s.Config()
	o.catalogMu.Unlock()

	if o.savedActive != "" && o.savedActive == s.Key() {
		if err := o.registry.SetActive(s); err != nil {
			o.logger.Warn("persisting active server", "err", err)
		}
	} else if _, err := o.registry.fillActive(s); err != nil {
		o.logger.Warn("persisting active server", "err", err)
	}

	logger.Info("server registered", "machine", cfg.MachineID, "state", s.State())
	return s, nil
}

// Unregister removes a server. Its watches and console are released.
// Servers registered for a switch are unregistered again when the active
// slot moves away from them.
func (o *Orchestrator) Unregister(machineID string) error {
	s, err := o.registry.Remove(machineID)
	if s != nil {
		o.binder.StopWatches(s)
		o.binder.KillConsole(s)
	}
	return err
}

// Servers returns the registered servers in registration order.
func (o *Orchestrator) Servers() []*ManagedServer {
	return o.registry.List()
}

// Server resolves a registered server by machine id or name.
func (o *Orchestrator) Server(id string) (*ManagedServer, bool) {
	return o.registry.Resolve(id)
}

// Active returns the active server, or nil.
func (o *Orchestrator) Active() *ManagedServer {
	return o.registry.Active()
}

// StartServers starts the named servers, as requested on the command line.
// Unknown names are an error; servers already running are skipped.
func (o *Orchestrator) StartServers(ctx context.Context, names []string) error {
	var errs []error
	for _, name := range names {
		s, ok := o.registry.Resolve(name)
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrMachineNotFound, name))
			continue
		}
		if s.State() != StatePoweredOff {
			o.logger.Info("server not powered off, skipping start", "server", s.Name(), "state", s.State())
			continue
		}
		if err := s.sm.RequestStart(ctx); err != nil {
			o.notifier.Error("Start server "+s.Name(), err.Error())
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StartActive starts the active server.
func (o *Orchestrator) StartActive(ctx context.Context) error {
	s, err := o.requireActive()
	if err != nil {
		return err
	}
	return o.report("Start server "+s.Name(), s.sm.RequestStart(ctx))
}

// StopActive stops the active server.
func (o *Orchestrator) StopActive(ctx context.Context) error {
	s, err := o.requireActive()
	if err != nil {
		return err
	}
	return o.report("Stop server "+s.Name(), s.sm.RequestStop(ctx))
}

// RestartActive restarts the active server.
func (o *Orchestrator) RestartActive(ctx context.Context) error {
	s, err := o.requireActive()
	if err != nil {
		return err
	}
	return o.report("Restart server "+s.Name(), s.sm.RequestRestart(ctx))
}

// SwitchActive makes machineID the active server. A running active server
// is stopped first, after confirmation, and the new one is started once the
// old one has powered off. confirm may be nil to use the configured
// Confirmer.
func (o *Orchestrator) SwitchActive(ctx context.Context, machineID string, confirm Confirmer) error {
	const title = "Switch server"
	if confirm == nil {
		confirm = o.opts.Confirmer
	}
	if err := o.checkSwitching(title); err != nil {
		return err
	}

	target, registered := o.registry.Resolve(machineID)
	var cfg ServerConfig
	if registered {
		cfg = target.Config()
	} else {
		var ok bool
		cfg, ok = o.lookupCatalog(machineID)
		if !ok {
			err := fmt.Errorf("%w: %s", ErrMachineNotFound, machineID)
			o.notifier.Error(title, err.Error())
			return err
		}
	}

	active := o.registry.Active()
	if active != nil && active.Key() == cfg.Key() {
		return nil
	}
	if active == nil {
		return o.activate(ctx, target, cfg)
	}

	switch state := active.State(); state {
	case StateStarting, StateStopping:
		o.notifier.Warning(title, fmt.Sprintf("%s is %s. Try again later.", active.Name(), state))
		return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, active.Name(), state)
	case StateRunning:
		question := fmt.Sprintf("%s is running. Do you want to stop it and switch to %s?", active.Name(), cfg.Name)
		if !confirm.Confirm(title, question) {
			o.logger.Info("switch declined", "from", active.Name(), "to", cfg.Name)
			return nil
		}
		if err := active.sm.RequestHandoff(ctx, cfg.MachineID, cfg.Name); err != nil {
			return o.report(title, err)
		}
		o.logger.Info("switch pending", "from", active.Name(), "to", cfg.Name)
		return nil
	default:
		return o.activate(ctx, target, cfg)
	}
}

func (o *Orchestrator) activate(ctx context.Context, s *ManagedServer, cfg ServerConfig) error {
	if s == nil {
		var err error
		if s, err = o.registerForSwitch(ctx, cfg); err != nil {
			o.notifier.Error("Switch server", err.Error())
			return err
		}
	}
	prev := o.registry.Active()
	if err := o.registry.SetActive(s); err != nil {
		return err
	}
	o.logger.Info("active server changed", "server", s.Name())
	o.releaseTransient(prev, s)
	return nil
}

// registerForSwitch registers a catalog server that is about to become
// active and remembers it as transient.
func (o *Orchestrator) registerForSwitch(ctx context.Context, cfg ServerConfig) (*ManagedServer, error) {
	s, err := o.Register(ctx, cfg)
	if err != nil {
		return nil, err
	}
	o.handoffMu.Lock()
	o.transient[s.Key()] = true
	o.handoffMu.Unlock()
	return s, nil
}

// releaseTransient unregisters prev when it was registered only for a
// switch and is no longer active.
func (o *Orchestrator) releaseTransient(prev, active *ManagedServer) {
	if prev == nil || prev == active {
		return
	}
	o.handoffMu.Lock()
	transient := o.transient[prev.Key()]
	delete(o.transient, prev.Key())
	o.handoffMu.Unlock()
	if !transient {
		return
	}
	if err := o.Unregister(prev.MachineID()); err != nil {
		o.logger.Warn("unregistering server", "server", prev.Name(), "err", err)
		return
	}
	o.logger.Info("server unregistered", "server", prev.Name())
}

// beginHandoff runs on the event path, with the powered-off server's state
// lock held. It marks the switch as in flight before the active slot moves
// so that no command reaches the old server in between.
func (o *Orchestrator) beginHandoff(from *ManagedServer, target, targetName string) {
	o.handoffMu.Lock()
	o.switching = targetName
	o.handoffMu.Unlock()
	o.spawn(func() { o.completeHandoff(from, target) })
}

// checkSwitching fails with ErrInvalidTransition while a switch is in flight.
func (o *Orchestrator) checkSwitching(title string) error {
	o.handoffMu.Lock()
	target := o.switching
	o.handoffMu.Unlock()
	if target == "" {
		return nil
	}
	o.notifier.Warning(title, fmt.Sprintf("Switching to %s. Try again later.", target))
	return fmt.Errorf("%w: switching to %s", ErrInvalidTransition, target)
}

// completeHandoff runs after from has powered off for a switch to target.
func (o *Orchestrator) completeHandoff(from *ManagedServer, target string) {
	defer func() {
		o.handoffMu.Lock()
		o.switching = ""
		o.handoffMu.Unlock()
	}()
	if o.closed.Load() {
		return
	}
	ctx := context.Background()

	s, ok := o.registry.Get(target)
	if !ok {
		cfg, found := o.lookupCatalog(target)
		if !found {
			o.notifier.Error("Switch server", fmt.Sprintf("%s: %s", ErrMachineNotFound, target))
			return
		}
		var err error
		if s, err = o.registerForSwitch(ctx, cfg); err != nil {
			o.notifier.Error("Switch server", err.Error())
			return
		}
	}

	if err := o.registry.SetActive(s); err != nil {
		o.logger.Warn("persisting active server", "err", err)
	}
	o.logger.Info("switched active server", "from", from.Name(), "to", s.Name())
	o.releaseTransient(from, s)

	if s.State() != StatePoweredOff {
		return
	}
	if err := s.sm.RequestStart(ctx); err != nil {
		o.notifier.Error("Start server "+s.Name(), err.Error())
	}
}

// Ping probes the active server and reports its run state together with
// the probe result.
func (o *Orchestrator) Ping(ctx context.Context) (probe.Result, error) {
	s, err := o.requireActive()
	if err != nil {
		return probe.Result{}, err
	}
	title := s.Name() + " [Test]"
	addr := s.cfg.Ping
	if addr == "" {
		err := fmt.Errorf("%w: ping address of %s", ErrMissingField, s.Name())
		o.notifier.Error(title, "No ping address is configured.")
		return probe.Result{}, err
	}

	res := o.opts.Prober.Ping(ctx, addr, o.opts.PingTimeout)
	running := s.State() == StateRunning
	machine := s.MachineID()

	switch {
	case running && res.OK():
		o.notifier.Info(title, fmt.Sprintf("The virtual machine %q is running and ping to %q was successful.", machine, addr))
	case running:
		o.notifier.Warning(title, fmt.Sprintf("The virtual machine %q is running, but ping to %q failed.", machine, addr))
	case res.OK():
		o.notifier.Error(title, fmt.Sprintf("The virtual machine %q isn't running, but ping to %q was successful.", machine, addr))
	default:
		o.notifier.Error(title, fmt.Sprintf("The virtual machine %q isn't running and ping to %q failed.", machine, addr))
	}
	return res, nil
}

// RunCommand runs a named command for the active server. An empty
// commandLine is looked up in the server's command table.
func (o *Orchestrator) RunCommand(name, commandLine string) error {
	s, err := o.requireActive()
	if err != nil {
		return err
	}
	title := fmt.Sprintf("%s [%s]", s.Name(), name)
	if strings.TrimSpace(commandLine) == "" {
		cmd, ok := s.Command(name)
		if !ok {
			err := fmt.Errorf("%w: %q on %s", ErrUnknownCommand, name, s.Name())
			o.notifier.Error(title, err.Error())
			return err
		}
		commandLine = cmd
	}
	if err := o.binder.RunNamedCommand(s, name, commandLine); err != nil {
		o.notifier.Error(title, err.Error())
		return err
	}
	return nil
}

// ShowConsole focuses or launches the console of the active server.
func (o *Orchestrator) ShowConsole() error {
	s, err := o.requireActive()
	if err != nil {
		return err
	}
	return o.report(s.Name()+": SSH", s.sm.ShowConsole())
}

// OnProviderEvent routes a provider state-change event to the owning
// server. It is the callback passed to Provider.Subscribe.
func (o *Orchestrator) OnProviderEvent(state provider.RawState, machineID string) {
	if o.closed.Load() {
		return
	}
	if strings.TrimSpace(machineID) != "" {
		s, ok := o.registry.Resolve(machineID)
		if !ok {
			o.logger.Debug("event for unmanaged machine", "machine", machineID, "state", state)
			return
		}
		s.sm.ApplyProviderState(state, false)
		return
	}

	servers := o.registry.List()
	switch len(servers) {
	case 0:
		return
	case 1:
		servers[0].sm.ApplyProviderState(state, false)
	default:
		o.Refresh(context.Background())
	}
}

// Refresh queries the provider for the state of every registered server
// and applies it.
func (o *Orchestrator) Refresh(ctx context.Context) {
	for _, s := range o.registry.List() {
		raw, err := o.provider.QueryState(ctx, s.Machine())
		if err != nil {
			o.logger.Warn("refreshing state", "server", s.Name(), "err", err)
			continue
		}
		s.sm.ApplyProviderState(raw, false)
	}
}

// OnApplicationClose offers to stop the active server when it is running.
func (o *Orchestrator) OnApplicationClose(ctx context.Context) error {
	s := o.registry.Active()
	if s == nil || s.State() != StateRunning {
		return nil
	}
	if !o.opts.Confirmer.Confirm(AppTitle, fmt.Sprintf("Do you want to stop %s?", s.Name())) {
		return nil
	}
	return o.report("Stop server "+s.Name(), s.sm.RequestStop(ctx))
}

// Snapshot returns the status of every registered server.
func (o *Orchestrator) Snapshot() []ServerStatus {
	active := o.registry.Active()
	servers := o.registry.List()
	out := make([]ServerStatus, 0, len(servers))
	for _, s := range servers {
		out = append(out, ServerStatus{
			Name:      s.Name(),
			MachineID: s.MachineID(),
			State:     s.State(),
			Intent:    s.Intent().String(),
			Active:    s == active,
		})
	}
	return out
}

// Wait blocks until background restarts and switch handoffs have finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Close unsubscribes from the provider and releases every server's
// resources. It is safe to call more than once.
func (o *Orchestrator) Close() error {
	o.closeOnce.Do(func() {
		o.closed.Store(true)

		var errs []error
		if o.subscribed.Load() {
			err := o.provider.Unsubscribe()
			if err != nil && !errors.Is(err, provider.ErrNotSubscribed) && !errors.Is(err, provider.ErrClosed) {
				errs = append(errs, fmt.Errorf("unsubscribe: %w", err))
			}
		}

		o.wg.Wait()

		for _, s := range o.registry.List() {
			o.binder.StopWatches(s)
			o.binder.KillConsole(s)
		}
		if err := o.binder.Close(); err != nil {
			errs = append(errs, err)
		}
		o.closeErr = errors.Join(errs...)
	})
	return o.closeErr
}

func (o *Orchestrator) requireActive() (*ManagedServer, error) {
	if err := o.checkSwitching(AppTitle); err != nil {
		return nil, err
	}
	s := o.registry.Active()
	if s == nil {
		o.notifier.Warning(AppTitle, "No active server.")
		return nil, ErrNoActiveServer
	}
	return s, nil
}

// report turns a command error into a notification and returns it.
func (o *Orchestrator) report(title string, err error) error {
	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidTransition):
		o.notifier.Warning(title, err.Error())
	default:
		o.notifier.Error(title, err.Error())
	}
	return err
}

func (o *Orchestrator) lookupCatalog(id string) (ServerConfig, bool) {
	o.catalogMu.RLock()
	defer o.catalogMu.RUnlock()
	if cfg, ok := o.catalog[NormalizeMachineID(id)]; ok {
		return cfg.Clone(), true
	}
	for _, cfg := range o.catalog {
		if strings.EqualFold(cfg.Name, strings.TrimSpace(id)) {
			return cfg.Clone(), true
		}
	}
	return ServerConfig{}, false
}

func (o *Orchestrator) observe(t Transition) {
	for _, obs := range o.opts.Observers {
		obs.ObserveTransition(t)
	}
}

func (o *Orchestrator) observeSessionWait(server string, wait time.Duration, unlocked bool) {
	for _, obs := range o.opts.Observers {
		if w, ok := obs.(SessionWaitObserver); ok {
			w.ObserveSessionWait(server, wait, unlocked)
		}
	}
}

func (o *Orchestrator) spawn(fn func()) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		fn()
	}()
}
