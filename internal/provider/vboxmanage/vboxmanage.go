// Package vboxmanage implements provider.Provider on top of the VBoxManage
// command line tool.
//
// VBoxManage has no event stream, so state changes are detected by polling
// the machines that have been resolved through FindMachine.
package vboxmanage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/javanstorm/devtray/pkg/provider"
)

// Defaults.
const (
	DefaultBinary       = "VBoxManage"
	DefaultPollInterval = time.Second
	defaultCallTimeout  = 30 * time.Second
)

// ExecFunc runs VBoxManage with args and returns its standard output.
// A non-nil error should carry standard error in its message.
type ExecFunc func(ctx context.Context, args ...string) (string, error)

// Options configures a Provider.
type Options struct {
	// Binary is the VBoxManage executable. Defaults to DefaultBinary.
	Binary       string
	PollInterval time.Duration
	Logger       *log.Logger
	// Exec replaces process execution, mostly for tests.
	Exec ExecFunc
}

type session struct {
	m provider.MachineHandle
}

func (s *session) Machine() provider.MachineHandle { return s.m }

type tracked struct {
	handle provider.MachineHandle
	last   provider.RawState
	held   bool
}

// Provider talks to VirtualBox through VBoxManage.
type Provider struct {
	exec     ExecFunc
	interval time.Duration
	logger   *log.Logger
	version  string

	mu       sync.Mutex
	machines map[string]*tracked
	cb       provider.Callback
	cancel   context.CancelFunc
	done     chan struct{}
	closed   bool
}

var _ provider.Provider = (*Provider)(nil)

// New checks that VBoxManage can be run and returns a provider. A missing
// or broken installation yields provider.ErrUnavailable.
func New(ctx context.Context, opts Options) (*Provider, error) {
	if opts.Binary == "" {
		opts.Binary = DefaultBinary
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}
	if opts.Exec == nil {
		opts.Exec = commandExec(opts.Binary)
	}

	out, err := opts.Exec(ctx, "--version")
	if err != nil {
		return nil, fmt.Errorf("%w: %s --version: %w", provider.ErrUnavailable, opts.Binary, err)
	}

	return &Provider{
		exec:     opts.Exec,
		interval: opts.PollInterval,
		logger:   opts.Logger,
		version:  ParseVersion(out),
		machines: make(map[string]*tracked),
	}, nil
}

func commandExec(binary string) ExecFunc {
	return func(ctx context.Context, args ...string) (string, error) {
		ctx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
		defer cancel()

		var stdout, stderr bytes.Buffer
		cmd := exec.CommandContext(ctx, binary, args...)
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				return stdout.String(), err
			}
			return stdout.String(), fmt.Errorf("%w: %s", err, msg)
		}
		return stdout.String(), nil
	}
}

// Info implements provider.Provider.
func (p *Provider) Info() provider.Info {
	return provider.Info{Name: "vboxmanage", Version: p.version}
}

func (p *Provider) showVMInfo(ctx context.Context, id string) (MachineInfo, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return MachineInfo{}, provider.ErrClosed
	}

	out, err := p.exec(ctx, "showvminfo", id, "--machinereadable")
	if err != nil {
		return MachineInfo{}, classify(id, err)
	}
	mi, _ := ParseMachineReadable(out)
	if mi.UUID == "" {
		return MachineInfo{}, fmt.Errorf("%w: %s: unexpected showvminfo output", provider.ErrMachineNotFound, id)
	}
	return mi, nil
}

func classify(id string, err error) error {
	var execErr *exec.Error
	msg := err.Error()
	switch {
	case errors.As(err, &execErr):
		return fmt.Errorf("%w: %w", provider.ErrUnavailable, err)
	case strings.Contains(msg, "Could not find a registered machine"),
		strings.Contains(msg, "VBOX_E_OBJECT_NOT_FOUND"):
		return fmt.Errorf("%w: %s", provider.ErrMachineNotFound, id)
	default:
		return err
	}
}

// FindMachine implements provider.Machines. Found machines are polled for
// state changes while a subscription is active.
func (p *Provider) FindMachine(ctx context.Context, id string) (provider.MachineHandle, error) {
	mi, err := p.showVMInfo(ctx, id)
	if err != nil {
		return provider.MachineHandle{}, err
	}
	h := provider.MachineHandle{ID: mi.UUID, Name: mi.Name}

	p.mu.Lock()
	if _, ok := p.machines[h.ID]; !ok {
		p.machines[h.ID] = &tracked{handle: h, last: mi.State}
	}
	p.mu.Unlock()
	return h, nil
}

// QueryState implements provider.Machines.
func (p *Provider) QueryState(ctx context.Context, h provider.MachineHandle) (provider.RawState, error) {
	mi, err := p.showVMInfo(ctx, h.ID)
	if err != nil {
		return "", err
	}
	return mi.State, nil
}

// Subscribe implements provider.Events. The poller starts with the first
// subscription.
func (p *Provider) Subscribe(cb provider.Callback) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return provider.ErrClosed
	}
	p.cb = cb
	if p.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		p.cancel = cancel
		p.done = make(chan struct{})
		go p.poll(ctx, p.done)
	}
	return nil
}

// Unsubscribe implements provider.Events.
func (p *Provider) Unsubscribe() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return provider.ErrClosed
	}
	if p.cb == nil {
		p.mu.Unlock()
		return provider.ErrNotSubscribed
	}
	p.cb = nil
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	cancel()
	<-done
	return nil
}

// Close stops the poller. Further calls fail with provider.ErrClosed.
func (p *Provider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.cb = nil
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

func (p *Provider) poll(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

// pollOnce queries every tracked machine and reports changed states.
func (p *Provider) pollOnce(ctx context.Context) {
	p.mu.Lock()
	handles := make([]provider.MachineHandle, 0, len(p.machines))
	for _, t := range p.machines {
		handles = append(handles, t.handle)
	}
	p.mu.Unlock()

	for _, h := range handles {
		mi, err := p.showVMInfo(ctx, h.ID)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Debug("polling machine", "machine", h.Name, "err", err)
			}
			continue
		}

		p.mu.Lock()
		t, ok := p.machines[h.ID]
		changed := ok && t.last != mi.State
		if changed {
			t.last = mi.State
		}
		cb := p.cb
		p.mu.Unlock()

		if changed && cb != nil && ctx.Err() == nil {
			p.logger.Debug("machine state changed", "machine", h.Name, "state", mi.State)
			cb(mi.State, h.ID)
		}
	}
}

// AcquireSession implements provider.Sessions. VBoxManage takes and drops
// the real lock inside each command, so the handle only tracks whether
// this process issued a command since the last unlock.
func (p *Provider) AcquireSession(_ context.Context, h provider.MachineHandle) (provider.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, provider.ErrClosed
	}
	if _, ok := p.machines[h.ID]; !ok {
		p.machines[h.ID] = &tracked{handle: h}
	}
	return &session{m: h}, nil
}

// IsSessionLocked implements provider.Sessions.
func (p *Provider) IsSessionLocked(ctx context.Context, h provider.MachineHandle) (bool, error) {
	mi, err := p.showVMInfo(ctx, h.ID)
	if err != nil {
		return false, err
	}
	return mi.Locked(), nil
}

// LaunchProcess implements provider.Sessions.
func (p *Provider) LaunchProcess(ctx context.Context, h provider.MachineHandle, _ provider.SessionHandle, mode string) error {
	if mode == "" {
		mode = provider.ModeHeadless
	}
	p.markHeld(h.ID)
	if _, err := p.exec(ctx, "startvm", h.ID, "--type", mode); err != nil {
		return classify(h.Name, err)
	}
	return nil
}

// RequestPowerOff implements provider.Sessions.
func (p *Provider) RequestPowerOff(ctx context.Context, s provider.SessionHandle) error {
	h := s.Machine()
	p.markHeld(h.ID)
	if _, err := p.exec(ctx, "controlvm", h.ID, "acpipowerbutton"); err != nil {
		return classify(h.Name, err)
	}
	return nil
}

// UnlockSession implements provider.Sessions.
func (p *Provider) UnlockSession(_ context.Context, s provider.SessionHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.machines[s.Machine().ID]
	if !ok || !t.held {
		return provider.ErrSessionNotLocked
	}
	t.held = false
	return nil
}

func (p *Provider) markHeld(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.machines[id]; ok {
		t.held = true
	}
}
