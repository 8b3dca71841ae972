package vm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"

	"github.com/javanstorm/devtray/pkg/provider"
)

// DefaultSessionTimeout bounds the wait for a machine's session to unlock.
const DefaultSessionTimeout = 2 * time.Second

// Poll intervals used while waiting for the session lock.
const (
	sessionPollInitial = 20 * time.Millisecond
	sessionPollMax     = 250 * time.Millisecond
)

var errSessionLocked = errors.New("session locked")

// SessionGuard serializes access to a machine's provider session. The
// session is held only while a start or stop command is being issued.
type SessionGuard struct {
	provider provider.Sessions
	machine  provider.MachineHandle
	timeout  time.Duration
	logger   *log.Logger
	onWait   func(wait time.Duration, unlocked bool)

	mu      sync.Mutex
	session provider.SessionHandle
	held    bool
}

// NewSessionGuard creates a guard for machine. A zero timeout selects
// DefaultSessionTimeout.
func NewSessionGuard(p provider.Sessions, machine provider.MachineHandle, timeout time.Duration, logger *log.Logger) *SessionGuard {
	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}
	if logger == nil {
		logger = discardLogger()
	}
	return &SessionGuard{
		provider: p,
		machine:  machine,
		timeout:  timeout,
		logger:   logger,
	}
}

// Timeout returns the configured unlock wait bound.
func (g *SessionGuard) Timeout() time.Duration {
	return g.timeout
}

// Held reports whether this process currently holds the session.
func (g *SessionGuard) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held
}

// Acquire waits until the session is no longer locked or timeout elapses.
// It reports whether the session was seen unlocked. Errors are returned only
// for provider failures and cancellation of ctx.
func (g *SessionGuard) Acquire(ctx context.Context, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = g.timeout
	}
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = sessionPollInitial
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = sessionPollMax
	b.MaxElapsedTime = timeout
	b.Reset()

	start := time.Now()
	err := backoff.Retry(func() error {
		locked, err := g.provider.IsSessionLocked(ctx, g.machine)
		if err != nil {
			return backoff.Permanent(err)
		}
		if locked {
			return errSessionLocked
		}
		return nil
	}, backoff.WithContext(b, ctx))
	wait := time.Since(start)

	var unlocked bool
	switch {
	case err == nil:
		unlocked = true
	case parent.Err() != nil:
		return false, parent.Err()
	case errors.Is(err, errSessionLocked), errors.Is(err, context.DeadlineExceeded):
		unlocked = false
	default:
		return false, fmt.Errorf("%w: query session of %s: %w", ErrProviderUnavailable, g.machine.Name, err)
	}

	if g.onWait != nil {
		g.onWait(wait, unlocked)
	}
	return unlocked, nil
}

// Start launches the machine headless. A session still locked after the
// wait is logged and the launch is attempted anyway.
func (g *SessionGuard) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.releaseLocked(ctx); err != nil {
		g.logger.Warn("releasing stale session", "machine", g.machine.Name, "err", err)
	}

	session, err := g.sessionLocked(ctx)
	if err != nil {
		return err
	}

	unlocked, err := g.Acquire(ctx, g.timeout)
	if err != nil {
		return err
	}
	if !unlocked {
		g.logger.Warn("session still locked, launching anyway", "machine", g.machine.Name, "timeout", g.timeout)
	}

	g.held = true
	if err := g.provider.LaunchProcess(ctx, g.machine, session, provider.ModeHeadless); err != nil {
		g.held = false
		return fmt.Errorf("%w: %s: %w", ErrLaunchFailed, g.machine.Name, err)
	}

	if err := g.releaseLocked(ctx); err != nil {
		g.logger.Warn("releasing session after launch", "machine", g.machine.Name, "err", err)
	}
	return nil
}

// Stop presses the machine's ACPI power button.
func (g *SessionGuard) Stop(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.releaseLocked(ctx); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSessionBusy, g.machine.Name, err)
	}

	session, err := g.sessionLocked(ctx)
	if err != nil {
		return err
	}

	g.held = true
	powerErr := g.provider.RequestPowerOff(ctx, session)
	releaseErr := g.releaseLocked(ctx)

	if powerErr != nil {
		return fmt.Errorf("power off %s: %w", g.machine.Name, wrapProviderErr(powerErr))
	}
	if releaseErr != nil {
		return fmt.Errorf("%w: %s: %w", ErrSessionBusy, g.machine.Name, releaseErr)
	}
	return nil
}

// Release unlocks the session if this process holds it.
func (g *SessionGuard) Release(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.releaseLocked(ctx)
}

func (g *SessionGuard) releaseLocked(ctx context.Context) error {
	if !g.held || g.session == nil {
		g.held = false
		return nil
	}
	err := g.provider.UnlockSession(ctx, g.session)
	if err != nil && !errors.Is(err, provider.ErrSessionNotLocked) {
		return err
	}
	g.held = false
	return nil
}

func (g *SessionGuard) sessionLocked(ctx context.Context) (provider.SessionHandle, error) {
	if g.session != nil {
		return g.session, nil
	}
	s, err := g.provider.AcquireSession(ctx, g.machine)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSessionBusy, g.machine.Name, wrapProviderErr(err))
	}
	g.session = s
	return s, nil
}

// wrapProviderErr attaches the matching vm error kind to provider errors.
func wrapProviderErr(err error) error {
	switch {
	case errors.Is(err, provider.ErrMachineNotFound):
		return fmt.Errorf("%w: %w", ErrMachineNotFound, err)
	case errors.Is(err, provider.ErrUnavailable), errors.Is(err, provider.ErrClosed):
		return fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	default:
		return err
	}
}
