package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/javanstorm/devtray/internal/api"
	"github.com/javanstorm/devtray/internal/binder"
	"github.com/javanstorm/devtray/internal/command"
	"github.com/javanstorm/devtray/internal/config"
	"github.com/javanstorm/devtray/internal/events"
	"github.com/javanstorm/devtray/internal/history"
	"github.com/javanstorm/devtray/internal/instance"
	"github.com/javanstorm/devtray/internal/logging"
	"github.com/javanstorm/devtray/internal/metrics"
	"github.com/javanstorm/devtray/internal/notify"
	"github.com/javanstorm/devtray/internal/provider/fake"
	"github.com/javanstorm/devtray/internal/provider/vboxmanage"
	"github.com/javanstorm/devtray/internal/timing"
	"github.com/javanstorm/devtray/internal/vm"
	"github.com/javanstorm/devtray/pkg/provider"
)

// appOptions control how an app is assembled.
type appOptions struct {
	// DryRun uses the fake provider with a machine for every configured
	// server and keeps notifications in the log.
	DryRun bool
	// Confirmer answers the stop question on exit.
	Confirmer vm.Confirmer
	// Listener replaces listening on the configured address.
	Listener net.Listener
	Log      io.Writer
	Timer    *timing.Timer
}

// app is a running devtray: the orchestrator and everything wired to it.
type app struct {
	cfg    *config.Config
	logger *log.Logger
	timer  *timing.Timer

	lock     *instance.Lock
	provider provider.Provider
	metrics  *metrics.Recorder
	history  *history.Store
	events   *events.Observer
	runner   *command.Runner
	orch     *vm.Orchestrator
	server   *api.Server
	listener net.Listener
}

// newApp assembles the app. On error everything built so far is released.
func newApp(ctx context.Context, c *config.Config, opts appOptions) (a *app, err error) {
	if errs := config.ValidateConfig(c); config.Fatal(errs) != nil {
		return nil, fmt.Errorf("invalid configuration:\n%s", config.FormatValidationErrors(errs))
	}
	if opts.Log == nil {
		opts.Log = os.Stderr
	}
	if opts.Timer == nil {
		opts.Timer = timing.New()
	}

	logger, err := logging.New(c.LogLevel, opts.Log)
	if err != nil {
		return nil, err
	}
	a = &app{cfg: c, logger: logger, timer: opts.Timer}
	defer func() {
		if err != nil {
			a.shutdown(context.Background(), false)
		}
	}()

	for _, problem := range config.ValidateConfig(c) {
		logger.Warn(problem.Error())
	}

	if err := c.EnsureDataDir(); err != nil {
		return nil, err
	}
	a.lock, err = instance.Acquire(c.LockFile())
	if err != nil {
		if errors.Is(err, instance.ErrAlreadyRunning) {
			if pid := instance.Owner(c.LockFile()); pid > 0 {
				return nil, fmt.Errorf("%w (pid %d)", err, pid)
			}
		}
		return nil, err
	}

	if err := a.timer.Track("provider", func() error {
		a.provider, err = newProvider(ctx, c, opts.DryRun, logger)
		return err
	}); err != nil {
		return nil, err
	}

	notifier := buildNotifier(c, opts.DryRun, logger)

	a.metrics = metrics.New()
	observers := []vm.TransitionObserver{a.metrics}

	if c.History {
		if err := a.timer.Track("history", func() error {
			a.history, err = history.Open(c.HistoryDir(), logger.WithPrefix("history"))
			return err
		}); err != nil {
			return nil, err
		}
		observers = append(observers, a.history)
	}

	if c.NATSURL != "" && !opts.DryRun {
		pub, err := events.NewNATS(c.NATSURL, c.NATSSubject, logger.WithPrefix("nats"))
		if err != nil {
			return nil, err
		}
		a.events = events.NewObserver(pub, logger)
		observers = append(observers, a.events)
	}

	a.runner = command.New(command.Options{
		Workers: c.CommandWorkers,
		Timeout: c.CommandTimeout,
		Logger:  logger.WithPrefix("command"),
	})
	b := binder.New(binder.Options{
		Notifier:  notifier,
		Runner:    a.runner,
		OnCommand: a.metrics.ObserveCommand,
		Logger:    logger,
	})

	a.orch, err = vm.New(vm.Options{
		Provider:       a.provider,
		Notifier:       notifier,
		Binder:         b,
		Confirmer:      opts.Confirmer,
		Logger:         logger,
		Observers:      observers,
		SessionTimeout: c.SessionTimeout,
		PingTimeout:    c.PingTimeout,
		ActiveFile:     c.ActiveFile(),
	})
	if err != nil {
		return nil, err
	}
	if err := a.orch.Start(ctx); err != nil {
		return nil, err
	}

	if err := a.timer.Track("register", func() error {
		for _, s := range c.Servers {
			if _, err := a.orch.Register(ctx, s); err != nil {
				return fmt.Errorf("register %s: %w", s.Name, err)
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}

	apiOpts := api.Options{
		Service: a.orch,
		Metrics: a.metrics,
		Logger:  logger.WithPrefix("api"),
	}
	if a.history != nil {
		apiOpts.History = a.history
	}
	a.server = api.NewServer(c.Addr, api.NewMux(apiOpts), logger)
	a.listener = opts.Listener
	return a, nil
}

func newProvider(ctx context.Context, c *config.Config, dryRun bool, logger *log.Logger) (provider.Provider, error) {
	if dryRun || c.Provider == config.ProviderFake {
		p := fake.New()
		for _, s := range c.Servers {
			p.AddMachine(s.MachineID, provider.StatePoweredOff)
		}
		return p, nil
	}
	p, err := vboxmanage.New(ctx, vboxmanage.Options{
		Binary:       c.VBoxManage,
		PollInterval: c.PollInterval,
		Logger:       logger.WithPrefix("vboxmanage"),
	})
	if err != nil {
		if errors.Is(err, provider.ErrUnavailable) {
			return nil, fmt.Errorf("%w: %w", vm.ErrProviderUnavailable, err)
		}
		return nil, err
	}
	return p, nil
}

func buildNotifier(c *config.Config, dryRun bool, logger *log.Logger) notify.Notifier {
	sinks := []notify.Sink{notify.NewLog(logger)}
	if c.DesktopNotifications && !dryRun {
		sinks = append(sinks, notify.NewDesktop())
	}
	return notify.Over(notify.Multi(sinks...))
}

// checkStartNames reports names that match no configured server.
func checkStartNames(c *config.Config, names []string) error {
	var unknown []string
	for _, n := range names {
		if _, ok := c.Server(n); !ok {
			unknown = append(unknown, n)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("%w: %s", vm.ErrMachineNotFound, strings.Join(unknown, ", "))
	}
	return nil
}

// serve runs the control API until ctx is cancelled.
func (a *app) serve(ctx context.Context) error {
	if a.listener != nil {
		return a.server.Serve(ctx, a.listener)
	}
	return a.server.ListenAndServe(ctx)
}

// shutdown releases everything the app holds, first offering to stop the
// active server when offerStop is set. Errors are logged.
func (a *app) shutdown(ctx context.Context, offerStop bool) {
	if a.orch != nil {
		if offerStop {
			if err := a.orch.OnApplicationClose(ctx); err != nil {
				a.logger.Warn("stopping active server", "err", err)
			}
		}
		if err := a.orch.Close(); err != nil {
			a.logger.Warn("closing orchestrator", "err", err)
		}
	}
	if a.runner != nil {
		_ = a.runner.Close()
	}
	if a.events != nil {
		if err := a.events.Close(); err != nil {
			a.logger.Warn("closing event publisher", "err", err)
		}
	}
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			a.logger.Warn("closing history", "err", err)
		}
	}
	if c, ok := a.provider.(io.Closer); ok {
		if err := c.Close(); err != nil {
			a.logger.Warn("closing provider", "err", err)
		}
	}
	if a.lock != nil {
		if err := a.lock.Release(); err != nil {
			a.logger.Warn("releasing instance lock", "err", err)
		}
	}
}
