// Package binder attaches directory watches, the console process and named
// commands to managed servers as they start and stop.
package binder

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/javanstorm/devtray/internal/command"
	"github.com/javanstorm/devtray/internal/console"
	"github.com/javanstorm/devtray/internal/notify"
	"github.com/javanstorm/devtray/internal/vm"
	"github.com/javanstorm/devtray/internal/watch"
)

// Mailbox watch settings.
const (
	MailboxPattern = "*.eml"
	MailboxTitle   = "Email monitor [NEW EMAIL]"
)

// Options configures a Binder.
type Options struct {
	Notifier notify.Notifier
	Runner   *command.Runner
	Launcher console.Launcher
	// Opener opens a file with the desktop's default application.
	Opener func(path string) error
	// OnCommand is told about every finished command; err is nil on
	// success or wraps one of the vm command errors.
	OnCommand func(server, name string, err error)
	Logger    *log.Logger
}

// Binder implements vm.Binder.
type Binder struct {
	notifier  notify.Notifier
	runner    *command.Runner
	launcher  console.Launcher
	opener    func(string) error
	onCommand func(server, name string, err error)
	logger    *log.Logger

	mu       sync.Mutex
	watchers map[string][]*watch.Watcher
	consoles map[string]console.Handle
	closed   bool
}

var _ vm.Binder = (*Binder)(nil)

// New creates a Binder. A nil Runner or Launcher gets a default one.
func New(opts Options) *Binder {
	if opts.Notifier == nil {
		opts.Notifier = notify.Over(notify.Discard)
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}
	if opts.Runner == nil {
		opts.Runner = command.New(command.Options{Logger: opts.Logger})
	}
	if opts.Launcher == nil {
		opts.Launcher = console.NewExec(opts.Logger)
	}
	if opts.Opener == nil {
		opts.Opener = OpenFile
	}
	return &Binder{
		notifier:  opts.Notifier,
		runner:    opts.Runner,
		launcher:  opts.Launcher,
		opener:    opts.Opener,
		onCommand: opts.OnCommand,
		logger:    opts.Logger,
		watchers:  make(map[string][]*watch.Watcher),
		consoles:  make(map[string]console.Handle),
	}
}

// StartWatches starts the configured directory watches and the mailbox
// watch of s. Watches that fail to start are reported in the returned
// error; the others keep running.
func (b *Binder) StartWatches(s *vm.ManagedServer) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	if len(b.watchers[s.Key()]) > 0 {
		return nil
	}

	cfg := s.Config()
	var errs []error
	var started []*watch.Watcher

	for _, wc := range cfg.Watches {
		title := wc.Message
		if title == "" {
			title = fmt.Sprintf("%s [%s]", s.Name(), wc.Name)
		}
		w, err := b.startWatch(wc.Directory, wc.Pattern, title, "Click to open file '%s'.")
		if err != nil {
			errs = append(errs, fmt.Errorf("directory monitor %q: %w", wc.Name, err))
			continue
		}
		started = append(started, w)
	}

	if cfg.Mailbox != "" {
		w, err := b.startWatch(cfg.Mailbox, MailboxPattern, MailboxTitle, "Click to open email '%s'.")
		if err != nil {
			errs = append(errs, fmt.Errorf("email monitor: %w", err))
		} else {
			started = append(started, w)
		}
	}

	if len(started) > 0 {
		b.watchers[s.Key()] = started
		b.logger.Debug("watches started", "server", s.Name(), "count", len(started))
	}
	return errors.Join(errs...)
}

func (b *Binder) startWatch(dir, pattern, title, bodyFormat string) (*watch.Watcher, error) {
	w, err := watch.New(watch.Config{
		Pattern: pattern,
		Logger:  b.logger,
		OnCreate: func(path string) {
			b.notifier.Info(title, fmt.Sprintf(bodyFormat, filepath.Base(path)), notify.OnClick(func() {
				if err := b.opener(path); err != nil {
					b.notifier.Error(title, fmt.Sprintf("File '%s' can't be opened: %v", path, err))
				}
			}))
		},
	})
	if err != nil {
		return nil, err
	}
	if err := w.Start(dir); err != nil {
		return nil, err
	}
	return w, nil
}

// StopWatches stops every watch of s.
func (b *Binder) StopWatches(s *vm.ManagedServer) {
	b.mu.Lock()
	ws := b.watchers[s.Key()]
	delete(b.watchers, s.Key())
	b.mu.Unlock()

	for _, w := range ws {
		w.Stop()
	}
}

// Watching returns the directories currently watched for s.
func (b *Binder) Watching(s *vm.ManagedServer) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var dirs []string
	for _, w := range b.watchers[s.Key()] {
		dirs = append(dirs, w.Dir())
	}
	return dirs
}

// RunNamedCommand queues commandLine and notifies its outcome under the
// title "<server> [<name>]".
func (b *Binder) RunNamedCommand(s *vm.ManagedServer, name, commandLine string) error {
	title := fmt.Sprintf("%s [%s]", s.Name(), name)
	server := s.Name()

	err := b.runner.Submit(command.Job{
		Name:        name,
		CommandLine: commandLine,
		Done: func(res command.Result) {
			err := b.reportCommand(title, res)
			if b.onCommand != nil {
				b.onCommand(server, name, err)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", vm.ErrLaunchFailed, name, err)
	}
	return nil
}

func (b *Binder) reportCommand(title string, res command.Result) error {
	var exitErr *command.ExitError
	switch {
	case res.Err == nil:
		body := res.Output
		if body == "" {
			body = "Command was successfully run."
		}
		b.notifier.Info(title, body)
		return nil

	case errors.As(res.Err, &exitErr):
		body := fmt.Sprintf("Exit code: %d.", exitErr.Code)
		if exitErr.Output != "" {
			body += "\n" + exitErr.Output
		}
		b.notifier.Error(title, body)
		return fmt.Errorf("%w: %w", vm.ErrCommandFailed, res.Err)

	case errors.Is(res.Err, command.ErrTimeout):
		b.notifier.Error(title, fmt.Sprintf("Command was killed after %v.", b.runner.Timeout()))
		return fmt.Errorf("%w: %w", vm.ErrCommandTimeout, res.Err)

	default:
		b.notifier.Error(title, "Error while running command: "+res.Err.Error())
		return fmt.Errorf("%w: %w", vm.ErrLaunchFailed, res.Err)
	}
}

// ShowOrFocusConsole focuses the console of s if it is alive and launches
// it otherwise.
func (b *Binder) ShowOrFocusConsole(s *vm.ManagedServer) error {
	cfg := s.Config()
	if cfg.Console == "" {
		return fmt.Errorf("%w: SSH command can't be empty.", vm.ErrMissingField)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if h, ok := b.consoles[s.Key()]; ok && b.launcher.IsAlive(h) {
		if err := b.launcher.Focus(h); err != nil {
			b.logger.Debug("focusing console", "server", s.Name(), "err", err)
		}
		return nil
	}

	h, err := b.launcher.Launch(cfg.Console)
	if err != nil {
		return fmt.Errorf("%w: can't run SSH client with command '%s': %w", vm.ErrLaunchFailed, cfg.Console, err)
	}
	b.consoles[s.Key()] = h
	return nil
}

// KillConsole terminates the console of s if it is alive.
func (b *Binder) KillConsole(s *vm.ManagedServer) {
	b.mu.Lock()
	h, ok := b.consoles[s.Key()]
	delete(b.consoles, s.Key())
	b.mu.Unlock()

	if !ok || !b.launcher.IsAlive(h) {
		return
	}
	if err := b.launcher.Kill(h); err != nil {
		b.logger.Warn("killing console", "server", s.Name(), "err", err)
	}
}

// Close stops every watch, kills every console and drains the command
// runner.
func (b *Binder) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	watchers := b.watchers
	consoles := b.consoles
	b.watchers = make(map[string][]*watch.Watcher)
	b.consoles = make(map[string]console.Handle)
	b.mu.Unlock()

	for _, ws := range watchers {
		for _, w := range ws {
			w.Stop()
		}
	}
	for _, h := range consoles {
		if b.launcher.IsAlive(h) {
			_ = b.launcher.Kill(h)
		}
	}
	return b.runner.Close()
}
