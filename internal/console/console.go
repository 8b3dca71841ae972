// Package console launches and tracks the interactive console (usually an
// SSH client in a terminal window) attached to a managed server.
package console

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"mvdan.cc/sh/v3/shell"
)

// Console errors.
var (
	ErrEmptyCommand = errors.New("console: command can't be empty")
	ErrNotRunning   = errors.New("console: process is not running")
)

// killWait bounds how long Kill waits for the process to exit.
const killWait = 2 * time.Second

// Handle refers to a launched console process.
type Handle interface {
	// PID returns the operating system process id.
	PID() int
}

// Launcher starts and controls console processes.
type Launcher interface {
	Launch(commandLine string) (Handle, error)
	Focus(h Handle) error
	IsAlive(h Handle) bool
	Kill(h Handle) error
}

// SplitCommand splits a command line into argv using shell quoting rules.
// Variables are not expanded.
func SplitCommand(commandLine string) ([]string, error) {
	if strings.TrimSpace(commandLine) == "" {
		return nil, ErrEmptyCommand
	}
	argv, err := shell.Fields(commandLine, func(string) string { return "" })
	if err != nil {
		return nil, fmt.Errorf("parse command %q: %w", commandLine, err)
	}
	if len(argv) == 0 {
		return nil, ErrEmptyCommand
	}
	return argv, nil
}

// process is the Handle returned by Exec.
type process struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (p *process) PID() int {
	return p.cmd.Process.Pid
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Exec launches consoles as child processes.
type Exec struct {
	logger *log.Logger

	// FocusCommand, when set, is run with the process id appended to bring
	// the console window to the front (for example "wmctrl -i -a").
	FocusCommand string

	mu sync.Mutex
}

// NewExec returns a launcher for child-process consoles.
func NewExec(logger *log.Logger) *Exec {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Exec{logger: logger}
}

// Launch starts commandLine detached from the caller's standard streams.
func (e *Exec) Launch(commandLine string) (Handle, error) {
	argv, err := SplitCommand(commandLine)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start console %q: %w", commandLine, err)
	}

	p := &process{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()

	e.logger.Debug("console started", "pid", cmd.Process.Pid, "command", argv[0])
	return p, nil
}

// IsAlive reports whether the console process has not exited yet.
func (e *Exec) IsAlive(h Handle) bool {
	p, ok := h.(*process)
	if !ok || p == nil {
		return false
	}
	return !p.exited()
}

// Focus brings the console to the front. Without a FocusCommand this is a
// no-op for a live process.
func (e *Exec) Focus(h Handle) error {
	if !e.IsAlive(h) {
		return ErrNotRunning
	}
	e.mu.Lock()
	focus := e.FocusCommand
	e.mu.Unlock()
	if focus == "" {
		return nil
	}

	argv, err := SplitCommand(focus)
	if err != nil {
		return err
	}
	argv = append(argv, fmt.Sprint(h.PID()))
	out, err := exec.Command(argv[0], argv[1:]...).CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			return fmt.Errorf("focus console: %w", err)
		}
		return fmt.Errorf("focus console: %w: %s", err, msg)
	}
	return nil
}

// Kill terminates the console and waits briefly for it to exit.
func (e *Exec) Kill(h Handle) error {
	p, ok := h.(*process)
	if !ok || p == nil || p.exited() {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !p.exited() {
		return fmt.Errorf("kill console: %w", err)
	}
	select {
	case <-p.done:
	case <-time.After(killWait):
		return fmt.Errorf("kill console: process %d did not exit", p.PID())
	}
	e.logger.Debug("console killed", "pid", p.PID())
	return nil
}
