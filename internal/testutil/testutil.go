// Package testutil provides common test helpers for devtray tests.
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/javanstorm/devtray/internal/notify"
	"github.com/javanstorm/devtray/internal/probe"
	"github.com/javanstorm/devtray/internal/provider/fake"
	"github.com/javanstorm/devtray/internal/vm"
)

// Harness is an orchestrator wired to the fake provider, an in-memory
// notifier and a recording binder.
type Harness struct {
	Provider *fake.Provider
	Notes    *notify.Memory
	Binder   *Binder
	Prober   *Prober
	Orch     *vm.Orchestrator
}

// NewHarness builds a started orchestrator. mutate may adjust the options
// before construction. The orchestrator is closed when the test ends.
func NewHarness(t *testing.T, mutate func(*vm.Options)) *Harness {
	t.Helper()

	h := &Harness{
		Provider: fake.New(),
		Notes:    notify.NewMemory(),
		Binder:   NewBinder(),
		Prober:   &Prober{},
	}
	opts := vm.Options{
		Provider:       h.Provider,
		Notifier:       notify.Over(h.Notes),
		Binder:         h.Binder,
		Prober:         h.Prober,
		SessionTimeout: 100 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}

	o, err := vm.New(opts)
	if err != nil {
		t.Fatalf("vm.New() error = %v", err)
	}
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = o.Close() })
	h.Orch = o
	return h
}

// Register registers a server and fails the test on error.
func (h *Harness) Register(t *testing.T, name, machine string) *vm.ManagedServer {
	t.Helper()
	s, err := h.Orch.Register(context.Background(), vm.ServerConfig{Name: name, MachineID: machine})
	if err != nil {
		t.Fatalf("Register(%q, %q) error = %v", name, machine, err)
	}
	return s
}

// Binder records calls made by the state machines.
type Binder struct {
	mu       sync.Mutex
	watching map[string]bool
	starts   map[string]int
	stops    map[string]int
	kills    map[string]int
	consoles map[string]int
	commands []string

	// StartErr is returned from StartWatches when set.
	StartErr error
	// CommandErr is returned from RunNamedCommand when set.
	CommandErr error
}

// NewBinder returns an empty recording binder.
func NewBinder() *Binder {
	return &Binder{
		watching: make(map[string]bool),
		starts:   make(map[string]int),
		stops:    make(map[string]int),
		kills:    make(map[string]int),
		consoles: make(map[string]int),
	}
}

func (b *Binder) StartWatches(s *vm.ManagedServer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.starts[s.Name()]++
	if b.StartErr != nil {
		return b.StartErr
	}
	b.watching[s.Name()] = true
	return nil
}

func (b *Binder) StopWatches(s *vm.ManagedServer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stops[s.Name()]++
	b.watching[s.Name()] = false
}

func (b *Binder) RunNamedCommand(s *vm.ManagedServer, name, commandLine string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commands = append(b.commands, s.Name()+":"+name+":"+commandLine)
	return b.CommandErr
}

func (b *Binder) ShowOrFocusConsole(s *vm.ManagedServer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consoles[s.Name()]++
	return nil
}

func (b *Binder) KillConsole(s *vm.ManagedServer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.kills[s.Name()]++
}

func (b *Binder) Close() error { return nil }

// Watching reports whether watches of the named server are running.
func (b *Binder) Watching(server string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.watching[server]
}

// WatchStarts returns how many times watches of server were started.
func (b *Binder) WatchStarts(server string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.starts[server]
}

// ConsoleKills returns how many times the console of server was killed.
func (b *Binder) ConsoleKills(server string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.kills[server]
}

// ConsoleShows returns how many times the console of server was shown.
func (b *Binder) ConsoleShows(server string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consoles[server]
}

// Commands returns "server:name:commandline" for each command run.
func (b *Binder) Commands() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.commands...)
}

// Prober returns a canned probe result.
type Prober struct {
	mu     sync.Mutex
	Status probe.Status
	calls  []string
}

// Ping records address and returns the configured status.
func (p *Prober) Ping(_ context.Context, address string, _ time.Duration) probe.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, address)
	return probe.Result{Status: p.Status, Address: address}
}

// SetStatus changes the canned status.
func (p *Prober) SetStatus(s probe.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Status = s
}

// Calls returns the probed addresses.
func (p *Prober) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// Eventually polls cond until it returns true or timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v: %s", timeout, msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// WriteFile writes content to name inside a fresh temporary directory and
// returns the full path.
func WriteFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create directory for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
	return path
}
