package vm

import (
	"fmt"
	"strings"

	"github.com/javanstorm/devtray/pkg/provider"
)

// WatchConfig describes one directory watch.
type WatchConfig struct {
	Name      string `mapstructure:"name" yaml:"name" json:"name"`
	Message   string `mapstructure:"message" yaml:"message,omitempty" json:"message,omitempty"`
	Directory string `mapstructure:"directory" yaml:"directory" json:"directory"`
	// Pattern is an optional doublestar glob matched against the path
	// relative to Directory. Empty matches every file.
	Pattern string `mapstructure:"pattern" yaml:"pattern,omitempty" json:"pattern,omitempty"`
}

// CommandConfig is a named command line runnable against a server.
type CommandConfig struct {
	Name    string `mapstructure:"name" yaml:"name" json:"name"`
	Command string `mapstructure:"command" yaml:"command" json:"command"`
}

// ServerConfig is everything needed to register a managed server.
type ServerConfig struct {
	Name      string          `mapstructure:"name" yaml:"name" json:"name"`
	MachineID string          `mapstructure:"machine" yaml:"machine" json:"machine"`
	Console   string          `mapstructure:"console" yaml:"console,omitempty" json:"console,omitempty"`
	Ping      string          `mapstructure:"ping" yaml:"ping,omitempty" json:"ping,omitempty"`
	Mailbox   string          `mapstructure:"mailbox" yaml:"mailbox,omitempty" json:"mailbox,omitempty"`
	Watches   []WatchConfig   `mapstructure:"watches" yaml:"watches,omitempty" json:"watches,omitempty"`
	Commands  []CommandConfig `mapstructure:"commands" yaml:"commands,omitempty" json:"commands,omitempty"`
}

// Validate checks the fields registration depends on.
func (c ServerConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: server name", ErrMissingField)
	}
	if strings.TrimSpace(c.MachineID) == "" {
		return fmt.Errorf("%w: machine of server %q", ErrMissingField, c.Name)
	}
	for i, w := range c.Watches {
		if strings.TrimSpace(w.Directory) == "" {
			return fmt.Errorf("%w: directory of watch %d of server %q", ErrMissingField, i, c.Name)
		}
	}
	for i, cmd := range c.Commands {
		if strings.TrimSpace(cmd.Name) == "" {
			return fmt.Errorf("%w: name of command %d of server %q", ErrMissingField, i, c.Name)
		}
		if strings.TrimSpace(cmd.Command) == "" {
			return fmt.Errorf("%w: command line of %q of server %q", ErrMissingField, cmd.Name, c.Name)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (c ServerConfig) Clone() ServerConfig {
	out := c
	out.Watches = append([]WatchConfig(nil), c.Watches...)
	out.Commands = append([]CommandConfig(nil), c.Commands...)
	return out
}

// Key returns the registry key for the configured machine.
func (c ServerConfig) Key() string {
	return NormalizeMachineID(c.MachineID)
}

// NormalizeMachineID returns the case-insensitive form of a machine id
// used as registry key.
func NormalizeMachineID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// ManagedServer is a registered server: its identity, configuration and
// state machine.
type ManagedServer struct {
	cfg      ServerConfig
	machine  provider.MachineHandle
	commands map[string]string
	sm       *StateMachine
}

func newManagedServer(cfg ServerConfig, machine provider.MachineHandle) *ManagedServer {
	cfg = cfg.Clone()
	cmds := make(map[string]string, len(cfg.Commands))
	for _, c := range cfg.Commands {
		cmds[c.Name] = c.Command
	}
	return &ManagedServer{cfg: cfg, machine: machine, commands: cmds}
}

// Name returns the display name.
func (s *ManagedServer) Name() string { return s.cfg.Name }

// MachineID returns the configured machine identifier.
func (s *ManagedServer) MachineID() string { return s.cfg.MachineID }

// Key returns the lower-cased machine identifier used as registry key.
func (s *ManagedServer) Key() string { return s.cfg.Key() }

// Machine returns the provider handle resolved at registration.
func (s *ManagedServer) Machine() provider.MachineHandle { return s.machine }

// Config returns a copy of the server's configuration.
func (s *ManagedServer) Config() ServerConfig { return s.cfg.Clone() }

// Command looks up a named command line.
func (s *ManagedServer) Command(name string) (string, bool) {
	cmd, ok := s.commands[name]
	return cmd, ok
}

// State returns the current lifecycle state.
func (s *ManagedServer) State() LifecycleState { return s.sm.State() }

// Intent returns the pending intents.
func (s *ManagedServer) Intent() Intent { return s.sm.Intent() }

// StateMachine exposes the server's state machine.
func (s *ManagedServer) StateMachine() *StateMachine { return s.sm }

// matches reports whether id refers to this server, by configured id or by
// the provider's handle id or name.
func (s *ManagedServer) matches(id string) bool {
	return NormalizeMachineID(id) == s.Key() || s.machine.Matches(id)
}
