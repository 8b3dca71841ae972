package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/javanstorm/devtray/internal/api"
	"github.com/javanstorm/devtray/internal/command"
	"github.com/javanstorm/devtray/internal/probe"
	"github.com/javanstorm/devtray/internal/provider/vboxmanage"
	"github.com/javanstorm/devtray/internal/vm"
)

// Provider names.
const (
	ProviderVBoxManage = "vboxmanage"
	ProviderFake       = "fake"
)

// Config holds all devtray configuration.
type Config struct {
	// Provider selects the virtualization backend.
	Provider string `mapstructure:"provider" yaml:"provider"`

	// VBoxManage is the path of the VBoxManage executable.
	VBoxManage string `mapstructure:"vboxmanage" yaml:"vboxmanage"`

	// PollInterval is how often machine states are polled.
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`

	// SessionTimeout bounds the wait for a machine session to unlock.
	SessionTimeout time.Duration `mapstructure:"session_timeout" yaml:"session_timeout"`

	// PingTimeout bounds a reachability test.
	PingTimeout time.Duration `mapstructure:"ping_timeout" yaml:"ping_timeout"`

	// CommandTimeout is the deadline of a named command.
	CommandTimeout time.Duration `mapstructure:"command_timeout" yaml:"command_timeout"`

	// CommandWorkers is how many named commands run at once.
	CommandWorkers int `mapstructure:"command_workers" yaml:"command_workers"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`

	// Addr is the control API listen address.
	Addr string `mapstructure:"addr" yaml:"addr"`

	// DataDir overrides the data directory.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	// History enables the boot history database.
	History bool `mapstructure:"history" yaml:"history"`

	// DesktopNotifications shows notifications on the desktop as well as
	// in the log.
	DesktopNotifications bool `mapstructure:"desktop_notifications" yaml:"desktop_notifications"`

	// NATSURL enables publishing transitions to NATS when set.
	NATSURL string `mapstructure:"nats_url" yaml:"nats_url,omitempty"`

	// NATSSubject is the subject prefix for published transitions.
	NATSSubject string `mapstructure:"nats_subject" yaml:"nats_subject,omitempty"`

	// Servers are the managed servers in configuration order.
	Servers []vm.ServerConfig `mapstructure:"servers" yaml:"servers"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	paths, err := GetPaths()
	if err != nil {
		// Fallback if we can't determine home directory
		paths = &Paths{DataDir: filepath.Join(os.TempDir(), "devtray")}
	}

	return &Config{
		Provider:             ProviderVBoxManage,
		VBoxManage:           vboxmanage.DefaultBinary,
		PollInterval:         vboxmanage.DefaultPollInterval,
		SessionTimeout:       vm.DefaultSessionTimeout,
		PingTimeout:          probe.DefaultTimeout,
		CommandTimeout:       command.DefaultTimeout,
		CommandWorkers:       command.DefaultWorkers,
		LogLevel:             "info",
		Addr:                 api.DefaultAddr,
		DataDir:              paths.DataDir,
		History:              true,
		DesktopNotifications: true,
		NATSSubject:          "devtray",
	}
}

// LoadOptions controls where configuration is read from.
type LoadOptions struct {
	// File is an explicit config file. When empty, devtray.yaml is
	// searched in the data and config directories.
	File string
	// Paths overrides the platform paths.
	Paths *Paths
}

// Load reads configuration from file, environment, and defaults. A missing
// config file is not an error unless it was named explicitly.
func Load(opts LoadOptions) (*Config, string, error) {
	paths := opts.Paths
	if paths == nil {
		var err error
		if paths, err = GetPaths(); err != nil {
			return nil, "", fmt.Errorf("failed to determine paths: %w", err)
		}
	}

	v := viper.New()

	defaults := DefaultConfig()
	defaults.DataDir = paths.DataDir
	v.SetDefault("provider", defaults.Provider)
	v.SetDefault("vboxmanage", defaults.VBoxManage)
	v.SetDefault("poll_interval", defaults.PollInterval)
	v.SetDefault("session_timeout", defaults.SessionTimeout)
	v.SetDefault("ping_timeout", defaults.PingTimeout)
	v.SetDefault("command_timeout", defaults.CommandTimeout)
	v.SetDefault("command_workers", defaults.CommandWorkers)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("addr", defaults.Addr)
	v.SetDefault("data_dir", defaults.DataDir)
	v.SetDefault("history", defaults.History)
	v.SetDefault("desktop_notifications", defaults.DesktopNotifications)
	v.SetDefault("nats_url", defaults.NATSURL)
	v.SetDefault("nats_subject", defaults.NATSSubject)

	if opts.File != "" {
		v.SetConfigFile(opts.File)
	} else {
		v.SetConfigName("devtray")
		v.SetConfigType("yaml")
		v.AddConfigPath(paths.DataDir)
		v.AddConfigPath(paths.ConfigDir)
	}

	// Environment variable support: DEVTRAY_LOG_LEVEL, DEVTRAY_ADDR, etc.
	v.SetEnvPrefix("DEVTRAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.File != "" || !errors.As(err, &notFound) {
			return nil, "", fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.expandPaths()
	return cfg, v.ConfigFileUsed(), nil
}

func (c *Config) expandPaths() {
	c.DataDir = expandHome(c.DataDir)
	for i := range c.Servers {
		s := &c.Servers[i]
		s.Mailbox = expandHome(s.Mailbox)
		for j := range s.Watches {
			s.Watches[j].Directory = expandHome(s.Watches[j].Directory)
		}
	}
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// ActiveFile returns the active server file inside DataDir.
func (c *Config) ActiveFile() string {
	return (&Paths{DataDir: c.DataDir}).ActiveFile()
}

// HistoryDir returns the history database directory inside DataDir.
func (c *Config) HistoryDir() string {
	return (&Paths{DataDir: c.DataDir}).HistoryDir()
}

// LockFile returns the instance lock inside DataDir.
func (c *Config) LockFile() string {
	return (&Paths{DataDir: c.DataDir}).LockFile()
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	return nil
}

// YAML renders the configuration as YAML.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// Server returns the configuration of the server with the given name or
// machine id.
func (c *Config) Server(id string) (vm.ServerConfig, bool) {
	key := vm.NormalizeMachineID(id)
	for _, s := range c.Servers {
		if s.Key() == key || strings.EqualFold(s.Name, id) {
			return s, true
		}
	}
	return vm.ServerConfig{}, false
}
