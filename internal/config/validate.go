package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charmbracelet/log"

	"github.com/javanstorm/devtray/internal/vm"
)

// ValidationError represents a configuration issue.
type ValidationError struct {
	Field   string
	Message string
	Fatal   bool // true = can't proceed, false = will be ignored
	// Kind is the vm error the issue corresponds to, if any.
	Kind error
}

func (e ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

func (e ValidationError) Unwrap() error {
	return e.Kind
}

// ValidateConfig checks the configuration and returns every problem found.
func ValidateConfig(cfg *Config) []ValidationError {
	var errs []ValidationError
	add := func(field, msg string, fatal bool, kind error) {
		errs = append(errs, ValidationError{Field: field, Message: msg, Fatal: fatal, Kind: kind})
	}

	switch cfg.Provider {
	case ProviderVBoxManage, ProviderFake:
	default:
		add("provider", fmt.Sprintf("unknown provider %q (want %s or %s)", cfg.Provider, ProviderVBoxManage, ProviderFake), true, nil)
	}
	if _, err := log.ParseLevel(cfg.LogLevel); err != nil {
		add("log_level", fmt.Sprintf("invalid level %q", cfg.LogLevel), true, nil)
	}
	for _, d := range []struct {
		field string
		value time.Duration
	}{
		{"poll_interval", cfg.PollInterval},
		{"session_timeout", cfg.SessionTimeout},
		{"ping_timeout", cfg.PingTimeout},
		{"command_timeout", cfg.CommandTimeout},
	} {
		if d.value <= 0 {
			add(d.field, "must be positive", true, nil)
		}
	}
	if cfg.CommandWorkers < 1 {
		add("command_workers", "must be at least 1", true, nil)
	}

	if len(cfg.Servers) == 0 {
		add("servers", "no server is configured", true, vm.ErrMissingField)
	}

	machines := make(map[string]string)
	for i, s := range cfg.Servers {
		prefix := fmt.Sprintf("servers[%d]", i)
		if strings.TrimSpace(s.Name) == "" {
			add(prefix+".name", "server name can't be empty", true, vm.ErrMissingField)
		} else {
			prefix = fmt.Sprintf("servers[%s]", s.Name)
		}
		if strings.TrimSpace(s.MachineID) == "" {
			add(prefix+".machine", "machine can't be empty", true, vm.ErrMissingField)
		} else if other, ok := machines[s.Key()]; ok {
			add(prefix+".machine", fmt.Sprintf("machine %q is already used by server %q", s.MachineID, other), true, vm.ErrDuplicateMachine)
		} else {
			machines[s.Key()] = s.Name
		}

		if s.Mailbox != "" && !isDir(s.Mailbox) {
			add(prefix+".mailbox", fmt.Sprintf("directory %q does not exist", s.Mailbox), true, nil)
		}

		for j, w := range s.Watches {
			field := fmt.Sprintf("%s.watches[%d]", prefix, j)
			switch {
			case strings.TrimSpace(w.Directory) == "":
				add(field+".directory", "directory can't be empty", true, vm.ErrMissingField)
			case !isDir(w.Directory):
				add(field+".directory", fmt.Sprintf("directory %q does not exist", w.Directory), true, nil)
			}
			if w.Pattern != "" && !doublestar.ValidatePattern(w.Pattern) {
				add(field+".pattern", fmt.Sprintf("invalid pattern %q", w.Pattern), true, nil)
			}
		}

		names := make(map[string]bool)
		for j, c := range s.Commands {
			field := fmt.Sprintf("%s.commands[%d]", prefix, j)
			if strings.TrimSpace(c.Name) == "" {
				add(field+".name", "command name can't be empty", true, vm.ErrMissingField)
			} else if names[c.Name] {
				add(field+".name", fmt.Sprintf("command %q is defined twice", c.Name), true, nil)
			}
			names[c.Name] = true
			if strings.TrimSpace(c.Command) == "" {
				add(field+".command", "command line can't be empty", true, vm.ErrMissingField)
			}
		}

		if s.Console == "" {
			add(prefix+".console", "no console command, the console will be unavailable", false, nil)
		}
	}

	return errs
}

func isDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

// Fatal returns the fatal issues joined into one error, or nil.
func Fatal(errs []ValidationError) error {
	var fatal []error
	for _, e := range errs {
		if e.Fatal {
			fatal = append(fatal, e)
		}
	}
	return errors.Join(fatal...)
}

// FormatValidationErrors returns human-readable error summary.
func FormatValidationErrors(errs []ValidationError) string {
	if len(errs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Configuration problems:\n")
	for _, e := range errs {
		prefix := "Warning"
		if e.Fatal {
			prefix = "Error"
		}
		fmt.Fprintf(&b, "  %s [%s]: %s\n", prefix, e.Field, e.Message)
	}
	return b.String()
}
