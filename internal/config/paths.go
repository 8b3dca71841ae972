// Package config provides configuration management for devtray.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Paths holds platform-specific directory paths for devtray.
type Paths struct {
	// ConfigDir is the directory for configuration files.
	// macOS: ~/Library/Application Support/devtray
	// Windows: %AppData%\devtray
	// Linux: ~/.config/devtray (or XDG_CONFIG_HOME)
	ConfigDir string

	// DataDir holds the active server file, the history database and the
	// instance lock.
	// All platforms: ~/.devtray
	DataDir string

	// ConfigFile is the default config file.
	ConfigFile string
}

// GetPaths returns platform-aware paths for devtray.
func GetPaths() (*Paths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	p := &Paths{
		DataDir: filepath.Join(home, ".devtray"),
	}

	switch runtime.GOOS {
	case "darwin":
		p.ConfigDir = filepath.Join(home, "Library", "Application Support", "devtray")
	case "windows":
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, err
		}
		p.ConfigDir = filepath.Join(dir, "devtray")
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			p.ConfigDir = filepath.Join(xdgConfig, "devtray")
		} else {
			p.ConfigDir = filepath.Join(home, ".config", "devtray")
		}
	}

	p.ConfigFile = filepath.Join(p.DataDir, "devtray.yaml")
	return p, nil
}

// ActiveFile is where the active server's machine id is remembered.
func (p *Paths) ActiveFile() string {
	return filepath.Join(p.DataDir, "active")
}

// HistoryDir holds the boot history database.
func (p *Paths) HistoryDir() string {
	return filepath.Join(p.DataDir, "history")
}

// LockFile guards against a second running instance.
func (p *Paths) LockFile() string {
	return filepath.Join(p.DataDir, "devtray.lock")
}

// EnsureDirectories creates the config and data directories if they don't exist.
func (p *Paths) EnsureDirectories() error {
	if err := os.MkdirAll(p.ConfigDir, 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(p.DataDir, 0755); err != nil {
		return err
	}
	return nil
}
