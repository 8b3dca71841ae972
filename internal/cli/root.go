// Package cli provides the command-line interface for devtray.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/javanstorm/devtray/internal/api"
	"github.com/javanstorm/devtray/internal/config"
)

var (
	cfgFile      string
	logLevelFlag string
	addrFlag     string

	// cfg is the loaded configuration, set before any command runs.
	cfg     *config.Config
	cfgUsed string
)

var rootCmd = &cobra.Command{
	Use:   "devtray",
	Short: "devtray - keep your development VMs at hand",
	Long: `devtray manages VirtualBox machines used as development servers.

"devtray run" keeps one server active, starts and stops it on request,
watches its directories, opens its console and runs named commands. The
other commands talk to a running devtray over its control API.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for commands that don't need it
		switch cmd.Name() {
		case "version", "completion", "help":
			return nil
		}
		return loadConfig()
	},
}

func loadConfig() error {
	c, used, err := config.Load(config.LoadOptions{File: cfgFile})
	if err != nil {
		return err
	}
	if logLevelFlag != "" {
		c.LogLevel = logLevelFlag
	}
	if addrFlag != "" {
		c.Addr = addrFlag
	}
	cfg, cfgUsed = c, used
	return nil
}

func client() *api.Client {
	return api.NewClient(cfg.Addr)
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: devtray.yaml in the data or config directory)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&addrFlag, "addr", "", "control API address (default "+api.DefaultAddr+")")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(switchCmd)
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(commandCmd)
	rootCmd.AddCommand(consoleCmd)
	rootCmd.AddCommand(configCmd)
}
