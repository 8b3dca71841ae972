package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/javanstorm/devtray/internal/config"
)

var configValidate bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration devtray would run with, after defaults, the
config file and DEVTRAY_* environment variables are combined.

Configuration problems are listed on stderr. With --validate the command
fails when any of them is fatal.`,
	Args: cobra.NoArgs,
	RunE: runConfig,
}

func init() {
	configCmd.Flags().BoolVar(&configValidate, "validate", false, "fail on fatal configuration problems")
}

func runConfig(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if cfgUsed != "" {
		fmt.Fprintf(out, "# %s\n", cfgUsed)
	} else {
		fmt.Fprintln(out, "# no config file found, showing defaults")
	}

	data, err := cfg.YAML()
	if err != nil {
		return fmt.Errorf("render config: %w", err)
	}
	fmt.Fprint(out, string(data))

	problems := config.ValidateConfig(cfg)
	if len(problems) > 0 {
		fmt.Fprint(cmd.ErrOrStderr(), config.FormatValidationErrors(problems))
	}
	if configValidate {
		if err := config.Fatal(problems); err != nil {
			return errors.New("configuration is invalid")
		}
	}
	return nil
}
