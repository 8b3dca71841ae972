package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the active server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := client().Start(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), successMsg("Start requested."))
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the active server",
	Long:  `Press the ACPI power button of the active server and close its console.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := client().Stop(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), successMsg("Stop requested."))
		return nil
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the active server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := client().Restart(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), successMsg("Restart requested."))
		return nil
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Test the active server",
	Long:  `Check that the active server is running and answers on its ping address.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := client().Ping(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if res.Status == "success" {
			fmt.Fprintln(out, successMsg("%s answered in %.1fms", res.Address, res.RTTMs))
			return nil
		}
		msg := fmt.Sprintf("%s: %s", res.Address, res.Status)
		if res.Error != "" {
			msg += " (" + res.Error + ")"
		}
		fmt.Fprintln(out, warnMsg("%s", msg))
		return nil
	},
}

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Open the console of the active server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return client().Console(cmd.Context())
	},
}

var commandLine string

var commandCmd = &cobra.Command{
	Use:   "command <name>",
	Short: "Run a named command for the active server",
	Long: `Run one of the commands configured for the active server. The result
is shown as a notification by the running devtray.

With --line an ad-hoc command line is run under the given name.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := strings.TrimSpace(args[0])
		if err := client().RunCommand(cmd.Context(), name, commandLine); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), successMsg("Command %q queued.", name))
		return nil
	},
}

func init() {
	commandCmd.Flags().StringVar(&commandLine, "line", "", "command line to run instead of the configured one")
}
