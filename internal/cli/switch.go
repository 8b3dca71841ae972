package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/javanstorm/devtray/internal/api"
	"github.com/javanstorm/devtray/internal/vm"
)

var switchYes bool

var switchCmd = &cobra.Command{
	Use:   "switch <machine>",
	Short: "Make another server the active one",
	Long: `Switch the active server to the server with the given machine id or name.

If the current active server is running you are asked whether it should be
stopped first; the new server is started once it has powered off. Use --yes
to answer without a prompt.`,
	Args: cobra.ExactArgs(1),
	RunE: runSwitch,
}

func init() {
	switchCmd.Flags().BoolVarP(&switchYes, "yes", "y", false, "stop a running active server without asking")
}

func runSwitch(cmd *cobra.Command, args []string) error {
	target := args[0]
	c := client()

	var answer *bool
	if cmd.Flags().Changed("yes") {
		answer = &switchYes
	}
	confirm := confirmerFor(answer, os.Stdin, cmd.ErrOrStderr())

	ok, err := confirmSwitch(cmd, c, target, confirm)
	if err != nil {
		return err
	}
	if err := c.Switch(cmd.Context(), target, ok); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), successMsg("Switching to %s.", target))
	return nil
}

// confirmSwitch asks the stop question locally, the way the running
// devtray would, and returns the answer to send along.
func confirmSwitch(cmd *cobra.Command, c *api.Client, target string, confirm vm.Confirmer) (bool, error) {
	servers, err := c.Servers(cmd.Context())
	if err != nil {
		return false, err
	}

	var active *api.ServerView
	targetName := target
	for i := range servers {
		s := &servers[i]
		if s.Active {
			active = s
		}
		if vm.NormalizeMachineID(s.MachineID) == vm.NormalizeMachineID(target) || s.Name == target {
			targetName = s.Name
		}
	}
	if active == nil || active.State != vm.StateRunning || active.Name == targetName {
		return false, nil
	}
	question := fmt.Sprintf("%s is running. Do you want to stop it and switch to %s?", active.Name, targetName)
	return confirm.Confirm("Switch server", question), nil
}
