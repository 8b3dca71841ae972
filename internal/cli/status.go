package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/javanstorm/devtray/internal/api"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show managed servers",
	Long:  `List the servers of the running devtray with their state, intent and boot history.`,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	servers, err := client().Servers(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderStatus(servers))
	return nil
}

func renderStatus(servers []api.ServerView) string {
	if len(servers) == 0 {
		return mutedStyle.Render("No servers are registered.")
	}

	rows := make([][]string, 0, len(servers))
	for _, s := range servers {
		active := ""
		if s.Active {
			active = accentStyle.Render("●")
		}
		boots, lastBoot := "-", "-"
		if s.History != nil {
			boots = fmt.Sprint(s.History.BootCount)
			if !s.History.LastBoot.IsZero() {
				lastBoot = s.History.LastBoot.Local().Format(time.DateTime)
			}
		}
		rows = append(rows, []string{active, s.Name, s.MachineID, stateText(s.State), s.Intent, boots, lastBoot})
	}
	return renderTable([]string{"", "SERVER", "MACHINE", "STATE", "INTENT", "BOOTS", "LAST BOOT"}, rows)
}
