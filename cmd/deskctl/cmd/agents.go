package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/deskbridge/deskbridge/pkg/protocol"
)

func newAgentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List agents and apps on the desk bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp protocol.AgentsResponse
			if err := apiGet("/api/v1/agents", &resp); err != nil {
				return err
			}

			if len(resp.Agents) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No agents registered.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tVERSION\tSTATUS\tEVENTS\tERRORS\tLAST HEARTBEAT")
			for _, a := range resp.Agents {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
					a.Name, a.Version, a.Status,
					a.EventsProcessed, a.Errors,
					a.LastHeartbeat.Format("15:04:05"),
				)
			}
			return w.Flush()
		},
	}
}
