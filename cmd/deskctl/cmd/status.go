package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deskbridge/deskbridge/pkg/protocol"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show deskd status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp protocol.StatusResponse
			if err := apiGet("/api/v1/status", &resp); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Status:         %s\n", resp.Status)
			fmt.Fprintf(out, "Uptime:         %s\n", resp.Uptime)
			fmt.Fprintf(out, "Started At:     %s\n", resp.StartedAt.Format("2006-01-02 15:04:05"))
			fmt.Fprintf(out, "Bus Running:    %v\n", resp.NATSRunning)
			fmt.Fprintf(out, "Agents:         %d\n", resp.AgentCount)
			fmt.Fprintf(out, "Cloud Enabled:  %v\n", resp.CloudEnabled)
			fmt.Fprintf(out, "Poller Running: %v\n", resp.PollerRunning)
			return nil
		},
	}
}
