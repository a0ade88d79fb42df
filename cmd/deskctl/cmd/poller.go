package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deskbridge/deskbridge/pkg/protocol"
)

func newPollerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "poller",
		Short: "Start or stop the cloud command loop",
	}
	cmd.AddCommand(newPollerActionCmd("start", "Resume polling the cloud command collection"))
	cmd.AddCommand(newPollerActionCmd("stop", "Stop polling after the current iteration"))
	return cmd
}

func newPollerActionCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp protocol.PollerResponse
			if err := apiPost("/api/v1/poller/"+action, nil, &resp); err != nil {
				return err
			}
			state := "stopped"
			if resp.Running {
				state = "running"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Poller %s\n", state)
			return nil
		},
	}
}
