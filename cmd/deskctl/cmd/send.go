package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deskbridge/deskbridge/pkg/protocol"
)

func newSendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <command>",
		Short: "Dispatch a command locally (start_camera, stop_camera, capture, python:<path>)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp protocol.SendCommandResponse
			if err := apiPost("/api/v1/commands", protocol.SendCommandRequest{Command: args[0]}, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Accepted: %s\n", resp.Action)
			return nil
		},
	}
}
