package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deskbridge/deskbridge/pkg/protocol"
)

func newStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Show the last dispatched command and camera flags",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp protocol.StateResponse
			if err := apiGet("/api/v1/state", &resp); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			last := resp.LastCommand
			if last.Source == protocol.SourceNone || last.ExecutedAt.IsZero() {
				fmt.Fprintln(out, "Last Command:      (none)")
			} else {
				fmt.Fprintf(out, "Last Command:      %s\n", last.Content)
				fmt.Fprintf(out, "  ID:              %s\n", last.ID)
				fmt.Fprintf(out, "  Source:          %s\n", last.Source)
				fmt.Fprintf(out, "  Executed At:     %s\n", last.ExecutedAt.Format("2006-01-02 15:04:05"))
			}
			fmt.Fprintf(out, "Camera Active:     %v\n", resp.CameraActive)
			fmt.Fprintf(out, "Capture Requested: %v\n", resp.CaptureRequested)
			return nil
		},
	}
}
