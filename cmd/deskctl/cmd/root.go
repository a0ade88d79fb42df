package cmd

import (
	"github.com/spf13/cobra"

	"github.com/deskbridge/deskbridge/pkg/sockpath"
)

var (
	socketPath string

	// Version is set by the main package via ldflags.
	Version = "dev"
)

// NewRootCmd creates the root deskctl command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "deskctl",
		Short:        "deskctl controls the deskd daemon",
		Version:      Version,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", sockpath.DefaultSocketPath(), "deskd Unix socket path")

	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newAgentsCmd())
	rootCmd.AddCommand(newStateCmd())
	rootCmd.AddCommand(newSendCmd())
	rootCmd.AddCommand(newPollerCmd())
	rootCmd.AddCommand(newSecretsCmd())

	return rootCmd
}
