package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version information, overridden at build time via -ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// NewRootCommand creates the root command for the stratusd daemon.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stratusd",
		Short: "Stratus advisory platform daemon",
		Long: `stratusd runs the Stratus infrastructure advisory platform: the priority
event bus, the realtime WebSocket layer, and the agent resource manager,
behind a single HTTP listener.`,
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}

	cmd.AddCommand(NewServeCommand())
	cmd.AddCommand(NewVersionCommand())
	return cmd
}

// NewVersionCommand creates the version command.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "stratusd v%s (commit: %s, built on: %s)\n", Version, Commit, Date)
		},
	}
}
