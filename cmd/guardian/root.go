package main

import (
	"github.com/spf13/cobra"

	"github.com/guardian-av/guardian/internal/controlclient"
)

// globalFlags holds the persistent flags shared by every subcommand,
// the generalization of birdnet-go's RootCommand/setupFlags split: one
// struct populated by PersistentFlags, passed down to each subcommand
// instead of read back out of viper globals.
type globalFlags struct {
	configPath string
	apiAddr    string
}

// newRootCommand builds the guardian command tree (spec §6 CLI
// boundary): "start" runs the daemon, the rest are thin HTTP clients
// against a running daemon's control surface.
func newRootCommand() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "guardian",
		Short:         "Guardian channel supervisor",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "Path to configuration file (empty uses defaults + env overrides)")
	root.PersistentFlags().StringVar(&flags.apiAddr, "api-addr", "http://127.0.0.1:8090", "Base URL of a running guardian daemon's control API")

	root.AddCommand(
		newStartCommand(flags),
		newStatusCommand(flags),
		newHealthCommand(flags),
		newReadyCommand(flags),
		newListPipelinesCommand(flags),
		newResetCommand(flags, "reset-circuit-breaker", controlclient.RouteResetCircuitBreaker),
		newResetCommand(flags, "reset-transport-fallback", controlclient.RouteResetTransportFallback),
		newResetCommand(flags, "reset-channel-health", controlclient.RouteResetChannelHealth),
		newStopCommand(flags),
	)
	return root
}
