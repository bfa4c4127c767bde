package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/guardian-av/guardian/internal/controlclient"
	"github.com/guardian-av/guardian/internal/healthagg"
)

func newHealthCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Print the running daemon's Health JSON and exit with the matching code",
		RunE: func(cmd *cobra.Command, args []string) error {
			health, err := controlclient.New(flags.apiAddr).Health()
			if err != nil {
				return err
			}
			return printAndExit(health, health.Status)
		},
	}
}

func newReadyCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ready",
		Short: "Print the running daemon's readiness JSON and exit 0 iff ready",
		RunE: func(cmd *cobra.Command, args []string) error {
			ready, status, err := controlclient.New(flags.apiAddr).Ready()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(struct {
				Ready  bool             `json:"ready"`
				Status healthagg.Status `json:"status"`
			}{ready, status})
			if !ready {
				os.Exit(healthagg.ExitCode(status))
			}
			return nil
		},
	}
}

// newStatusCommand is an alias of "health" under the name spec §6 uses
// for the CLI boundary's status command; both print the same payload.
func newStatusCommand(flags *globalFlags) *cobra.Command {
	cmd := newHealthCommand(flags)
	cmd.Use = "status"
	cmd.Short = "Alias of \"health\": print status and exit with the matching code"
	return cmd
}

func newListPipelinesCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list-pipelines",
		Short: "List every channel the running daemon owns, with state and restart counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			pipelines, err := controlclient.New(flags.apiAddr).ListPipelines()
			if err != nil {
				return err
			}
			if len(pipelines) == 0 {
				fmt.Println("no pipelines")
				return nil
			}
			for _, p := range pipelines {
				fmt.Printf("%-20s state=%-10s severity=%-10s restarts=%d\n", p.Channel, p.State, p.Severity, p.Restarts)
			}
			return nil
		},
	}
}

func newResetCommand(flags *globalFlags, use, route string) *cobra.Command {
	var channel string
	cmd := &cobra.Command{
		Use:   use,
		Short: fmt.Sprintf("Call the running daemon's %s control endpoint for one channel", use),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, status, err := controlclient.New(flags.apiAddr).Reset(route, channel)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(result)
			if status >= 400 {
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "Canonical or bare channel id (required)")
	_ = cmd.MarkFlagRequired("channel")
	return cmd
}

func newStopCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Ask the running daemon to shut down gracefully",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := controlclient.New(flags.apiAddr).Shutdown()
			if err != nil {
				return err
			}
			if status >= 400 {
				return fmt.Errorf("guardian: shutdown request rejected with status %d", status)
			}
			fmt.Println("shutdown requested")
			return nil
		},
	}
}

func printAndExit(health healthagg.Health, status healthagg.Status) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(health); err != nil {
		return err
	}
	os.Exit(healthagg.ExitCode(status))
	return nil
}
