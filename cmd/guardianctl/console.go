package main

import (
	"fmt"
	"io"

	"github.com/guardian-av/guardian/internal/controlclient"
	"github.com/guardian-av/guardian/internal/menu"
)

// buildMenu assembles the operator console's top-level menu: the direct
// generalization of the teacher's device-setup wizard to channel
// supervisor operations, each item a single controlclient call.
func buildMenu(client *controlclient.Client, in io.Reader, out io.Writer) *menu.Menu {
	m := menu.New("guardian operator console", menu.WithInput(in), menu.WithOutput(out))

	m.AddItem(menu.Item{Key: "1", Label: "Show health", Action: func() error {
		health, err := client.Health()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "status=%s state=%s uptime=%.0fs video.totalDegraded=%d audio.totalDegraded=%d\n",
			health.Status, health.State, health.UptimeSeconds,
			health.Pipelines.Video.TotalDegraded, health.Pipelines.Audio.TotalDegraded)
		return nil
	}})

	m.AddItem(menu.Item{Key: "2", Label: "List pipelines", Action: func() error {
		pipelines, err := client.ListPipelines()
		if err != nil {
			return err
		}
		if len(pipelines) == 0 {
			fmt.Fprintln(out, "no pipelines")
			return nil
		}
		for _, p := range pipelines {
			fmt.Fprintf(out, "%-20s state=%-10s severity=%-10s restarts=%d\n", p.Channel, p.State, p.Severity, p.Restarts)
		}
		return nil
	}})

	m.AddItem(menu.Item{Key: "3", Label: "Reset circuit breaker", Action: resetAction(client, m, out, controlclient.RouteResetCircuitBreaker)})
	m.AddItem(menu.Item{Key: "4", Label: "Reset transport fallback", Action: resetAction(client, m, out, controlclient.RouteResetTransportFallback)})
	m.AddItem(menu.Item{Key: "5", Label: "Reset channel health", Action: resetAction(client, m, out, controlclient.RouteResetChannelHealth)})

	m.AddItem(menu.Item{Key: "6", Label: "Stop daemon", Action: func() error {
		if !m.Confirm("Really stop the running guardian daemon?") {
			fmt.Fprintln(out, "cancelled")
			return nil
		}
		status, err := client.Shutdown()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "shutdown requested, status=%d\n", status)
		return nil
	}})

	return m
}

func resetAction(client *controlclient.Client, m *menu.Menu, out io.Writer, route string) func() error {
	return func() error {
		channel := m.Input("Channel (canonical or bare id)")
		if channel == "" {
			fmt.Fprintln(out, "no channel given")
			return nil
		}
		result, status, err := client.Reset(route, channel)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "channel=%s applied=%v status=%d error=%s\n", result.Channel, result.Applied, status, result.Error)
		return nil
	}
}
