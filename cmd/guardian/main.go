// Package main implements the guardian daemon and its thin CLI boundary.
//
// guardian is designed for unattended operation, supervising every
// configured camera/microphone channel's capture pipeline with
// automatic restart, circuit breaking, and hot configuration reload.
//
// Usage:
//
//	guardian start [options]
//	guardian status|health|ready|list-pipelines [options]
//	guardian reset-circuit-breaker|reset-transport-fallback|reset-channel-health --channel=CHANNEL
package main

import (
	"os"
)

// Build information (set by ldflags).
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
