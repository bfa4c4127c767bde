// Package main implements guardianctl, an interactive terminal console
// wrapping the same control API cmd/guardian's non-"start" subcommands
// use, for operators who prefer a menu over remembering flags.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/guardian-av/guardian/internal/controlclient"
	"github.com/guardian-av/guardian/internal/menu"
)

func main() {
	addr := flag.String("api-addr", "http://127.0.0.1:8090", "Base URL of a running guardian daemon's control API")
	flag.Parse()

	client := controlclient.New(*addr)
	m := buildMenu(client, os.Stdin, os.Stdout)
	if err := m.Display(); err != nil {
		fmt.Fprintln(os.Stderr, "guardianctl:", err)
		os.Exit(1)
	}
}
