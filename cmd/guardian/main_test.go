package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/guardian-av/guardian/internal/controlclient"
	"github.com/guardian-av/guardian/internal/metrics"
	"github.com/guardian-av/guardian/internal/severity"
)

func TestRootCommandHasAllCLIBoundarySubcommands(t *testing.T) {
	root := newRootCommand()

	want := []string{
		"start", "status", "health", "ready", "list-pipelines",
		"reset-circuit-breaker", "reset-transport-fallback", "reset-channel-health",
		"stop",
	}
	got := make(map[string]bool)
	for _, c := range root.Commands() {
		got[c.Name()] = true
	}
	for _, name := range want {
		if !got[name] {
			t.Errorf("root command missing subcommand %q", name)
		}
	}
}

func TestResetCommandRequiresChannelFlag(t *testing.T) {
	flags := &globalFlags{apiAddr: "http://127.0.0.1:0"}
	cmd := newResetCommand(flags, "reset-circuit-breaker", "/control/reset-circuit-breaker")
	cmd.SetArgs(nil)
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected an error when --channel is not provided")
	}
}

func TestResetCommandReportsControlAPIFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Query().Get("channel") != "lobby" {
			t.Errorf("channel query param = %q, want lobby", r.URL.Query().Get("channel"))
		}
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{"applied": false, "error": "unknown channel"})
	}))
	defer srv.Close()

	// newResetCommand's RunE calls os.Exit(1) on a >=400 status, which
	// would kill the test binary, so the underlying client call it
	// delegates to is exercised directly instead.
	result, status, err := controlclient.New(srv.URL).Reset(controlclient.RouteResetCircuitBreaker, "lobby")
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", status)
	}
	if result.Applied {
		t.Fatal("Applied = true, want false")
	}
}

func TestNewLoggerCountsErrorRecords(t *testing.T) {
	reg := metrics.New(metrics.WithSeverityConfig(severity.DefaultConfig()))
	logger := newLogger("debug", "json", reg)

	logger.Error("boom")
	logger.Info("fine")

	snap := reg.Snapshot()
	if snap.Counters["log.error"] != 1 {
		t.Fatalf("log.error counter = %d, want 1", snap.Counters["log.error"])
	}
}
