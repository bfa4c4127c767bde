package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/guardian-av/guardian/internal/config"
	"github.com/guardian-av/guardian/internal/eventbus"
	"github.com/guardian-av/guardian/internal/healthagg"
	"github.com/guardian-av/guardian/internal/metrics"
	"github.com/guardian-av/guardian/internal/pipeline"
	"github.com/guardian-av/guardian/internal/procmon"
	"github.com/guardian-av/guardian/internal/severity"
	"github.com/guardian-av/guardian/internal/source"
	"github.com/guardian-av/guardian/internal/supervisor"
)

func newStartCommand(flags *globalFlags) *cobra.Command {
	var listenAddr string
	var logLevel string
	var logFormat string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the guardian daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), flags, listenAddr, logLevel, logFormat)
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", ":8090", "Address to serve /healthz, /readyz, /metrics, and the control API on")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override logging.level from config (debug, info, warn, error)")
	cmd.Flags().StringVar(&logFormat, "log-format", "", "Override logging.format from config (json, text)")
	return cmd
}

func runDaemon(ctx context.Context, flags *globalFlags, listenAddr, logLevelOverride, logFormatOverride string) error {
	cfgMgr, err := config.NewConfigManager(flags.configPath, "GUARDIAN")
	if err != nil {
		return fmt.Errorf("guardian: load config: %w", err)
	}
	cfg := cfgMgr.Current()

	level := cfg.Logging.Level
	if logLevelOverride != "" {
		level = logLevelOverride
	}
	format := cfg.Logging.Format
	if logFormatOverride != "" {
		format = logFormatOverride
	}

	reg := metrics.New(metrics.WithSeverityConfig(severity.DefaultConfig()))
	logger := newLogger(level, format, reg)

	logger.Info("guardian starting", "version", Version, "commit", Commit)

	bus := eventbus.New(logger)
	bus.Subscribe(func(p eventbus.Payload) {
		logger.Info("event", "detector", p.Detector, "source", p.Source, "severity", p.Severity, "message", p.Message)
	})

	monitor := procmon.New(procmon.DefaultThresholds())

	sup := supervisor.New(supervisor.Config{
		Logger: logger,
		Deps: pipeline.Deps{
			Bus:            bus,
			Metrics:        reg,
			Monitor:        monitor,
			Spawner:        source.DefaultSpawner,
			Logger:         logger,
			SeverityConfig: severity.DefaultConfig(),
		},
	})
	cfgMgr.OnReload(func(previous, current config.GuardianConfig) {
		reloadCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := sup.ApplyConfig(reloadCtx, current); err != nil {
			logger.Error("config reload failed, rolled back", "error", err)
		} else {
			logger.Info("config reload applied")
		}
	})

	if err := sup.Start(ctx, cfg); err != nil {
		return fmt.Errorf("guardian: start supervisor: %w", err)
	}

	agg := healthagg.New(sup, reg, "guardian", Version)
	handler := healthagg.NewHandler(agg)

	runCtx, cancel := context.WithCancel(ctx)
	handler.HandleFunc("/control/shutdown", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		logger.Info("shutdown requested via control API")
		w.WriteHeader(http.StatusAccepted)
		cancel()
	})

	if flags.configPath != "" {
		if err := cfgMgr.Watch(runCtx); err != nil {
			logger.Warn("config hot-reload watch disabled", "error", err)
		}
	}

	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- healthagg.ListenAndServeReady(runCtx, listenAddr, handler, nil)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	var shutdownReason, shutdownSignal string
	select {
	case sig := <-sigCh:
		logger.Info("received signal, initiating shutdown", "signal", sig.String())
		shutdownReason, shutdownSignal = "signal", sig.String()
		cancel()
	case <-runCtx.Done():
		shutdownReason = "control-api"
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	hooks, stopErr := sup.Stop(stopCtx)
	agg.RecordShutdown(shutdownReason, shutdownSignal, stopErr, hooks)
	if stopErr != nil {
		logger.Error("shutdown completed with errors", "error", stopErr)
	}

	if err := <-serveErrCh; err != nil {
		logger.Error("health server stopped with error", "error", err)
	}

	logger.Info("guardian shutdown complete")
	return stopErr
}

func newLogger(level, format string, reg *metrics.Registry) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var base slog.Handler
	if format == "text" {
		base = slog.NewTextHandler(os.Stderr, opts)
	} else {
		base = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(metrics.NewCountingHandler(base, reg))
}
