// SPDX-License-Identifier: MIT

// Package healthagg implements HealthAggregator (spec §4.10): it
// derives a service-level {ok|starting|stopping|degraded} status from
// Supervisor state, MetricsRegistry error counts, and per-channel
// severity, and serves it alongside Prometheus metrics over HTTP.
//
// Grounded on lyrebirdaudio-go's internal/health/health.go (Response
// shape, ServeHTTP routing between /healthz and /metrics,
// ListenAndServeReady's synchronous-bind-then-serve pattern), with the
// hand-rolled Prometheus text exposition replaced by the real
// promhttp.Handler now that internal/metrics imports the client
// library directly.
package healthagg

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/guardian-av/guardian/internal/channelid"
	"github.com/guardian-av/guardian/internal/metrics"
	"github.com/guardian-av/guardian/internal/severity"
	"github.com/guardian-av/guardian/internal/source"
	"github.com/guardian-av/guardian/internal/supervisor"
)

// Status is the service-level health classification (spec §4.10).
type Status string

const (
	StatusOK       Status = "ok"
	StatusStarting Status = "starting"
	StatusStopping Status = "stopping"
	StatusDegraded Status = "degraded"
)

// ExitCode maps Status to the CLI boundary's documented exit code
// (spec §6): ok=0, degraded=1, starting=2, stopping=3.
func ExitCode(s Status) int {
	switch s {
	case StatusOK:
		return 0
	case StatusDegraded:
		return 1
	case StatusStarting:
		return 2
	case StatusStopping:
		return 3
	default:
		return 1
	}
}

// ChannelHealth is one pipeline's entry in the health payload.
type ChannelHealth struct {
	Channel           string     `json:"channel"`
	Severity          string     `json:"severity"`
	Restarts          int64      `json:"restarts"`
	WatchdogBackoffMs int64      `json:"watchdogBackoffMs"`
	DegradedSince     *time.Time `json:"degradedSince,omitempty"`
}

// KindSummary groups ChannelHealth entries for one MediaSource kind.
type KindSummary struct {
	Channels      []ChannelHealth `json:"channels"`
	Degraded      int             `json:"degraded"`
	TotalDegraded int             `json:"totalDegraded"`
}

// PipelinesHealth is the health payload's per-kind channel summaries.
type PipelinesHealth struct {
	Video KindSummary `json:"video"`
	Audio KindSummary `json:"audio"`
}

// MetricsSummaryPipelines aggregates restart/fallback counters across
// every channel.
type MetricsSummaryPipelines struct {
	Restarts           int64 `json:"restarts"`
	WatchdogRestarts   int64 `json:"watchdogRestarts"`
	WatchdogBackoffMs  int64 `json:"watchdogBackoffMs"`
	TransportFallbacks int64 `json:"transportFallbacks"`
}

// RetentionSummary surfaces the most recent retention warnings (spec §9,
// the retention task is external; Guardian only holds and reports them).
type RetentionSummary struct {
	Warnings    int64      `json:"warnings"`
	LastAt      *time.Time `json:"lastAt,omitempty"`
	LastMessage string     `json:"lastMessage,omitempty"`
}

// MetricsSummary is the health payload's metrics rollup.
type MetricsSummary struct {
	Pipelines MetricsSummaryPipelines `json:"pipelines"`
	Retention RetentionSummary        `json:"retention"`
}

// RuntimePipelines counts owned channels and their cumulative restarts
// by kind.
type RuntimePipelines struct {
	VideoChannels int   `json:"videoChannels"`
	AudioChannels int   `json:"audioChannels"`
	VideoRestarts int64 `json:"videoRestarts"`
	AudioRestarts int64 `json:"audioRestarts"`
}

// Runtime is the health payload's process-runtime section.
type Runtime struct {
	Pipelines RuntimePipelines `json:"pipelines"`
}

// ShutdownHookStatus reports one shutdown hook's last outcome.
type ShutdownHookStatus struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ShutdownInfo is the health payload's last-shutdown summary.
type ShutdownInfo struct {
	LastAt     *time.Time           `json:"lastAt,omitempty"`
	LastReason string               `json:"lastReason,omitempty"`
	LastSignal string               `json:"lastSignal,omitempty"`
	LastError  string               `json:"lastError,omitempty"`
	Hooks      []ShutdownHookStatus `json:"hooks,omitempty"`
}

// Application identifies the running binary and its last shutdown.
type Application struct {
	Name     string       `json:"name"`
	Version  string       `json:"version"`
	Shutdown ShutdownInfo `json:"shutdown"`
}

// Health is the documented Health JSON shape (spec §6).
type Health struct {
	Status         Status          `json:"status"`
	State          string          `json:"state"`
	UptimeSeconds  float64         `json:"uptimeSeconds"`
	StartedAt      time.Time       `json:"startedAt"`
	Timestamp      time.Time       `json:"timestamp"`
	Pipelines      PipelinesHealth `json:"pipelines"`
	MetricsSummary MetricsSummary  `json:"metricsSummary"`
	Runtime        Runtime         `json:"runtime"`
	Application    Application     `json:"application"`
}

// Ready returns whether the service is ready to take traffic: running
// and status ok (spec §4.10).
func (h Health) Ready() bool {
	return h.State == string(supervisor.StateRunning) && h.Status == StatusOK
}

// Aggregator computes Health on demand from a Supervisor and its
// MetricsRegistry, and serves it over HTTP.
type Aggregator struct {
	sup     *supervisor.Supervisor
	metrics *metrics.Registry
	appName string
	appVer  string

	mu       sync.Mutex
	shutdown ShutdownInfo
}

// New builds an Aggregator over sup/reg, reporting (appName, appVer) in
// the health payload's application section.
func New(sup *supervisor.Supervisor, reg *metrics.Registry, appName, appVer string) *Aggregator {
	return &Aggregator{sup: sup, metrics: reg, appName: appName, appVer: appVer}
}

// RecordShutdown captures the outcome of a Supervisor.Stop call for the
// next Health() call's application.shutdown block.
func (a *Aggregator) RecordShutdown(reason, signal string, err error, hooks []supervisor.ShutdownHookResult) {
	now := time.Now()
	info := ShutdownInfo{LastAt: &now, LastReason: reason, LastSignal: signal}
	if err != nil {
		info.LastError = err.Error()
	}
	info.Hooks = make([]ShutdownHookStatus, 0, len(hooks))
	for _, h := range hooks {
		status := "ok"
		var errStr string
		if h.Err != nil {
			status = "error"
			errStr = h.Err.Error()
		}
		info.Hooks = append(info.Hooks, ShutdownHookStatus{Name: h.Name, Status: status, Error: errStr})
	}

	a.mu.Lock()
	a.shutdown = info
	a.mu.Unlock()
}

// Health computes the current health payload.
func (a *Aggregator) Health() Health {
	state := a.sup.State()
	pipelines := a.sup.Pipelines()
	snap := a.metrics.Snapshot()

	video, audio := KindSummary{}, KindSummary{}
	var metricsPipelines MetricsSummaryPipelines

	for _, p := range pipelines {
		ch := ChannelHealth{
			Channel:           p.Channel.Canonical(),
			Severity:          string(p.Stats.Severity.Level),
			Restarts:          p.Stats.Total,
			WatchdogBackoffMs: p.Stats.SumWatchdogBackoffMs,
		}
		if !p.Stats.DegradedSince.IsZero() {
			t := p.Stats.DegradedSince
			ch.DegradedSince = &t
		}

		metricsPipelines.Restarts += p.Stats.Total
		metricsPipelines.WatchdogRestarts += p.Stats.ByReason["watchdog-timeout"]
		metricsPipelines.WatchdogBackoffMs += p.Stats.SumWatchdogBackoffMs

		degraded := p.Stats.Severity.Level != severity.None || p.State == source.StateCircuitOpen.String()
		switch p.Channel.Type() {
		case channelid.TypeAudio:
			audio.Channels = append(audio.Channels, ch)
			if degraded {
				audio.Degraded++
			}
		default:
			video.Channels = append(video.Channels, ch)
			if degraded {
				video.Degraded++
			}
		}
	}
	video.TotalDegraded = video.Degraded
	audio.TotalDegraded = audio.Degraded
	metricsPipelines.TransportFallbacks = int64(len(snap.TransportFallback)) + snap.DroppedTransport

	retention := RetentionSummary{Warnings: int64(len(snap.RetentionWarnings)) + snap.DroppedRetention}
	if len(snap.RetentionWarnings) > 0 {
		last := snap.RetentionWarnings[0]
		retention.LastAt = &last.Timestamp
		retention.LastMessage = last.Message
	}

	runtime := Runtime{Pipelines: RuntimePipelines{
		VideoChannels: len(video.Channels), AudioChannels: len(audio.Channels),
		VideoRestarts: sumRestarts(video.Channels), AudioRestarts: sumRestarts(audio.Channels),
	}}

	errorCount := snap.Counters["log.error"]
	status := classify(state, video, audio, errorCount)

	var uptime float64
	startedAt := a.sup.StartedAt()
	if !startedAt.IsZero() {
		uptime = time.Since(startedAt).Seconds()
	}

	a.mu.Lock()
	shutdown := a.shutdown
	a.mu.Unlock()

	return Health{
		Status: status, State: string(state),
		UptimeSeconds: uptime, StartedAt: startedAt, Timestamp: time.Now(),
		Pipelines:      PipelinesHealth{Video: video, Audio: audio},
		MetricsSummary: MetricsSummary{Pipelines: metricsPipelines, Retention: retention},
		Runtime:        runtime,
		Application:    Application{Name: a.appName, Version: a.appVer, Shutdown: shutdown},
	}
}

func sumRestarts(channels []ChannelHealth) int64 {
	var total int64
	for _, c := range channels {
		total += c.Restarts
	}
	return total
}

// classify resolves Status from supervisor state, per-kind degraded
// channel counts, and the error-log counter (spec §4.10). Idle and
// stopped states have no dedicated CLI exit code (spec §6 lists only
// ok|degraded|starting|stopping); idle is bucketed with starting
// (not yet running) and stopped with stopping (already torn down).
func classify(state supervisor.State, video, audio KindSummary, errorCount int64) Status {
	switch state {
	case supervisor.StateStarting, supervisor.StateIdle:
		return StatusStarting
	case supervisor.StateStopping, supervisor.StateStopped:
		return StatusStopping
	}
	if errorCount > 0 || video.TotalDegraded > 0 || audio.TotalDegraded > 0 {
		return StatusDegraded
	}
	return StatusOK
}

// Handler serves /healthz (Health JSON), /readyz (readiness JSON), and
// /metrics (Prometheus exposition) on the same mux.
type Handler struct {
	agg *Aggregator
	mux *http.ServeMux
}

// NewHandler builds the combined health/ready/metrics HTTP handler.
func NewHandler(agg *Aggregator) *Handler {
	h := &Handler{agg: agg, mux: http.NewServeMux()}
	h.mux.HandleFunc("/healthz", h.serveHealthz)
	h.mux.HandleFunc("/readyz", h.serveReadyz)
	h.mux.Handle("/metrics", promhttp.HandlerFor(agg.metrics.Gatherer(), promhttp.HandlerOpts{}))
	h.registerControlRoutes()
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// HandleFunc registers an additional route on the same mux, for
// process-level concerns (like a shutdown trigger) that don't belong in
// this package's core health/metrics/control surface.
func (h *Handler) HandleFunc(pattern string, fn http.HandlerFunc) {
	h.mux.HandleFunc(pattern, fn)
}

func (h *Handler) serveHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	health := h.agg.Health()
	w.Header().Set("Content-Type", "application/json")
	if health.Status == StatusOK {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(health)
}

func (h *Handler) serveReadyz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	health := h.agg.Health()
	ready := health.Ready()
	w.Header().Set("Content-Type", "application/json")
	if ready {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(struct {
		Ready  bool   `json:"ready"`
		Status Status `json:"status"`
	}{Ready: ready, Status: health.Status})
}

// ListenAndServeReady starts the HTTP server on addr, closing ready
// (if non-nil) once the listener is bound and before Serve blocks.
// Binding happens synchronously so port-in-use errors are returned to
// the caller instead of being silently swallowed in a goroutine.
func ListenAndServeReady(ctx context.Context, addr string, h http.Handler, ready chan<- struct{}) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("healthagg: listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	if ready != nil {
		close(ready)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
