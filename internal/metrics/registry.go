// SPDX-License-Identifier: MIT

// Package metrics implements Guardian's process-wide MetricsRegistry
// (spec §4.3): counters/gauges/histograms, per-channel restart
// accounting with bounded history, transport-fallback/suppression/
// retention warning buffers, and a warning pub-sub.
//
// Backed by github.com/prometheus/client_golang, grounded on the vector
// factory pattern in 99souls-ariadne's engine/telemetry/metrics and
// tphakala-birdnet-go's use of the same library; Snapshot is a deep,
// serializable copy of the in-process counter/gauge maps kept beside the
// prometheus vectors and of the bounded histories prometheus itself
// cannot hold. It does not read back from the prometheus registry.
package metrics

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/guardian-av/guardian/internal/ringhist"
	"github.com/guardian-av/guardian/internal/safego"
	"github.com/guardian-av/guardian/internal/severity"
)

const defaultHistoryLimit = 32
const defaultWarningBufferLimit = 64

// RestartRecord is one append-only restart event (spec §3 RestartEvent).
type RestartRecord struct {
	ID                uuid.UUID
	Kind              string // "video" | "audio"
	Channel           string // canonical channel id
	Reason            string
	Attempt           int
	DelayMs           int64
	WatchdogBackoffMs int64
	ErrorCode         string
	ExitCode          *int
	Signal            string
	Timestamp         time.Time
}

// TransportFallbackRecord is one transport-ladder advance (spec §3).
type TransportFallbackRecord struct {
	ID        uuid.UUID
	Channel   string
	From      string
	To        string
	Attempt   int
	Reason    string
	Timestamp time.Time
}

// SuppressionRecord records a detector's adaptive-gate suppression event.
type SuppressionRecord struct {
	Channel   string
	Detector  string
	Reason    string
	Timestamp time.Time
}

// RetentionWarning records a warning surfaced by the (external) retention
// task; Guardian only needs to hold and republish these.
type RetentionWarning struct {
	Message   string
	Timestamp time.Time
}

// Warning is published to on_warning subscribers whenever a channel's
// classified severity changes, or a transport-fallback/suppression/
// retention warning is recorded.
type Warning struct {
	Kind      string // "severity-change" | "transport-fallback" | "suppression" | "retention"
	Channel   string
	Message   string
	Timestamp time.Time
}

// WarningListener receives Warning notifications.
type WarningListener func(Warning)

// PipelineRestartParams is the optional detail attached to a restart
// record beyond (channel, kind, reason).
type PipelineRestartParams struct {
	DelayMs           int64
	WatchdogBackoffMs int64
	ErrorCode         string
	ExitCode          *int
	Signal            string
}

type channelStats struct {
	mu                   sync.Mutex
	kind                 string
	total                int64
	byReason             map[string]int64
	sumDelayMs           int64
	sumWatchdogBackoffMs int64
	history              *ringhist.Ring[RestartRecord]
	lastEvent            *RestartRecord
	severity             severity.Result
	degradedSince        time.Time
	manualOverride       bool
}

func newChannelStats(kind string, historyLimit int) *channelStats {
	return &channelStats{
		kind:     kind,
		byReason: make(map[string]int64),
		history:  ringhist.New[RestartRecord](historyLimit),
	}
}

// ChannelRestartSnapshot is the serializable per-channel restart view.
type ChannelRestartSnapshot struct {
	Kind                 string
	Total                int64
	ByReason             map[string]int64
	SumDelayMs           int64
	SumWatchdogBackoffMs int64
	HistoryLimit         int
	Dropped              int64
	History              []RestartRecord
	LastEvent            *RestartRecord
	Severity             severity.Level
	TriggeredBy          severity.TriggeredBy
	DegradedSince        *time.Time
}

// Snapshot is a deep, serializable copy of the whole registry.
type Snapshot struct {
	TakenAt           time.Time
	Counters          map[string]int64
	Gauges            map[string]float64
	Channels          map[string]ChannelRestartSnapshot
	TransportFallback []TransportFallbackRecord
	Suppression       []SuppressionRecord
	RetentionWarnings []RetentionWarning
	DroppedTransport  int64
	DroppedRetention  int64
	DroppedSuppress   int64
}

// Registry is Guardian's process-wide metrics sink.
type Registry struct {
	logger *slog.Logger

	severityCfg  severity.Config
	historyLimit int

	reg *prometheus.Registry

	counterVec   *prometheus.CounterVec
	gaugeVec     *prometheus.GaugeVec
	latencyHist  *prometheus.HistogramVec
	restartTotal *prometheus.CounterVec
	healthGauge  *prometheus.GaugeVec

	mu       sync.RWMutex
	counters map[string]int64
	gauges   map[string]float64
	channels map[string]*channelStats

	transportFallback *ringhist.Ring[TransportFallbackRecord]
	suppression       *ringhist.Ring[SuppressionRecord]
	retention         *ringhist.Ring[RetentionWarning]

	listenersMu sync.RWMutex
	listeners   []WarningListener
}

// Option configures a Registry at construction.
type Option func(*Registry)

// WithLogger attaches a logger for guard/panic diagnostics.
func WithLogger(l *slog.Logger) Option { return func(r *Registry) { r.logger = l } }

// WithSeverityConfig overrides the default restart-severity thresholds.
func WithSeverityConfig(cfg severity.Config) Option {
	return func(r *Registry) { r.severityCfg = cfg }
}

// WithHistoryLimit overrides the default per-channel restart history cap.
func WithHistoryLimit(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.historyLimit = n
		}
	}
}

// New creates a Registry backed by a private prometheus.Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		severityCfg:  severity.DefaultConfig(),
		historyLimit: defaultHistoryLimit,
		reg:          prometheus.NewRegistry(),
		counters:     make(map[string]int64),
		gauges:       make(map[string]float64),
		channels:     make(map[string]*channelStats),

		transportFallback: ringhist.New[TransportFallbackRecord](defaultWarningBufferLimit),
		suppression:       ringhist.New[SuppressionRecord](defaultWarningBufferLimit),
		retention:         ringhist.New[RetentionWarning](defaultWarningBufferLimit),
	}
	for _, o := range opts {
		o(r)
	}

	r.counterVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guardian", Name: "counter_total", Help: "Generic named counters.",
	}, []string{"path"})
	r.gaugeVec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "guardian", Name: "gauge", Help: "Generic named gauges.",
	}, []string{"path"})
	r.latencyHist = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "guardian", Name: "latency_ms", Help: "Observed operation latencies in milliseconds.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	}, []string{"name"})
	r.restartTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guardian", Name: "pipeline_restarts_total", Help: "Pipeline restarts by channel, kind, and reason.",
	}, []string{"channel", "kind", "reason"})
	r.healthGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "guardian", Name: "pipeline_health_severity", Help: "0=none 1=warning 2=critical, by channel.",
	}, []string{"channel"})

	r.reg.MustRegister(r.counterVec, r.gaugeVec, r.latencyHist, r.restartTotal, r.healthGauge)
	return r
}

// Gatherer exposes the underlying prometheus registry for an HTTP
// /metrics handler (promhttp.HandlerFor).
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// IncrementCounter adds n to the named counter.
func (r *Registry) IncrementCounter(path string, n int64) {
	r.mu.Lock()
	r.counters[path] += n
	r.mu.Unlock()
	r.counterVec.WithLabelValues(path).Add(float64(n))
}

// SetGauge sets the named gauge to v.
func (r *Registry) SetGauge(path string, v float64) {
	r.mu.Lock()
	r.gauges[path] = v
	r.mu.Unlock()
	r.gaugeVec.WithLabelValues(path).Set(v)
}

// ObserveLatency records an observed duration, in milliseconds, under name.
func (r *Registry) ObserveLatency(name string, ms float64) {
	r.latencyHist.WithLabelValues(name).Observe(ms)
}

// Time runs fn and records its wall-clock duration under name.
func (r *Registry) Time(name string, fn func()) {
	start := time.Now()
	defer func() { r.ObserveLatency(name, float64(time.Since(start).Milliseconds())) }()
	fn()
}

func (r *Registry) channelStatsFor(channel, kind string) *channelStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs, ok := r.channels[channel]
	if !ok {
		cs = newChannelStats(kind, r.historyLimit)
		r.channels[channel] = cs
	}
	return cs
}

// RecordPipelineRestart records one restart event for channel, updating
// totals, bounded history, and re-derived severity (spec §4.3).
func (r *Registry) RecordPipelineRestart(kind, channel, reason string, params PipelineRestartParams) {
	cs := r.channelStatsFor(channel, kind)

	rec := RestartRecord{
		ID: uuid.New(), Kind: kind, Channel: channel, Reason: reason,
		DelayMs: params.DelayMs, WatchdogBackoffMs: params.WatchdogBackoffMs,
		ErrorCode: params.ErrorCode, ExitCode: params.ExitCode, Signal: params.Signal,
		Timestamp: time.Now(),
	}

	cs.mu.Lock()
	cs.total++
	cs.byReason[reason]++
	cs.sumDelayMs += params.DelayMs
	cs.sumWatchdogBackoffMs += params.WatchdogBackoffMs
	rec.Attempt = int(cs.total)
	cs.history.Push(rec)
	cs.lastEvent = &rec

	prevLevel := cs.severity.Level
	if !cs.manualOverride {
		watchdogRestarts := int(cs.byReason["watchdog-timeout"])
		cs.severity = severity.Classify(r.severityCfg, watchdogRestarts, cs.sumWatchdogBackoffMs)
		if cs.severity.Level != severity.None && prevLevel == severity.None {
			cs.degradedSince = rec.Timestamp
		} else if cs.severity.Level == severity.None {
			cs.degradedSince = time.Time{}
		}
	}
	newLevel := cs.severity.Level
	cs.mu.Unlock()

	r.restartTotal.WithLabelValues(channel, kind, reason).Inc()
	r.healthGauge.WithLabelValues(channel).Set(severityRank(newLevel))

	if r.logger != nil {
		r.logger.Warn("pipeline restart recorded", "channel", channel, "kind", kind, "reason", reason, "attempt", rec.Attempt)
	}

	if newLevel != prevLevel {
		r.publish(Warning{Kind: "severity-change", Channel: channel, Message: string(newLevel), Timestamp: rec.Timestamp})
	}
}

func severityRank(l severity.Level) float64 {
	switch l {
	case severity.Critical:
		return 2
	case severity.Warning:
		return 1
	default:
		return 0
	}
}

// SetPipelineChannelHealth manually overrides a channel's classified
// severity (used by CLI reset paths, spec §4.3).
func (r *Registry) SetPipelineChannelHealth(kind, channel string, sev severity.Level, restarts int, backoffMs int64) {
	cs := r.channelStatsFor(channel, kind)
	cs.mu.Lock()
	cs.manualOverride = true
	cs.severity = severity.Result{Level: sev}
	if sev == severity.None {
		cs.degradedSince = time.Time{}
	} else if cs.degradedSince.IsZero() {
		cs.degradedSince = time.Now()
	}
	cs.mu.Unlock()
	r.healthGauge.WithLabelValues(channel).Set(severityRank(sev))
	r.publish(Warning{Kind: "severity-change", Channel: channel, Message: string(sev), Timestamp: time.Now()})
}

// RecordTransportFallback appends a transport-fallback event.
func (r *Registry) RecordTransportFallback(rec TransportFallbackRecord) {
	rec.ID = uuid.New()
	rec.Timestamp = time.Now()
	r.transportFallback.Push(rec)
	r.publish(Warning{Kind: "transport-fallback", Channel: rec.Channel, Message: rec.Reason, Timestamp: rec.Timestamp})
}

// RecordSuppression appends a detector suppression diagnostic event.
func (r *Registry) RecordSuppression(rec SuppressionRecord) {
	rec.Timestamp = time.Now()
	r.suppression.Push(rec)
	r.publish(Warning{Kind: "suppression", Channel: rec.Channel, Message: rec.Reason, Timestamp: rec.Timestamp})
}

// RecordRetentionWarning appends a warning surfaced by the external
// retention task.
func (r *Registry) RecordRetentionWarning(w RetentionWarning) {
	w.Timestamp = time.Now()
	r.retention.Push(w)
	r.publish(Warning{Kind: "retention", Message: w.Message, Timestamp: w.Timestamp})
}

// OnWarning subscribes to Warning notifications. Returns an unsubscribe
// function. Listener panics are isolated.
func (r *Registry) OnWarning(listener WarningListener) (unsubscribe func()) {
	r.listenersMu.Lock()
	r.listeners = append(r.listeners, listener)
	idx := len(r.listeners) - 1
	r.listenersMu.Unlock()

	return func() {
		r.listenersMu.Lock()
		defer r.listenersMu.Unlock()
		if idx < len(r.listeners) {
			r.listeners[idx] = nil
		}
	}
}

func (r *Registry) publish(w Warning) {
	r.listenersMu.RLock()
	snapshot := append([]WarningListener(nil), r.listeners...)
	r.listenersMu.RUnlock()

	guard := safego.NewGuard(r.logger, "metrics.warning-listener")
	for _, l := range snapshot {
		if l == nil {
			continue
		}
		l := l
		guard.Run(func() { l(w) })
	}
}

// ChannelSeverity returns the current classified severity for channel.
func (r *Registry) ChannelSeverity(channel string) (severity.Result, bool) {
	r.mu.RLock()
	cs, ok := r.channels[channel]
	r.mu.RUnlock()
	if !ok {
		return severity.Result{}, false
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.severity, true
}

// Snapshot returns a deep, serializable copy of the whole registry.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{
		TakenAt:  time.Now(),
		Counters: make(map[string]int64, len(r.counters)),
		Gauges:   make(map[string]float64, len(r.gauges)),
		Channels: make(map[string]ChannelRestartSnapshot, len(r.channels)),

		TransportFallback: r.transportFallback.Newest(),
		Suppression:       r.suppression.Newest(),
		RetentionWarnings: r.retention.Newest(),
		DroppedTransport:  r.transportFallback.Dropped(),
		DroppedRetention:  r.retention.Dropped(),
		DroppedSuppress:   r.suppression.Dropped(),
	}
	for k, v := range r.counters {
		snap.Counters[k] = v
	}
	for k, v := range r.gauges {
		snap.Gauges[k] = v
	}
	for channel, cs := range r.channels {
		cs.mu.Lock()
		byReason := make(map[string]int64, len(cs.byReason))
		for k, v := range cs.byReason {
			byReason[k] = v
		}
		var lastEvent *RestartRecord
		if cs.lastEvent != nil {
			copyEvent := *cs.lastEvent
			lastEvent = &copyEvent
		}
		var degradedSince *time.Time
		if !cs.degradedSince.IsZero() {
			t := cs.degradedSince
			degradedSince = &t
		}
		snap.Channels[channel] = ChannelRestartSnapshot{
			Kind: cs.kind, Total: cs.total, ByReason: byReason,
			SumDelayMs: cs.sumDelayMs, SumWatchdogBackoffMs: cs.sumWatchdogBackoffMs,
			HistoryLimit: cs.history.Cap(), Dropped: cs.history.Dropped(),
			History: cs.history.Newest(), LastEvent: lastEvent,
			Severity: cs.severity.Level, TriggeredBy: cs.severity.TriggeredBy,
			DegradedSince: degradedSince,
		}
		cs.mu.Unlock()
	}
	return snap
}

// Reset zeroes every counter, gauge, and per-channel restart statistic.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters = make(map[string]int64)
	r.gauges = make(map[string]float64)
	r.channels = make(map[string]*channelStats)
	r.transportFallback.Reset()
	r.suppression.Reset()
	r.retention.Reset()
	r.counterVec.Reset()
	r.gaugeVec.Reset()
	r.healthGauge.Reset()
	r.restartTotal.Reset()
}

// ResetDetectorCounters zeroes the named generic gauges/counters owned by
// one detector instance (used by idle rebaselines and tests), identified
// by exact path.
func (r *Registry) ResetDetectorCounters(detector string, paths []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range paths {
		delete(r.counters, p)
		delete(r.gauges, p)
		r.counterVec.DeleteLabelValues(p)
		r.gaugeVec.DeleteLabelValues(p)
	}
	_ = detector
}
