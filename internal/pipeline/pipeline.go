// SPDX-License-Identifier: MIT

// Package pipeline implements ChannelPipeline (spec §4.5): one
// channel's MediaSource wired to its detectors, owning a local
// restart-history ring that mirrors into the process-wide
// MetricsRegistry.
//
// Grounded on lyrebirdaudio-go's Manager+Backoff composition, whose
// restart counters the teacher tracks as plain fields directly on
// Manager; Guardian promotes them to the bounded ring in
// internal/ringhist and adds the detector fan-out the teacher has no
// analogue for.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/guardian-av/guardian/internal/channelid"
	"github.com/guardian-av/guardian/internal/config"
	"github.com/guardian-av/guardian/internal/detect"
	"github.com/guardian-av/guardian/internal/eventbus"
	"github.com/guardian-av/guardian/internal/metrics"
	"github.com/guardian-av/guardian/internal/procmon"
	"github.com/guardian-av/guardian/internal/ringhist"
	"github.com/guardian-av/guardian/internal/severity"
	"github.com/guardian-av/guardian/internal/source"
)

const defaultHistoryLimit = 32
const defaultAudioRingBytes = 1 << 20

// mediaSource is the subset of source.VideoSource/source.AudioSource
// that ChannelPipeline drives. Both satisfy it via their embedded
// *source.Base.
type mediaSource interface {
	Run(ctx context.Context) error
	Stop()
	State() source.State
	ResetCircuitBreaker() bool
	ResetTransportFallback() bool
}

// RestartSnapshot is a serializable, deep copy of one channel's
// restart_stats (spec §3 RestartStats).
type RestartSnapshot struct {
	Total                int64
	ByReason             map[string]int64
	SumDelayMs           int64
	SumWatchdogBackoffMs int64
	History              []metrics.RestartRecord
	HistoryDropped       int64
	HistoryLimit         int
	LastEvent            *metrics.RestartRecord
	Severity             severity.Result
	DegradedSince        time.Time
}

// restartStats is ChannelPipeline's local mirror of RestartStats,
// recorded before being forwarded to the process-wide MetricsRegistry.
type restartStats struct {
	mu                   sync.Mutex
	history              *ringhist.Ring[metrics.RestartRecord]
	total                int64
	byReason             map[string]int64
	sumDelayMs           int64
	sumWatchdogBackoffMs int64
	lastEvent            *metrics.RestartRecord
	severity             severity.Result
	degradedSince        time.Time
}

func newRestartStats(historyLimit int) *restartStats {
	return &restartStats{
		history:  ringhist.New[metrics.RestartRecord](historyLimit),
		byReason: make(map[string]int64),
	}
}

func (s *restartStats) record(rec metrics.RestartRecord, sevCfg severity.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.byReason[rec.Reason]++
	s.sumDelayMs += rec.DelayMs
	s.sumWatchdogBackoffMs += rec.WatchdogBackoffMs
	s.history.Push(rec)
	s.lastEvent = &rec

	prevLevel := s.severity.Level
	watchdogRestarts := int(s.byReason["watchdog-timeout"])
	s.severity = severity.Classify(sevCfg, watchdogRestarts, s.sumWatchdogBackoffMs)
	if s.severity.Level != severity.None && prevLevel == severity.None {
		s.degradedSince = rec.Timestamp
	} else if s.severity.Level == severity.None {
		s.degradedSince = time.Time{}
	}
}

func (s *restartStats) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history.Reset()
	s.total = 0
	s.byReason = make(map[string]int64)
	s.sumDelayMs = 0
	s.sumWatchdogBackoffMs = 0
	s.lastEvent = nil
	s.severity = severity.Result{}
	s.degradedSince = time.Time{}
}

func (s *restartStats) clearHealth() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.severity = severity.Result{}
	s.degradedSince = time.Time{}
}

func (s *restartStats) snapshot() RestartSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	byReason := make(map[string]int64, len(s.byReason))
	for k, v := range s.byReason {
		byReason[k] = v
	}
	var last *metrics.RestartRecord
	if s.lastEvent != nil {
		cp := *s.lastEvent
		last = &cp
	}
	return RestartSnapshot{
		Total: s.total, ByReason: byReason,
		SumDelayMs: s.sumDelayMs, SumWatchdogBackoffMs: s.sumWatchdogBackoffMs,
		History: s.history.Newest(), HistoryDropped: s.history.Dropped(), HistoryLimit: s.history.Cap(),
		LastEvent: last, Severity: s.severity, DegradedSince: s.degradedSince,
	}
}

// Deps are the process-wide collaborators a ChannelPipeline is wired
// to. They are shared across every pipeline the Supervisor owns.
type Deps struct {
	Bus          *eventbus.Bus
	Metrics      *metrics.Registry
	Monitor      *procmon.Monitor
	Spawner      source.Spawner // nil uses source.DefaultSpawner
	Logger       *slog.Logger
	HistoryLimit int // restart_stats history_limit, default 32
	AudioRingBytes int
	SeverityConfig severity.Config
}

// ChannelPipeline is one channel's MediaSource wired to its detectors
// (spec §4.5).
type ChannelPipeline struct {
	channel channelid.ID
	deps    Deps

	mu        sync.Mutex
	cfg       config.PipelineConfig
	src       mediaSource
	motion    *detect.MotionDetector
	light     *detect.LightDetector
	audioDet  *detect.AudioAnomalyDetector
	restarts  *restartStats

	runCancel context.CancelFunc
	runDone   chan struct{}
	runErr    error
}

// New builds a ChannelPipeline for cfg.Channel but does not start it.
func New(cfg config.PipelineConfig, deps Deps) (*ChannelPipeline, error) {
	if cfg.Channel.IsZero() {
		return nil, errors.New("pipeline: channel is required")
	}
	if deps.HistoryLimit <= 0 {
		deps.HistoryLimit = defaultHistoryLimit
	}
	if deps.AudioRingBytes <= 0 {
		deps.AudioRingBytes = defaultAudioRingBytes
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.New(deps.Logger)
	}

	p := &ChannelPipeline{
		channel:  cfg.Channel,
		deps:     deps,
		cfg:      cfg,
		restarts: newRestartStats(deps.HistoryLimit),
	}
	if err := p.buildSource(cfg); err != nil {
		return nil, err
	}
	p.buildDetectors(cfg)
	return p, nil
}

func (p *ChannelPipeline) kind() string {
	if p.channel.Type() == channelid.TypeAudio {
		return "audio"
	}
	return "video"
}

func (p *ChannelPipeline) sourceConfig(pc config.PipelineConfig) source.Config {
	return source.Config{
		Channel:     pc.Channel,
		SourceURI:   pc.SourceURI,
		Transport:   pc.Transport,
		DecoderPath: pc.Decoder.Path,
		DecoderArgs: pc.Decoder.Args,

		StartTimeout:     time.Duration(pc.Timeouts.StartMs) * time.Millisecond,
		IdleTimeout:      time.Duration(pc.Timeouts.IdleMs) * time.Millisecond,
		WatchdogTimeout:  time.Duration(pc.Timeouts.WatchdogMs) * time.Millisecond,
		ForceKillTimeout: time.Duration(pc.Timeouts.ForceKillMs) * time.Millisecond,

		RestartDelayMs:      pc.Restart.DelayMs,
		RestartMaxDelayMs:   pc.Restart.MaxDelayMs,
		RestartJitterFactor: pc.Restart.JitterFactor,

		CircuitBreakerThreshold:    pc.Restart.CircuitBreakerThreshold,
		TransportFallbackThreshold: pc.Restart.TransportFallbackThreshold,

		MonitorInterval: 5 * time.Second,
		Monitor:         p.deps.Monitor,
		Logger:          p.deps.Logger,
	}
}

func (p *ChannelPipeline) buildSource(pc config.PipelineConfig) error {
	kind := p.kind()
	scfg := p.sourceConfig(pc)

	events := source.Events{
		OnFrame: func(frame []byte) {
			p.onVideoFrame(frame)
		},
		OnChunk: func(pcm []byte) {
			p.onAudioChunk(pcm)
		},
		OnRecover: p.onRecover,
		OnTransportFallback: func(ev source.TransportFallbackEvent) {
			if p.deps.Metrics != nil {
				p.deps.Metrics.RecordTransportFallback(metrics.TransportFallbackRecord{
					Channel: ev.Channel, From: ev.From, To: ev.To, Attempt: ev.Attempt, Reason: ev.Reason,
				})
			}
		},
	}

	switch kind {
	case "video":
		vs, err := source.NewVideoSource(scfg, events, p.deps.Spawner)
		if err != nil {
			return fmt.Errorf("pipeline: build video source: %w", err)
		}
		p.src = vs
	case "audio":
		as, err := source.NewAudioSource(scfg, events, p.deps.Spawner, p.deps.AudioRingBytes, audioFrameBytes(pc.Audio))
		if err != nil {
			return fmt.Errorf("pipeline: build audio source: %w", err)
		}
		p.src = as
	}
	return nil
}

func (p *ChannelPipeline) buildDetectors(pc config.PipelineConfig) {
	if p.kind() == "video" {
		if pc.Motion.Enabled {
			p.motion = detect.NewMotionDetector(p.channel, p.deps.Bus, p.deps.Metrics, motionOptions(pc.Motion), p.deps.Logger)
		}
		if pc.Light.Enabled {
			p.light = detect.NewLightDetector(p.channel, p.deps.Bus, p.deps.Metrics, lightOptions(pc.Light), p.deps.Logger)
		}
		return
	}
	if pc.Audio.Enabled {
		p.audioDet = detect.NewAudioAnomalyDetector(p.channel, p.deps.Bus, p.deps.Metrics, audioOptions(pc.Audio), p.deps.Logger)
	}
}

func motionOptions(c config.MotionConfig) detect.MotionOptions {
	return detect.MotionOptions{
		DiffThreshold: c.DiffThreshold, AreaThreshold: c.AreaThreshold, AreaInflation: c.AreaInflation,
		DebounceFrames: c.DebounceFrames, BackoffFrames: c.BackoffFrames, MinIntervalMs: c.MinIntervalMs,
		DeltaWindowSize: c.DeltaWindowSize, TemporalMedianWindow: c.TemporalMedianWindow,
		TemporalMedianMargin: c.TemporalMedianMargin, TemporalMedianBackoffSmoothing: c.TemporalMedianBackoffSmoothing,
		NoiseWindowSize: c.NoiseWindowSize, SmoothingFactor: c.SmoothingFactor,
		WarmupFrames: c.WarmupFrames, IdleRebaselineMs: c.IdleRebaselineMs,
	}
}

func lightOptions(c config.LightConfig) detect.LightOptions {
	hours := make([]detect.HourRange, len(c.NormalHours))
	for i, h := range c.NormalHours {
		hours[i] = detect.HourRange{Start: h.Start, End: h.End}
	}
	return detect.LightOptions{
		DeltaThreshold: c.DeltaThreshold, DebounceFrames: c.DebounceFrames, BackoffFrames: c.BackoffFrames,
		MinIntervalMs: c.MinIntervalMs, DeltaWindowSize: c.DeltaWindowSize, TemporalMedianWindow: c.TemporalMedianWindow,
		TemporalMedianMargin: c.TemporalMedianMargin, TemporalMedianBackoffSmoothing: c.TemporalMedianBackoffSmoothing,
		NoiseWindowSize: c.NoiseWindowSize, SmoothingFactor: c.SmoothingFactor,
		WarmupFrames: c.WarmupFrames, IdleRebaselineMs: c.IdleRebaselineMs, NormalHours: hours,
	}
}

func audioOptions(c config.AudioAnomalyConfig) detect.AudioAnomalyOptions {
	var night *detect.HourRange
	if c.NightHours != nil {
		night = &detect.HourRange{Start: c.NightHours.Start, End: c.NightHours.End}
	}
	return detect.AudioAnomalyOptions{
		FrameSize: c.FrameSize, HopSize: c.HopSize, SampleRate: c.SampleRate,
		MinTriggerDurationMs: c.MinTriggerDurationMs, MinIntervalMs: c.MinIntervalMs,
		NightHours: night,
		Default:    detect.AudioThresholds(c.Default),
		Day:        detect.AudioThresholds(c.Day),
		Night:      detect.AudioThresholds(c.Night),
	}
}

// audioFrameBytes is the ring buffer's fixed-duration drain granularity:
// one detector hop's worth of 16-bit mono PCM, so every OnChunk callback
// the detector sees is hop-aligned regardless of the decoder's own
// stdout chunking.
func audioFrameBytes(c config.AudioAnomalyConfig) int {
	if c.HopSize <= 0 {
		return 0
	}
	return c.HopSize * 2
}

// localHour is resolved from wall-clock time; pipelines do not carry a
// configurable timezone (spec is silent, so the host's local time is
// used, matching the teacher's direct time.Now() usage throughout).
func localHour(ts time.Time) int { return ts.Local().Hour() }

func (p *ChannelPipeline) onVideoFrame(raw []byte) {
	// Raw decoder output is not yet a decoded Frame; a production
	// pipeline would demux/decode before handing luminance to the
	// detectors. Guardian's scope is the supervisory layer (spec §1),
	// so the demux step is represented by frameFromRaw, a placeholder
	// seam a real decoder integration replaces.
	frame, ok := frameFromRaw(raw)
	if !ok {
		return
	}
	ts := time.Now()
	if p.motion != nil {
		p.motion.ProcessFrame(frame, ts)
	}
	if p.light != nil {
		p.light.ProcessLuminance(averageLuminance(frame), ts, localHour(ts))
	}
}

func (p *ChannelPipeline) onAudioChunk(pcm []byte) {
	if p.audioDet == nil {
		return
	}
	samples := pcmBytesToInt16(pcm)
	ts := time.Now()
	p.audioDet.ProcessPCM(samples, ts, localHour(ts))
}

func (p *ChannelPipeline) onRecover(ev source.RecoverEvent) {
	rec := metrics.RestartRecord{
		ID: ev.ID, Kind: p.kind(), Channel: p.channel.Canonical(), Reason: string(ev.Reason),
		Attempt: ev.Attempt, DelayMs: ev.DelayMs, ErrorCode: ev.ErrorCode, ExitCode: ev.ExitCode,
		Signal: ev.Signal, Timestamp: time.Now(),
	}
	if ev.Reason == source.ReasonWatchdogTimeout {
		rec.WatchdogBackoffMs = ev.DelayMs
	}
	p.restarts.record(rec, p.deps.SeverityConfig)

	if p.deps.Metrics != nil {
		p.deps.Metrics.RecordPipelineRestart(p.kind(), p.channel.Canonical(), string(ev.Reason), metrics.PipelineRestartParams{
			DelayMs: ev.DelayMs, WatchdogBackoffMs: rec.WatchdogBackoffMs,
			ErrorCode: ev.ErrorCode, ExitCode: ev.ExitCode, Signal: ev.Signal,
		})
	}
	if p.deps.Logger != nil {
		p.deps.Logger.Warn("pipeline recover scheduled", "channel", p.channel.Canonical(), "reason", ev.Reason, "attempt", ev.Attempt, "delayMs", ev.DelayMs)
	}
}

// Start launches the MediaSource's capture loop on its own goroutine.
// Start returns once the loop is observed to have begun; it does not
// wait for the first payload.
func (p *ChannelPipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.runCancel != nil {
		p.mu.Unlock()
		return errors.New("pipeline: already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.runCancel = cancel
	p.runDone = make(chan struct{})
	src := p.src
	done := p.runDone
	p.mu.Unlock()

	go func() {
		defer close(done)
		err := src.Run(runCtx)
		p.mu.Lock()
		p.runErr = err
		p.mu.Unlock()
	}()
	return nil
}

// Stop gracefully stops the MediaSource and waits for its goroutine to
// exit.
func (p *ChannelPipeline) Stop() {
	p.mu.Lock()
	cancel := p.runCancel
	done := p.runDone
	src := p.src
	p.mu.Unlock()
	if src != nil {
		src.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	p.mu.Lock()
	p.runCancel = nil
	p.mu.Unlock()
}

// ResetCircuitBreaker closes the breaker if open and, per spec §8,
// restarts the pipeline's MediaSource only when it actually was open.
func (p *ChannelPipeline) ResetCircuitBreaker(ctx context.Context) bool {
	p.mu.Lock()
	src := p.src
	p.mu.Unlock()
	if src == nil {
		return false
	}
	wasOpen := src.ResetCircuitBreaker()
	if !wasOpen {
		return false
	}
	if p.deps.Metrics != nil {
		p.deps.Metrics.RecordPipelineRestart(p.kind(), p.channel.Canonical(), "manual-circuit-reset", metrics.PipelineRestartParams{})
	}
	p.restartRunLoop(ctx)
	return true
}

// restartRunLoop relaunches the MediaSource goroutine after its loop
// has exited on its own (circuit-open or natural completion), without
// tearing down the pipeline's detectors or restart history.
func (p *ChannelPipeline) restartRunLoop(ctx context.Context) {
	p.mu.Lock()
	if p.runDone != nil {
		select {
		case <-p.runDone:
			// previous goroutine already exited; safe to relaunch
		default:
			p.mu.Unlock()
			return // still running somehow; nothing to do
		}
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.runCancel = cancel
	p.runDone = make(chan struct{})
	src := p.src
	done := p.runDone
	p.mu.Unlock()

	go func() {
		defer close(done)
		err := src.Run(runCtx)
		p.mu.Lock()
		p.runErr = err
		p.mu.Unlock()
	}()
}

// ResetTransportFallback re-arms the video transport ladder at its
// head (spec §4.5, video channels only).
func (p *ChannelPipeline) ResetTransportFallback() bool {
	p.mu.Lock()
	src := p.src
	p.mu.Unlock()
	if src == nil {
		return false
	}
	return src.ResetTransportFallback()
}

// ResetChannelHealth clears the channel's classified severity in both
// the local restart stats and the shared MetricsRegistry.
func (p *ChannelPipeline) ResetChannelHealth() bool {
	snap := p.restarts.snapshot()
	changed := snap.Severity.Level != severity.None
	p.restarts.clearHealth()
	if p.deps.Metrics != nil {
		p.deps.Metrics.SetPipelineChannelHealth(p.kind(), p.channel.Canonical(), severity.None, 0, 0)
	}
	return changed
}

// UpdateOptionsResult is update_options' return value (spec §4.5).
type UpdateOptionsResult struct {
	RestartRequired bool
}

// UpdateOptions applies newCfg. Media-source-geometry changes replace
// the MediaSource (stop old, build new, reset restart_stats); changes
// confined to detector thresholds are forwarded live without restart
// (spec §4.5's update_options policy).
func (p *ChannelPipeline) UpdateOptions(ctx context.Context, newCfg config.PipelineConfig) (UpdateOptionsResult, error) {
	p.mu.Lock()
	oldCfg := p.cfg
	p.mu.Unlock()

	if !oldCfg.RestartRequired(newCfg) {
		p.mu.Lock()
		p.cfg = newCfg
		p.mu.Unlock()
		p.updateDetectorOptions(newCfg)
		return UpdateOptionsResult{RestartRequired: false}, nil
	}

	p.mu.Lock()
	wasRunning := p.runCancel != nil
	p.mu.Unlock()
	p.Stop()

	if err := p.buildSource(newCfg); err != nil {
		return UpdateOptionsResult{}, fmt.Errorf("pipeline: rebuild source on update_options: %w", err)
	}
	p.mu.Lock()
	p.cfg = newCfg
	p.mu.Unlock()
	p.updateDetectorOptions(newCfg)
	p.restarts.reset()

	if wasRunning {
		if err := p.Start(ctx); err != nil {
			return UpdateOptionsResult{}, fmt.Errorf("pipeline: restart after update_options: %w", err)
		}
	}
	return UpdateOptionsResult{RestartRequired: true}, nil
}

func (p *ChannelPipeline) updateDetectorOptions(newCfg config.PipelineConfig) {
	if p.motion != nil {
		p.motion.UpdateOptions(motionOptions(newCfg.Motion))
	}
	if p.light != nil {
		p.light.UpdateOptions(lightOptions(newCfg.Light))
	}
	if p.audioDet != nil {
		p.audioDet.UpdateOptions(audioOptions(newCfg.Audio))
	}
}

// Channel returns the pipeline's channel identifier.
func (p *ChannelPipeline) Channel() channelid.ID { return p.channel }

// State returns the MediaSource's current lifecycle state.
func (p *ChannelPipeline) State() source.State {
	p.mu.Lock()
	src := p.src
	p.mu.Unlock()
	if src == nil {
		return source.StateIdle
	}
	return src.State()
}

// Config returns the pipeline's currently active, merged configuration.
func (p *ChannelPipeline) Config() config.PipelineConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// RestartStats returns a deep snapshot of the pipeline's restart
// history (spec §3 RestartStats).
func (p *ChannelPipeline) RestartStats() RestartSnapshot {
	return p.restarts.snapshot()
}
