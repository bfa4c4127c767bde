// SPDX-License-Identifier: MIT

package detect

import (
	"log/slog"
	"math"
	"time"

	"github.com/guardian-av/guardian/internal/channelid"
	"github.com/guardian-av/guardian/internal/eventbus"
	"github.com/guardian-av/guardian/internal/metrics"
	"github.com/guardian-av/guardian/internal/safego"
)

// HourRange is a [start, end) hour-of-day window; end < start wraps past
// midnight (spec §4.7's overnight ranges like 22->6).
type HourRange struct{ Start, End int }

func (r HourRange) contains(hour int) bool {
	if r.Start == r.End {
		return false
	}
	if r.Start < r.End {
		return hour >= r.Start && hour < r.End
	}
	return hour >= r.Start || hour < r.End
}

// LightOptions configures LightDetector; field names mirror
// config.LightConfig.
type LightOptions struct {
	DeltaThreshold                 float64
	DebounceFrames                 int
	BackoffFrames                  int
	MinIntervalMs                  int64
	DeltaWindowSize                int
	TemporalMedianWindow           int
	TemporalMedianMargin           float64
	TemporalMedianBackoffSmoothing float64
	NoiseWindowSize                int
	SmoothingFactor                float64
	WarmupFrames                   int
	IdleRebaselineMs               int64
	NormalHours                    []HourRange
}

func (o LightOptions) coreConfig() coreConfig {
	return coreConfig{
		DebounceFrames:                 o.DebounceFrames,
		BackoffFrames:                  o.BackoffFrames,
		MinInterval:                    time.Duration(o.MinIntervalMs) * time.Millisecond,
		DeltaWindowSize:                o.DeltaWindowSize,
		TemporalMedianWindow:           o.TemporalMedianWindow,
		TemporalMedianMargin:           o.TemporalMedianMargin,
		TemporalMedianBackoffSmoothing: o.TemporalMedianBackoffSmoothing,
		NoiseWindowSize:                o.NoiseWindowSize,
		SmoothingFactor:                o.SmoothingFactor,
		WarmupFrames:                   o.WarmupFrames,
		IdleRebaseline:                 time.Duration(o.IdleRebaselineMs) * time.Millisecond,
	}
}

// LightDetector is the adaptive scalar-luminance detector of spec §4.7.
type LightDetector struct {
	channel channelid.ID
	bus     *eventbus.Bus
	metrics *metrics.Registry
	guard   *safego.Guard

	opts LightOptions
	core *core

	hasBaseline bool
	baseline    float64
}

// NewLightDetector constructs a LightDetector for channel.
func NewLightDetector(channel channelid.ID, bus *eventbus.Bus, reg *metrics.Registry, opts LightOptions, logger *slog.Logger) *LightDetector {
	return &LightDetector{
		channel: channel, bus: bus, metrics: reg,
		guard: safego.NewGuard(logger, "detect.light."+channel.Canonical()),
		opts:  opts, core: newCore(opts.coreConfig()),
	}
}

// UpdateOptions applies new thresholds/windows, preserving suppression
// counters for non-geometry changes (spec §4.6's contract, shared here).
func (d *LightDetector) UpdateOptions(opts LightOptions) {
	geometryChanged := opts.DeltaWindowSize != d.opts.DeltaWindowSize ||
		opts.TemporalMedianWindow != d.opts.TemporalMedianWindow ||
		opts.NoiseWindowSize != d.opts.NoiseWindowSize
	d.opts = opts
	if geometryChanged {
		suppressed, pending := d.core.SuppressedFrames, d.core.PendingSuppressedBeforeTrigger
		d.core = newCore(opts.coreConfig())
		d.core.SuppressedFrames, d.core.PendingSuppressedBeforeTrigger = suppressed, pending
		return
	}
	d.core.cfg = opts.coreConfig().normalized()
}

// ProcessLuminance runs one frame's average luminance through the
// algorithm. localHour is the local hour-of-day [0,24) used by the
// normal-hours schedule.
func (d *LightDetector) ProcessLuminance(luminance float64, ts time.Time, localHour int) {
	d.guard.Run(func() { d.processLuminance(luminance, ts, localHour) })
}

func (d *LightDetector) processLuminance(luminance float64, ts time.Time, localHour int) {
	if d.core.maybeIdleRebaseline(ts) {
		d.hasBaseline = false
	}

	normalHoursActive := d.inNormalHours(localHour)

	if !d.hasBaseline {
		d.baseline = luminance
		d.hasBaseline = true
		return
	}

	if normalHoursActive {
		d.baseline = d.baseline*0.88 + luminance*0.12
		d.core.resetAdaptiveState()
		return
	}

	rawDelta := math.Abs(luminance - d.baseline)
	stabilizedDelta, m := d.core.stabilize(rawDelta)
	adaptiveThreshold := d.opts.DeltaThreshold * m.SuppressionFactor * m.TemporalGateMultiplier
	m.AdaptiveThreshold = adaptiveThreshold

	d.publishGauges(m, normalHoursActive)

	admitted := stabilizedDelta >= adaptiveThreshold
	gate := d.core.gateDecision(ts, admitted, m)
	if gate.SuppressionStarted && d.metrics != nil {
		d.metrics.RecordSuppression(metrics.SuppressionRecord{
			Channel: d.channel.Canonical(), Detector: "light", Reason: "backoff",
		})
	}

	d.baseline = d.baseline*0.88 + luminance*0.12

	if !gate.Emit {
		return
	}

	meta := map[string]any{
		"delta": rawDelta, "stabilizedDelta": stabilizedDelta,
		"adaptiveThreshold": adaptiveThreshold, "normalHoursActive": normalHoursActive,
		"normalHours": d.opts.NormalHours,
		"noiseWindowMedian": m.NoiseWindowMedian, "noiseWindowPressure": m.NoiseWindowPressure,
		"noiseWindowBoost": m.NoiseWindowBoost, "effectiveDebounceFrames": m.EffectiveDebounce,
		"effectiveBackoffFrames": m.EffectiveBackoff, "noiseBackoffPadding": m.NoiseBackoffPadding,
		"temporalWindow": m.TemporalWindow, "temporalSuppression": m.TemporalSuppression,
	}
	payload := eventbus.NewPayload(eventbus.DetectorLight, d.channel, eventbus.SeverityWarning, "light change admitted by adaptive gate", meta)
	d.bus.Publish(payload)
}

func (d *LightDetector) inNormalHours(hour int) bool {
	for _, r := range d.opts.NormalHours {
		if r.contains(hour) {
			return true
		}
	}
	return false
}

func (d *LightDetector) publishGauges(m adaptiveMetrics, normalHoursActive bool) {
	if d.metrics == nil {
		return
	}
	prefix := "detect.light." + d.channel.Canonical() + "."
	d.metrics.SetGauge(prefix+"noiseWindowMedian", m.NoiseWindowMedian)
	d.metrics.SetGauge(prefix+"noiseWindowPressure", m.NoiseWindowPressure)
	d.metrics.SetGauge(prefix+"noiseWindowBoost", m.NoiseWindowBoost)
	d.metrics.SetGauge(prefix+"effectiveDebounceFrames", float64(m.EffectiveDebounce))
	d.metrics.SetGauge(prefix+"effectiveBackoffFrames", float64(m.EffectiveBackoff))
	d.metrics.SetGauge(prefix+"temporalWindow", float64(m.TemporalWindow))
	d.metrics.SetGauge(prefix+"temporalSuppression", m.TemporalSuppression)
	if normalHoursActive {
		d.metrics.SetGauge(prefix+"normalHoursActive", 1)
	} else {
		d.metrics.SetGauge(prefix+"normalHoursActive", 0)
	}
}
