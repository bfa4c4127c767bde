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

// Frame is a grayscale image: one byte of luminance per pixel, row-major.
type Frame struct {
	Width, Height int
	Pix           []byte
}

// MotionOptions configures MotionDetector; field names mirror
// config.MotionConfig so callers pass it through directly.
type MotionOptions struct {
	DiffThreshold                  float64
	AreaThreshold                  float64
	AreaInflation                  float64
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
}

func (o MotionOptions) coreConfig() coreConfig {
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

// MotionDetector is the adaptive frame-differencing detector of spec §4.6.
type MotionDetector struct {
	channel channelid.ID
	bus     *eventbus.Bus
	metrics *metrics.Registry
	guard   *safego.Guard

	opts MotionOptions
	core *core

	baseline      []byte
	w, h          int
	areaTrendEMA  float64
	areaTrendInit bool
	lastStrategy  string
}

// NewMotionDetector constructs a MotionDetector for channel.
func NewMotionDetector(channel channelid.ID, bus *eventbus.Bus, reg *metrics.Registry, opts MotionOptions, logger *slog.Logger) *MotionDetector {
	return &MotionDetector{
		channel: channel, bus: bus, metrics: reg,
		guard: safego.NewGuard(logger, "detect.motion."+channel.Canonical()),
		opts:  opts, core: newCore(opts.coreConfig()),
	}
}

// UpdateOptions applies new options. A change to DeltaWindowSize,
// TemporalMedianWindow or NoiseWindowSize rebuilds the adaptive core, so
// its windows start empty, while the suppression counters carry over;
// other changes are applied to the running core in place. Frame
// dimensions are not options: a dimension change is handled on the next
// frame.
func (d *MotionDetector) UpdateOptions(opts MotionOptions) {
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

// ProcessFrame runs one frame through the full §4.6 algorithm. ts should
// be monotonic per channel.
func (d *MotionDetector) ProcessFrame(frame Frame, ts time.Time) {
	d.guard.Run(func() { d.processFrame(frame, ts) })
}

func (d *MotionDetector) processFrame(frame Frame, ts time.Time) {
	if d.core.maybeIdleRebaseline(ts) {
		d.baseline = nil
	}

	if d.baseline == nil || d.w != frame.Width || d.h != frame.Height {
		d.baseline = append([]byte(nil), frame.Pix...)
		d.w, d.h = frame.Width, frame.Height
		d.areaTrendEMA = 0
		d.areaTrendInit = false
		return
	}

	smoothed, strategy := denoise(frame.Pix, d.opts.DiffThreshold)
	d.lastStrategy = strategy

	rawDelta, areaPct := meanAbsDiffAndArea(smoothed, d.baseline, d.opts.DiffThreshold)
	d.areaTrendEMA = ema(d.areaTrendEMA, areaPct, d.opts.SmoothingFactor, d.areaTrendInit)
	d.areaTrendInit = true

	stabilizedDelta, m := d.core.stabilize(rawDelta)
	areaBaseline := math.Max(d.opts.AreaThreshold, d.areaTrendEMA*d.opts.AreaInflation)
	adaptiveThreshold := areaBaseline * m.SuppressionFactor * m.TemporalGateMultiplier
	m.AdaptiveThreshold = adaptiveThreshold

	d.publishGauges(m)

	admitted := areaPct >= adaptiveThreshold
	gate := d.core.gateDecision(ts, admitted, m)
	if gate.SuppressionStarted && d.metrics != nil {
		d.metrics.RecordSuppression(metrics.SuppressionRecord{
			Channel: d.channel.Canonical(), Detector: "motion", Reason: "backoff",
		})
	}

	blendBaseline(d.baseline, smoothed, 0.12)

	_ = stabilizedDelta
	if !gate.Emit {
		return
	}

	meta := map[string]any{
		"delta": rawDelta, "stabilizedDelta": stabilizedDelta, "areaPct": areaPct,
		"areaAdaptiveThreshold": adaptiveThreshold, "denoiseStrategy": strategy,
		"noiseWindowMedian": m.NoiseWindowMedian, "noiseWindowPressure": m.NoiseWindowPressure,
		"noiseWindowBoost": m.NoiseWindowBoost, "effectiveDebounceFrames": m.EffectiveDebounce,
		"effectiveBackoffFrames": m.EffectiveBackoff, "noiseBackoffPadding": m.NoiseBackoffPadding,
		"temporalWindow": m.TemporalWindow, "temporalSuppression": m.TemporalSuppression,
		"temporalAdaptiveThreshold": adaptiveThreshold,
		"suppressedFrames":          d.core.SuppressedFrames,
		"pendingSuppressedFramesBeforeTrigger": d.core.PendingSuppressedBeforeTrigger,
	}
	payload := eventbus.NewPayload(eventbus.DetectorMotion, d.channel, eventbus.SeverityWarning, "motion admitted by adaptive gate", meta)
	d.bus.Publish(payload)
}

func (d *MotionDetector) publishGauges(m adaptiveMetrics) {
	if d.metrics == nil {
		return
	}
	prefix := "detect.motion." + d.channel.Canonical() + "."
	d.metrics.SetGauge(prefix+"noiseWindowMedian", m.NoiseWindowMedian)
	d.metrics.SetGauge(prefix+"noiseWindowPressure", m.NoiseWindowPressure)
	d.metrics.SetGauge(prefix+"noiseWindowBoost", m.NoiseWindowBoost)
	d.metrics.SetGauge(prefix+"effectiveDebounceFrames", float64(m.EffectiveDebounce))
	d.metrics.SetGauge(prefix+"effectiveBackoffFrames", float64(m.EffectiveBackoff))
	d.metrics.SetGauge(prefix+"noiseBackoffPadding", float64(m.NoiseBackoffPadding))
	d.metrics.SetGauge(prefix+"temporalWindow", float64(m.TemporalWindow))
	d.metrics.SetGauge(prefix+"temporalSuppression", m.TemporalSuppression)
	d.metrics.SetGauge(prefix+"temporalAdaptiveThreshold", m.AdaptiveThreshold)
	d.metrics.SetGauge(prefix+"rebaselineCountdown", float64(d.core.rebaselineCountdown))
	d.metrics.SetGauge(prefix+"noiseWarmupRemaining", float64(d.core.warmupRemaining))
	d.metrics.SetGauge(prefix+"pendingSuppressedFramesBeforeTrigger", float64(d.core.PendingSuppressedBeforeTrigger))
}

// denoise applies the escalating blur/median cascade of spec §4.6 step 2,
// choosing the variant with the lowest resulting noise ratio. Simplified
// to operate directly on an 8-bit luminance buffer.
func denoise(pix []byte, diffThreshold float64) ([]byte, string) {
	light := medianFilter3(gaussianBlur3(pix))
	ratio := noiseRatioOf(light)
	if ratio <= 1.6 {
		return light, "gaussian-median"
	}
	heavy := medianFilter3(gaussianBlur3(medianFilter3(gaussianBlur3(pix))))
	heavyRatio := noiseRatioOf(heavy)
	alt := gaussianBlur3(medianFilter3(gaussianBlur3(pix)))
	altRatio := noiseRatioOf(alt)

	best, bestRatio, name := light, ratio, "gaussian-median"
	if heavyRatio < bestRatio {
		best, bestRatio, name = heavy, heavyRatio, "gaussian-median-gaussian-median"
	}
	if altRatio < bestRatio {
		best, name = alt, "median-gaussian-median"
	}
	return best, name
}

// noiseRatioOf is a cheap proxy for the cascade's stopping test: the
// normalized local variance of the filtered buffer.
func noiseRatioOf(pix []byte) float64 {
	if len(pix) == 0 {
		return 0
	}
	var sum, sumSq float64
	for _, p := range pix {
		v := float64(p)
		sum += v
		sumSq += v * v
	}
	n := float64(len(pix))
	mean := sum / n
	variance := sumSq/n - mean*mean
	if mean == 0 {
		return 0
	}
	return math.Sqrt(math.Max(variance, 0)) / mean
}

func gaussianBlur3(pix []byte) []byte {
	out := make([]byte, len(pix))
	copy(out, pix)
	for i := 1; i < len(pix)-1; i++ {
		v := int(pix[i-1]) + 2*int(pix[i]) + int(pix[i+1])
		out[i] = byte(v / 4)
	}
	return out
}

func medianFilter3(pix []byte) []byte {
	out := make([]byte, len(pix))
	copy(out, pix)
	for i := 1; i < len(pix)-1; i++ {
		a, b, c := pix[i-1], pix[i], pix[i+1]
		out[i] = medianOf3(a, b, c)
	}
	return out
}

func medianOf3(a, b, c byte) byte {
	if a > b {
		a, b = b, a
	}
	if b > c {
		b, c = c, b
	}
	if a > b {
		a, b = b, a
	}
	return b
}

// meanAbsDiffAndArea returns the mean absolute per-pixel difference and
// the fraction of pixels whose |diff| >= diffThreshold (spec §4.6 step 3).
func meanAbsDiffAndArea(cur, baseline []byte, diffThreshold float64) (meanDelta, areaPct float64) {
	n := len(cur)
	if n == 0 || len(baseline) != n {
		return 0, 0
	}
	var sum float64
	var over int
	for i := 0; i < n; i++ {
		d := math.Abs(float64(cur[i]) - float64(baseline[i]))
		sum += d
		if d >= diffThreshold {
			over++
		}
	}
	return sum / float64(n), float64(over) / float64(n)
}

// blendBaseline softly moves baseline toward cur with the given factor
// in [0,1], used both for the "update baseline softly" steps and the
// post-emit blend (spec §4.6 step 13).
func blendBaseline(baseline, cur []byte, factor float64) {
	n := len(baseline)
	if len(cur) != n {
		return
	}
	for i := 0; i < n; i++ {
		blended := float64(baseline[i])*(1-factor) + float64(cur[i])*factor
		baseline[i] = byte(clamp(blended, 0, 255))
	}
}
