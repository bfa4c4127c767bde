// SPDX-License-Identifier: MIT

package detect

import (
	"math"
	"time"
)

// coreConfig is the adaptive parameter set shared by MotionDetector and
// LightDetector (spec §4.7: "identical adaptive skeleton").
type coreConfig struct {
	DebounceFrames                 int
	BackoffFrames                  int
	MinInterval                    time.Duration
	DeltaWindowSize                int
	TemporalMedianWindow           int
	TemporalMedianMargin           float64
	TemporalMedianBackoffSmoothing float64
	NoiseWindowSize                int
	SmoothingFactor                float64
	WarmupFrames                   int
	IdleRebaseline                 time.Duration
}

func (c coreConfig) normalized() coreConfig {
	c.TemporalMedianWindow = clampInt(c.TemporalMedianWindow, 3, 60)
	c.TemporalMedianBackoffSmoothing = clamp(c.TemporalMedianBackoffSmoothing, 0.05, 0.95)
	if c.DeltaWindowSize < 1 {
		c.DeltaWindowSize = 1
	}
	if c.NoiseWindowSize < 1 {
		c.NoiseWindowSize = 1
	}
	if c.SmoothingFactor <= 0 || c.SmoothingFactor > 1 {
		c.SmoothingFactor = 0.2
	}
	return c
}

// adaptiveMetrics is the full set of gauges spec §4.6 step 7 requires
// Motion/LightDetector to publish every frame.
type adaptiveMetrics struct {
	NoiseWindowMedian      float64
	NoiseWindowPressure    float64
	NoiseWindowBoost       float64
	EffectiveDebounce      int
	EffectiveBackoff       int
	NoiseBackoffPadding    int
	TemporalWindow         int
	TemporalSuppression    float64
	TemporalGateMultiplier float64
	SuppressionFactor      float64
	AdaptiveThreshold      float64
}

// core implements the shared adaptive skeleton: temporal-median gating,
// noise-window pressure, sustained-noise boost, warmup, debounce/backoff,
// min-interval, and rebaseline scheduling. MotionDetector and
// LightDetector each feed it a single "stabilized delta" signal (mean
// pixel delta for motion, luminance delta for light) and a caller-judged
// admission test (area threshold for motion, the delta itself for light).
type core struct {
	cfg coreConfig

	deltaTrendEMA  float64
	deltaTrendInit bool
	deltaWindow    *window

	temporalWindow       *window
	temporalSuppression  float64

	noiseWindow    *window
	noiseFloorEMA  float64
	noiseFloorInit bool
	sustainedBoost float64

	pendingFrames      int
	backoffRemaining   int
	justEnteredBackoff bool
	warmupRemaining    int

	rebaselineCountdown int // -1 when inactive

	hasLastEvent bool
	lastEventTS  time.Time
	hasLastFrame bool
	lastFrameTS  time.Time

	SuppressedFrames               uint64
	PendingSuppressedBeforeTrigger uint64
	BackoffSuppressedFrames        uint64
	BackoffActivations             uint64
	IdleResets                     uint64
	AdaptiveRebaselines            uint64
}

func newCore(cfg coreConfig) *core {
	cfg = cfg.normalized()
	return &core{
		cfg:                 cfg,
		deltaWindow:         newWindow(cfg.DeltaWindowSize),
		temporalWindow:      newWindow(cfg.TemporalMedianWindow),
		noiseWindow:         newWindow(cfg.NoiseWindowSize),
		sustainedBoost:      1,
		warmupRemaining:     cfg.WarmupFrames,
		rebaselineCountdown: -1,
	}
}

// maybeIdleRebaseline wipes all adaptive state if the gap since the last
// frame meets IdleRebaseline (spec §4.6 step 1). The caller is
// responsible for also resetting its baseline frame/luminance. Returns
// true iff a rebaseline occurred.
func (c *core) maybeIdleRebaseline(now time.Time) bool {
	defer func() { c.lastFrameTS = now; c.hasLastFrame = true }()
	if c.cfg.IdleRebaseline <= 0 || !c.hasLastFrame {
		return false
	}
	if now.Sub(c.lastFrameTS) < c.cfg.IdleRebaseline {
		return false
	}
	c.resetAdaptiveState()
	c.IdleResets++
	return true
}

// resetAdaptiveState fully wipes the adaptive windows and counters while
// preserving warmup configuration and lifetime metrics counters (spec
// §4.6's updateOptions contract and rebaseline semantics).
func (c *core) resetAdaptiveState() {
	c.deltaTrendEMA = 0
	c.deltaTrendInit = false
	c.deltaWindow.reset()
	c.temporalWindow.reset()
	c.temporalSuppression = 0
	c.noiseWindow.reset()
	c.noiseFloorEMA = 0
	c.noiseFloorInit = false
	c.sustainedBoost = 1
	c.pendingFrames = 0
	c.backoffRemaining = 0
	c.justEnteredBackoff = false
	c.warmupRemaining = c.cfg.WarmupFrames
	c.rebaselineCountdown = -1
	c.SuppressedFrames = 0
	c.PendingSuppressedBeforeTrigger = 0
}

// stabilize runs spec §4.6 steps 4-7 (trend smoothing, temporal median
// gate, noise floor, sustained boost) on one raw delta sample and
// returns the stabilized delta plus the full adaptive metrics set.
func (c *core) stabilize(rawDelta float64) (stabilizedDelta float64, m adaptiveMetrics) {
	c.deltaWindow.push(rawDelta)
	c.deltaTrendEMA = ema(c.deltaTrendEMA, rawDelta, c.cfg.SmoothingFactor, c.deltaTrendInit)
	c.deltaTrendInit = true
	stabilizedDelta = math.Max(rawDelta, math.Max(c.deltaTrendEMA, c.deltaWindow.median()))

	c.temporalWindow.push(stabilizedDelta)
	temporalMedian := c.temporalWindow.median()
	margin := 1 + c.cfg.TemporalMedianMargin
	if stabilizedDelta <= temporalMedian*margin {
		c.temporalSuppression = clamp(c.temporalSuppression+1, 0, float64(c.cfg.TemporalMedianWindow))
	} else {
		c.temporalSuppression = clamp(c.temporalSuppression-1, 0, float64(c.cfg.TemporalMedianWindow))
	}
	suppressionRatio := 0.0
	if c.cfg.TemporalMedianWindow > 0 {
		suppressionRatio = c.temporalSuppression / float64(c.cfg.TemporalMedianWindow)
	}
	temporalGateMultiplier := 1 + math.Min(1.5, suppressionRatio)*0.85
	suppressionFactor := 1 + math.Min(1.5, suppressionRatio)*c.cfg.TemporalMedianBackoffSmoothing
	padding := int(math.Round(c.temporalSuppression))

	c.noiseFloorEMA = ema(c.noiseFloorEMA, stabilizedDelta, c.cfg.SmoothingFactor, c.noiseFloorInit)
	c.noiseFloorInit = true
	noiseRatio := 1.0
	if c.noiseFloorEMA > 0 {
		noiseRatio = stabilizedDelta / c.noiseFloorEMA
	}
	c.noiseWindow.push(noiseRatio)
	noiseMedian := c.noiseWindow.median()
	pressure := c.noiseWindow.fractionAtLeast(1.1)
	boostTarget := clamp(1+noiseMedian*pressure*3, 1, 4)
	c.sustainedBoost = ema(c.sustainedBoost, boostTarget, c.cfg.SmoothingFactor, true)
	c.sustainedBoost = clamp(c.sustainedBoost, 1, 4)

	effectiveDebounce := int(math.Ceil(float64(c.cfg.DebounceFrames)*suppressionFactor*c.sustainedBoost)) + padding
	effectiveBackoff := int(math.Ceil(float64(c.cfg.BackoffFrames)*suppressionFactor*c.sustainedBoost)) + padding

	m = adaptiveMetrics{
		NoiseWindowMedian:      noiseMedian,
		NoiseWindowPressure:    pressure,
		NoiseWindowBoost:       c.sustainedBoost,
		EffectiveDebounce:      effectiveDebounce,
		EffectiveBackoff:       effectiveBackoff,
		NoiseBackoffPadding:    padding,
		TemporalWindow:         c.temporalWindow.len(),
		TemporalSuppression:    c.temporalSuppression,
		TemporalGateMultiplier: temporalGateMultiplier,
		SuppressionFactor:      suppressionFactor,
	}
	c.maybeScheduleRebaseline(pressure, m)
	return stabilizedDelta, m
}

func (c *core) maybeScheduleRebaseline(pressure float64, m adaptiveMetrics) {
	if c.warmupRemaining > 0 {
		return
	}
	if c.rebaselineCountdown < 0 {
		if pressure > 0.5 || c.sustainedBoost >= 1.6 {
			n := m.EffectiveDebounce + m.EffectiveBackoff
			if half := int(math.Ceil(0.5 * float64(c.cfg.DeltaWindowSize))); half > n {
				n = half
			}
			c.rebaselineCountdown = n
		}
		return
	}
	c.rebaselineCountdown--
	if c.rebaselineCountdown > 0 {
		return
	}
	c.rebaselineCountdown = -1
	if pressure > 0.5 || c.sustainedBoost >= 1.6 {
		c.resetAdaptiveState()
		c.AdaptiveRebaselines++
	}
}

// gateResult is gateDecision's outcome: whether to emit, and whether this
// frame is the one that newly entered a backoff window (spec §4.3's
// suppression pub-sub fires once per backoff window, not once per
// suppressed frame).
type gateResult struct {
	Emit               bool
	SuppressionStarted bool
}

// gateDecision applies spec §4.6 steps 8-13: warmup, gate, debounce,
// min-interval, emit. admitted is the caller's own threshold test (area
// vs area_adaptive_threshold for motion, delta vs adaptiveThreshold for
// light).
func (c *core) gateDecision(now time.Time, admitted bool, m adaptiveMetrics) gateResult {
	if c.warmupRemaining > 0 {
		c.warmupRemaining--
		c.SuppressedFrames++
		return gateResult{}
	}

	if !admitted || c.backoffRemaining > 0 {
		started := false
		if c.backoffRemaining > 0 {
			started = c.justEnteredBackoff
			c.justEnteredBackoff = false
			c.backoffRemaining--
			c.BackoffSuppressedFrames++
		}
		c.SuppressedFrames++
		return gateResult{SuppressionStarted: started}
	}

	c.pendingFrames++
	if c.pendingFrames < m.EffectiveDebounce {
		c.PendingSuppressedBeforeTrigger++
		return gateResult{}
	}

	if c.hasLastEvent && now.Sub(c.lastEventTS) < c.cfg.MinInterval {
		c.pendingFrames = 0
		c.backoffRemaining = m.EffectiveBackoff
		c.justEnteredBackoff = true
		c.PendingSuppressedBeforeTrigger = 0
		return gateResult{}
	}

	c.lastEventTS = now
	c.hasLastEvent = true
	c.pendingFrames = 0
	c.backoffRemaining = m.EffectiveBackoff
	c.justEnteredBackoff = true
	c.BackoffActivations++
	return gateResult{Emit: true}
}
