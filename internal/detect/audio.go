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

// AudioThresholds is one named RMS/centroid delta profile.
type AudioThresholds struct {
	RMSDelta      float64
	CentroidDelta float64
}

// AudioAnomalyOptions configures AudioAnomalyDetector (spec §4.8).
type AudioAnomalyOptions struct {
	FrameSize            int
	HopSize              int
	SampleRate           int
	MinTriggerDurationMs int64
	MinIntervalMs        int64
	NightHours           *HourRange
	Default              AudioThresholds
	Day                  AudioThresholds
	Night                AudioThresholds
}

const audioBaselineAlpha = 0.05

// AudioAnomalyDetector is the sliding-window RMS/spectral-centroid
// detector of spec §4.8.
type AudioAnomalyDetector struct {
	channel channelid.ID
	bus     *eventbus.Bus
	metrics *metrics.Registry
	guard   *safego.Guard

	opts AudioAnomalyOptions

	carry []float64

	hasBaseline      bool
	baselineRMS      float64
	baselineCentroid float64

	rmsSustainedMs      int64
	centroidSustainedMs int64

	hasLastEvent bool
	lastEventTS  time.Time
}

// NewAudioAnomalyDetector constructs an AudioAnomalyDetector for channel.
func NewAudioAnomalyDetector(channel channelid.ID, bus *eventbus.Bus, reg *metrics.Registry, opts AudioAnomalyOptions, logger *slog.Logger) *AudioAnomalyDetector {
	return &AudioAnomalyDetector{
		channel: channel, bus: bus, metrics: reg,
		guard: safego.NewGuard(logger, "detect.audio-anomaly."+channel.Canonical()),
		opts:  opts,
	}
}

// UpdateOptions applies a new threshold profile. Window geometry changes
// (frame/hop/sample rate) reset the rolling state and last-event
// timestamp; threshold-only changes preserve both (spec §4.8).
func (d *AudioAnomalyDetector) UpdateOptions(opts AudioAnomalyOptions) {
	geometryChanged := opts.FrameSize != d.opts.FrameSize ||
		opts.HopSize != d.opts.HopSize || opts.SampleRate != d.opts.SampleRate
	d.opts = opts
	if geometryChanged {
		d.carry = nil
		d.hasBaseline = false
		d.rmsSustainedMs = 0
		d.centroidSustainedMs = 0
		d.hasLastEvent = false
	}
}

// ProcessPCM appends int16 PCM samples and evaluates every complete
// hop-aligned frame. localHour selects the day/night threshold profile.
func (d *AudioAnomalyDetector) ProcessPCM(samples []int16, ts time.Time, localHour int) {
	d.guard.Run(func() { d.processPCM(samples, ts, localHour) })
}

func (d *AudioAnomalyDetector) processPCM(samples []int16, ts time.Time, localHour int) {
	frameSize, hopSize := d.opts.FrameSize, d.opts.HopSize
	if frameSize <= 0 || hopSize <= 0 {
		return
	}
	for _, s := range samples {
		d.carry = append(d.carry, float64(s)/32768.0)
	}
	for len(d.carry) >= frameSize {
		frame := d.carry[:frameSize]
		d.evaluateFrame(frame, ts, localHour)
		d.carry = d.carry[hopSize:]
	}
}

func (d *AudioAnomalyDetector) evaluateFrame(frame []float64, ts time.Time, localHour int) {
	windowed := hannWindow(frame)
	rms := rootMeanSquare(windowed)
	centroid := spectralCentroid(windowed, d.opts.SampleRate)

	if !d.hasBaseline {
		d.baselineRMS, d.baselineCentroid = rms, centroid
		d.hasBaseline = true
		return
	}

	thresholds := d.pickThresholds(localHour)
	rmsDelta := math.Abs(rms - d.baselineRMS)
	centroidDelta := math.Abs(centroid - d.baselineCentroid)

	hopMs := int64(float64(d.opts.HopSize) * 1000 / float64(d.opts.SampleRate))
	if rmsDelta >= thresholds.RMSDelta {
		d.rmsSustainedMs += hopMs
	} else {
		d.rmsSustainedMs = 0
	}
	if centroidDelta >= thresholds.CentroidDelta {
		d.centroidSustainedMs += hopMs
	} else {
		d.centroidSustainedMs = 0
	}

	d.baselineRMS = ema(d.baselineRMS, rms, audioBaselineAlpha, true)
	d.baselineCentroid = ema(d.baselineCentroid, centroid, audioBaselineAlpha, true)

	var severity eventbus.Severity
	var reason string
	switch {
	case d.rmsSustainedMs >= d.opts.MinTriggerDurationMs:
		severity, reason = eventbus.SeverityCritical, "sustained RMS delta"
	case d.centroidSustainedMs >= d.opts.MinTriggerDurationMs:
		severity, reason = eventbus.SeverityWarning, "sustained spectral centroid delta"
	default:
		return
	}

	if d.hasLastEvent && ts.Sub(d.lastEventTS) < time.Duration(d.opts.MinIntervalMs)*time.Millisecond {
		return
	}
	d.lastEventTS = ts
	d.hasLastEvent = true

	meta := map[string]any{
		"rms": rms, "rmsDelta": rmsDelta, "rmsSustainedMs": d.rmsSustainedMs,
		"centroid": centroid, "centroidDelta": centroidDelta, "centroidSustainedMs": d.centroidSustainedMs,
		"thresholdRMSDelta": thresholds.RMSDelta, "thresholdCentroidDelta": thresholds.CentroidDelta,
	}
	payload := eventbus.NewPayload(eventbus.DetectorAudioAnomaly, d.channel, severity, reason, meta)
	d.bus.Publish(payload)

	if d.metrics != nil {
		prefix := "detect.audio-anomaly." + d.channel.Canonical() + "."
		d.metrics.SetGauge(prefix+"rmsSustainedMs", float64(d.rmsSustainedMs))
		d.metrics.SetGauge(prefix+"centroidSustainedMs", float64(d.centroidSustainedMs))
	}
}

func (d *AudioAnomalyDetector) pickThresholds(localHour int) AudioThresholds {
	if d.opts.NightHours == nil {
		return d.opts.Default
	}
	if d.opts.NightHours.contains(localHour) {
		return d.opts.Night
	}
	return d.opts.Day
}

func hannWindow(frame []float64) []float64 {
	n := len(frame)
	out := make([]float64, n)
	for i, v := range frame {
		w := 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
		out[i] = v * w
	}
	return out
}

func rootMeanSquare(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sumSq float64
	for _, s := range samples {
		sumSq += s * s
	}
	return math.Sqrt(sumSq / float64(len(samples)))
}

// spectralCentroid computes the magnitude-weighted mean frequency via a
// direct (non-FFT) DFT. Frame sizes used in practice (hundreds to low
// thousands of samples) make the O(n^2) cost acceptable for a per-hop
// detector; a real-time pipeline processing many channels would swap
// this for an FFT library, noted as a possible follow-up.
func spectralCentroid(samples []float64, sampleRate int) float64 {
	n := len(samples)
	if n == 0 || sampleRate <= 0 {
		return 0
	}
	bins := n / 2
	var weightedSum, magSum float64
	for k := 0; k < bins; k++ {
		var re, im float64
		for t := 0; t < n; t++ {
			angle := -2 * math.Pi * float64(k) * float64(t) / float64(n)
			re += samples[t] * math.Cos(angle)
			im += samples[t] * math.Sin(angle)
		}
		mag := math.Hypot(re, im)
		freq := float64(k) * float64(sampleRate) / float64(n)
		weightedSum += mag * freq
		magSum += mag
	}
	if magSum == 0 {
		return 0
	}
	return weightedSum / magSum
}
