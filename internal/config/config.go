// SPDX-License-Identifier: MIT

// Package config defines Guardian's configuration document and the
// layered merge that produces one PipelineConfig per channel, per
// SPEC_FULL.md §6.
//
// Grounded on lyrebirdaudio-go's internal/config/config.go (Config
// struct shape, Validate), generalized from a flat per-device map to
// Guardian's {logging, database, events, video, audio, person, motion,
// light, pose, objects} document and its channel/camera override
// layering.
package config

import (
	"fmt"
)

// LoggingConfig controls the slog handler used by cmd/guardian.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // "json" or "text"
}

// DatabaseConfig names the persistence backend consumed outside the
// core (spec §1 exclusions); Guardian only validates its shape.
type DatabaseConfig struct {
	Driver string `koanf:"driver"`
	DSN    string `koanf:"dsn"`
}

// EventsConfig holds the document's events section. BufferSize is loaded
// with the rest of the document, but nothing reads it: eventbus.Bus
// dispatches synchronously and has no buffer.
type EventsConfig struct {
	BufferSize int `koanf:"bufferSize"`
}

// PersonConfig, PoseConfig, and ObjectsConfig are opaque pass-through
// sections for the ML classifiers the core treats as frame consumers
// (spec §1 exclusions); Guardian validates only that they parse.
type PersonConfig struct {
	Enabled    bool    `koanf:"enabled"`
	ModelPath  string  `koanf:"modelPath"`
	Confidence float64 `koanf:"confidence"`
}

type PoseConfig struct {
	Enabled   bool   `koanf:"enabled"`
	ModelPath string `koanf:"modelPath"`
}

type ObjectsConfig struct {
	Enabled   bool     `koanf:"enabled"`
	ModelPath string   `koanf:"modelPath"`
	Classes   []string `koanf:"classes"`
}

// DecoderConfig names the external decoder binary and its fixed args.
type DecoderConfig struct {
	Path string   `koanf:"path"`
	Args []string `koanf:"args"`
}

// TimeoutsConfig holds the MediaSource timeout family (spec §4.4), in
// milliseconds to match the wire/document representation.
type TimeoutsConfig struct {
	StartMs      int64 `koanf:"startMs"`
	IdleMs       int64 `koanf:"idleMs"`
	WatchdogMs   int64 `koanf:"watchdogMs"`
	ForceKillMs  int64 `koanf:"forceKillMs"`
}

// RestartConfig holds the backoff and breaker family (spec §4.4).
type RestartConfig struct {
	DelayMs                    int64   `koanf:"delayMs"`
	MaxDelayMs                 int64   `koanf:"maxDelayMs"`
	JitterFactor               float64 `koanf:"jitterFactor"`
	CircuitBreakerThreshold    int     `koanf:"circuitBreakerThreshold"`
	TransportFallbackThreshold int     `koanf:"transportFallbackThreshold"`
}

// MotionConfig mirrors the MotionDetector's full option set (spec §4.6).
type MotionConfig struct {
	Enabled                       bool    `koanf:"enabled"`
	DiffThreshold                 float64 `koanf:"diffThreshold"`
	AreaThreshold                 float64 `koanf:"areaThreshold"`
	AreaInflation                 float64 `koanf:"areaInflation"`
	DebounceFrames                int     `koanf:"debounceFrames"`
	BackoffFrames                 int     `koanf:"backoffFrames"`
	MinIntervalMs                 int64   `koanf:"minIntervalMs"`
	DeltaWindowSize               int     `koanf:"deltaWindowSize"`
	TemporalMedianWindow          int     `koanf:"temporalMedianWindow"`
	TemporalMedianMargin          float64 `koanf:"temporalMedianMargin"`
	TemporalMedianBackoffSmoothing float64 `koanf:"temporalMedianBackoffSmoothing"`
	NoiseWindowSize               int     `koanf:"noiseWindowSize"`
	SmoothingFactor               float64 `koanf:"smoothingFactor"`
	WarmupFrames                  int     `koanf:"warmupFrames"`
	IdleRebaselineMs              int64   `koanf:"idleRebaselineMs"`
}

// DefaultMotionConfig returns conservative defaults for a 720p indoor
// camera; every field has a well-defined value (spec §9 design note:
// "object-literal options with partial overrides" become a total merge).
func DefaultMotionConfig() MotionConfig {
	return MotionConfig{
		Enabled:                        true,
		DiffThreshold:                  12,
		AreaThreshold:                  0.015,
		AreaInflation:                  1.3,
		DebounceFrames:                 3,
		BackoffFrames:                  10,
		MinIntervalMs:                  5000,
		DeltaWindowSize:                16,
		TemporalMedianWindow:           12,
		TemporalMedianMargin:           0.15,
		TemporalMedianBackoffSmoothing: 0.35,
		NoiseWindowSize:                20,
		SmoothingFactor:                0.15,
		WarmupFrames:                   10,
		IdleRebaselineMs:               300000,
	}
}

// HourRange is a [start, end) hour-of-day range; end < start means the
// range wraps past midnight (spec §4.7's "overnight ranges like 22→6").
type HourRange struct {
	Start int `koanf:"start"`
	End   int `koanf:"end"`
}

// LightConfig mirrors the LightDetector's option set (spec §4.7).
type LightConfig struct {
	Enabled                       bool        `koanf:"enabled"`
	DeltaThreshold                float64     `koanf:"deltaThreshold"`
	DebounceFrames                int         `koanf:"debounceFrames"`
	BackoffFrames                 int         `koanf:"backoffFrames"`
	MinIntervalMs                 int64       `koanf:"minIntervalMs"`
	DeltaWindowSize               int         `koanf:"deltaWindowSize"`
	TemporalMedianWindow          int         `koanf:"temporalMedianWindow"`
	TemporalMedianMargin          float64     `koanf:"temporalMedianMargin"`
	TemporalMedianBackoffSmoothing float64    `koanf:"temporalMedianBackoffSmoothing"`
	NoiseWindowSize               int         `koanf:"noiseWindowSize"`
	SmoothingFactor               float64     `koanf:"smoothingFactor"`
	WarmupFrames                  int         `koanf:"warmupFrames"`
	IdleRebaselineMs              int64       `koanf:"idleRebaselineMs"`
	NormalHours                   []HourRange `koanf:"normalHours"`
}

func DefaultLightConfig() LightConfig {
	return LightConfig{
		Enabled:                        true,
		DeltaThreshold:                 25,
		DebounceFrames:                 2,
		BackoffFrames:                  8,
		MinIntervalMs:                  10000,
		DeltaWindowSize:                12,
		TemporalMedianWindow:           10,
		TemporalMedianMargin:           0.15,
		TemporalMedianBackoffSmoothing: 0.35,
		NoiseWindowSize:                16,
		SmoothingFactor:                0.2,
		WarmupFrames:                   8,
		IdleRebaselineMs:               300000,
	}
}

// AudioAnomalyThresholds is one named threshold profile (spec §4.8).
type AudioAnomalyThresholds struct {
	RMSDelta      float64 `koanf:"rmsDelta"`
	CentroidDelta float64 `koanf:"centroidDelta"`
}

// AudioAnomalyConfig mirrors AudioAnomalyDetector's option set (§4.8).
type AudioAnomalyConfig struct {
	Enabled              bool                   `koanf:"enabled"`
	FrameSize            int                    `koanf:"frameSize"`
	HopSize              int                    `koanf:"hopSize"`
	SampleRate           int                    `koanf:"sampleRate"`
	MinTriggerDurationMs int64                  `koanf:"minTriggerDurationMs"`
	MinIntervalMs        int64                  `koanf:"minIntervalMs"`
	NightHours           *HourRange             `koanf:"nightHours"`
	Default              AudioAnomalyThresholds `koanf:"default"`
	Day                  AudioAnomalyThresholds `koanf:"day"`
	Night                AudioAnomalyThresholds `koanf:"night"`
}

func DefaultAudioAnomalyConfig() AudioAnomalyConfig {
	return AudioAnomalyConfig{
		Enabled:              true,
		FrameSize:            1024,
		HopSize:              512,
		SampleRate:           16000,
		MinTriggerDurationMs: 800,
		MinIntervalMs:        5000,
		Default:              AudioAnomalyThresholds{RMSDelta: 0.2, CentroidDelta: 400},
	}
}

// VideoDefaults are the {video.*} defaults applied to every video
// channel before channel- and camera-level overrides (spec §6).
type VideoDefaults struct {
	FramesPerSecond float64        `koanf:"framesPerSecond"`
	Decoder         DecoderConfig  `koanf:"ffmpeg"`
	Transport       string         `koanf:"transport"`
	Timeouts        TimeoutsConfig `koanf:"timeouts"`
	Restart         RestartConfig  `koanf:"restart"`
}

// ChannelOverride is a partial override layer; nil fields inherit from
// the layer beneath them (spec §9: "merge(over: Partial) is total").
type ChannelOverride struct {
	FramesPerSecond *float64        `koanf:"framesPerSecond"`
	Decoder         *DecoderConfig  `koanf:"ffmpeg"`
	Transport       *string         `koanf:"transport"`
	Timeouts        *TimeoutsConfig `koanf:"timeouts"`
	Restart         *RestartConfig  `koanf:"restart"`
	Motion          *MotionConfig   `koanf:"motion"`
	Light           *LightConfig    `koanf:"light"`
	Audio           *AudioAnomalyConfig `koanf:"audio"`
}

// CameraConfig is one `cameras[]` entry: an id/channel pair plus the
// camera's own override layer, merged on top of video.channels[channel].
type CameraConfig struct {
	ID      string `koanf:"id"`
	Channel string `koanf:"channel"`
	Input   string `koanf:"input"`
	ChannelOverride
}

// VideoConfig is the `video` document section.
type VideoConfig struct {
	VideoDefaults
	Channels map[string]ChannelOverride `koanf:"channels"`
	Cameras  []CameraConfig             `koanf:"cameras"`
}

// AudioDefaults mirrors VideoDefaults for microphones (no transport
// fallback ladder: audio sources have no RTSP transport leg).
type AudioDefaults struct {
	Decoder  DecoderConfig  `koanf:"ffmpeg"`
	Timeouts TimeoutsConfig `koanf:"timeouts"`
	Restart  RestartConfig  `koanf:"restart"`
	ChunkMs  int64          `koanf:"chunkMs"`
}

// MicConfig is one `audio.microphones[]` entry.
type MicConfig struct {
	ID      string `koanf:"id"`
	Channel string `koanf:"channel"`
	Input   string `koanf:"input"`
	ChannelOverride
}

// AudioConfig is the `audio` document section.
type AudioConfig struct {
	AudioDefaults
	Channels    map[string]ChannelOverride `koanf:"channels"`
	Microphones []MicConfig                `koanf:"microphones"`
}

// GuardianConfig is the root document, sections exactly as named in
// spec §6: {logging, database, events, video, audio, person, motion,
// light, pose, objects}.
type GuardianConfig struct {
	Logging  LoggingConfig      `koanf:"logging"`
	Database DatabaseConfig     `koanf:"database"`
	Events   EventsConfig       `koanf:"events"`
	Video    VideoConfig        `koanf:"video"`
	Audio    AudioConfig        `koanf:"audio"`
	Person   PersonConfig       `koanf:"person"`
	Motion   MotionConfig       `koanf:"motion"`
	Light    LightConfig        `koanf:"light"`
	Pose     PoseConfig         `koanf:"pose"`
	Objects  ObjectsConfig      `koanf:"objects"`
	AudioAnomaly AudioAnomalyConfig `koanf:"audioAnomaly"`
}

// Default returns a GuardianConfig with every section populated from
// its package-level default, so an empty document is always valid.
func Default() GuardianConfig {
	return GuardianConfig{
		Logging:      LoggingConfig{Level: "info", Format: "json"},
		Events:       EventsConfig{BufferSize: 256},
		Motion:       DefaultMotionConfig(),
		Light:        DefaultLightConfig(),
		AudioAnomaly: DefaultAudioAnomalyConfig(),
		Video: VideoConfig{
			VideoDefaults: VideoDefaults{
				FramesPerSecond: 10,
				Decoder:         DecoderConfig{Path: "ffmpeg"},
				Transport:       "tcp",
				Timeouts: TimeoutsConfig{
					StartMs: 10000, IdleMs: 15000, WatchdogMs: 20000, ForceKillMs: 5000,
				},
				Restart: RestartConfig{
					DelayMs: 1000, MaxDelayMs: 60000, JitterFactor: 0.2,
					CircuitBreakerThreshold: 6, TransportFallbackThreshold: 3,
				},
			},
		},
		Audio: AudioConfig{
			AudioDefaults: AudioDefaults{
				Decoder: DecoderConfig{Path: "ffmpeg"},
				Timeouts: TimeoutsConfig{
					StartMs: 10000, IdleMs: 15000, WatchdogMs: 20000, ForceKillMs: 5000,
				},
				Restart: RestartConfig{
					DelayMs: 1000, MaxDelayMs: 60000, JitterFactor: 0.2,
					CircuitBreakerThreshold: 6,
				},
				ChunkMs: 1000,
			},
		},
	}
}

// Validate rejects documents that violate SPEC_FULL.md's schema
// invariants. Most importantly: every camera/microphone must declare a
// channel (spec §9 Open Question, resolved in DESIGN.md).
func (c GuardianConfig) Validate() error {
	seen := make(map[string]bool)
	for _, cam := range c.Video.Cameras {
		if cam.Channel == "" {
			return fmt.Errorf("config: camera %q is missing required field channel", cam.ID)
		}
		key := "video:" + cam.Channel
		if seen[key] {
			return fmt.Errorf("config: duplicate video channel %q", cam.Channel)
		}
		seen[key] = true
	}
	for _, mic := range c.Audio.Microphones {
		if mic.Channel == "" {
			return fmt.Errorf("config: microphone %q is missing required field channel", mic.ID)
		}
		key := "audio:" + mic.Channel
		if seen[key] {
			return fmt.Errorf("config: duplicate audio channel %q", mic.Channel)
		}
		seen[key] = true
	}
	if c.Video.FramesPerSecond < 0 {
		return fmt.Errorf("config: video.framesPerSecond must be non-negative")
	}
	if err := validateMotion(c.Motion); err != nil {
		return err
	}
	if err := validateLight(c.Light); err != nil {
		return err
	}
	return nil
}

func validateMotion(m MotionConfig) error {
	if m.TemporalMedianWindow != 0 && (m.TemporalMedianWindow < 3 || m.TemporalMedianWindow > 60) {
		return fmt.Errorf("config: motion.temporalMedianWindow must be in [3,60], got %d", m.TemporalMedianWindow)
	}
	if m.TemporalMedianBackoffSmoothing != 0 && (m.TemporalMedianBackoffSmoothing < 0.05 || m.TemporalMedianBackoffSmoothing > 0.95) {
		return fmt.Errorf("config: motion.temporalMedianBackoffSmoothing must be in [0.05,0.95], got %f", m.TemporalMedianBackoffSmoothing)
	}
	return nil
}

func validateLight(l LightConfig) error {
	if l.TemporalMedianWindow != 0 && (l.TemporalMedianWindow < 3 || l.TemporalMedianWindow > 60) {
		return fmt.Errorf("config: light.temporalMedianWindow must be in [3,60], got %d", l.TemporalMedianWindow)
	}
	if l.TemporalMedianBackoffSmoothing != 0 && (l.TemporalMedianBackoffSmoothing < 0.05 || l.TemporalMedianBackoffSmoothing > 0.95) {
		return fmt.Errorf("config: light.temporalMedianBackoffSmoothing must be in [0.05,0.95], got %f", l.TemporalMedianBackoffSmoothing)
	}
	return nil
}
