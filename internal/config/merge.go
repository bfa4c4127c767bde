// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"reflect"

	"github.com/guardian-av/guardian/internal/channelid"
)

// PipelineConfig is the fully-merged, validated configuration for one
// channel's ChannelPipeline (spec §3's PipelineConfig entity). It is
// immutable within a pipeline incarnation; reload builds a fresh value
// and Supervisor decides whether it requires a restart.
type PipelineConfig struct {
	Channel   channelid.ID
	SourceURI string

	Decoder   DecoderConfig
	Transport string // video only
	FPS       float64

	Timeouts TimeoutsConfig
	Restart  RestartConfig

	Motion MotionConfig
	Light  LightConfig
	Audio  AudioAnomalyConfig
}

// mediaSourceEquals compares exactly the fields that, per spec §4.5's
// update_options policy, require a MediaSource restart when changed:
// source URI, transport, decoder args, fps, and all timeouts/restart
// policy. Detector-only changes are excluded.
func (p PipelineConfig) mediaSourceEquals(other PipelineConfig) bool {
	return p.SourceURI == other.SourceURI &&
		p.Transport == other.Transport &&
		p.FPS == other.FPS &&
		reflect.DeepEqual(p.Decoder, other.Decoder) &&
		reflect.DeepEqual(p.Timeouts, other.Timeouts) &&
		reflect.DeepEqual(p.Restart, other.Restart)
}

// RestartRequired reports whether moving from p to next requires
// stopping and recreating the MediaSource, per spec §4.5.
func (p PipelineConfig) RestartRequired(next PipelineConfig) bool {
	return !p.mediaSourceEquals(next)
}

// BuildPipelineConfigs deep-merges GuardianConfig into one
// PipelineConfig per declared camera/microphone, per spec §6's merge
// order: root -> video.*/audio.* default -> channels[channel] ->
// cameras[i]/microphones[i] element overrides.
func BuildPipelineConfigs(cfg GuardianConfig) (map[channelid.ID]PipelineConfig, error) {
	out := make(map[channelid.ID]PipelineConfig)

	for _, cam := range cfg.Video.Cameras {
		id := channelid.New(channelid.TypeVideo, cam.Channel)
		if id.IsZero() {
			return nil, fmt.Errorf("config: camera %q has invalid channel %q", cam.ID, cam.Channel)
		}
		pc := PipelineConfig{
			Channel:   id,
			SourceURI: cam.Input,
			Decoder:   cfg.Video.Decoder,
			Transport: cfg.Video.Transport,
			FPS:       cfg.Video.FramesPerSecond,
			Timeouts:  cfg.Video.Timeouts,
			Restart:   cfg.Video.Restart,
			Motion:    cfg.Motion,
			Light:     cfg.Light,
		}
		if chOv, ok := cfg.Video.Channels[cam.Channel]; ok {
			applyChannelOverride(&pc, chOv)
		}
		applyChannelOverride(&pc, cam.ChannelOverride)
		if _, exists := out[id]; exists {
			return nil, fmt.Errorf("config: duplicate channel %s", id.Canonical())
		}
		out[id] = pc
	}

	for _, mic := range cfg.Audio.Microphones {
		id := channelid.New(channelid.TypeAudio, mic.Channel)
		if id.IsZero() {
			return nil, fmt.Errorf("config: microphone %q has invalid channel %q", mic.ID, mic.Channel)
		}
		pc := PipelineConfig{
			Channel:   id,
			SourceURI: mic.Input,
			Decoder:   cfg.Audio.Decoder,
			Timeouts:  cfg.Audio.Timeouts,
			Restart:   cfg.Audio.Restart,
			Audio:     cfg.AudioAnomaly,
		}
		if chOv, ok := cfg.Audio.Channels[mic.Channel]; ok {
			applyChannelOverride(&pc, chOv)
		}
		applyChannelOverride(&pc, mic.ChannelOverride)
		if _, exists := out[id]; exists {
			return nil, fmt.Errorf("config: duplicate channel %s", id.Canonical())
		}
		out[id] = pc
	}

	return out, nil
}

// applyChannelOverride mutates pc in place, overwriting only the fields
// present (non-nil) in ov. Every optional field has a well-defined
// meaning: absent means inherit (spec §9 design note).
func applyChannelOverride(pc *PipelineConfig, ov ChannelOverride) {
	if ov.FramesPerSecond != nil {
		pc.FPS = *ov.FramesPerSecond
	}
	if ov.Decoder != nil {
		pc.Decoder = *ov.Decoder
	}
	if ov.Transport != nil {
		pc.Transport = *ov.Transport
	}
	if ov.Timeouts != nil {
		pc.Timeouts = *ov.Timeouts
	}
	if ov.Restart != nil {
		pc.Restart = *ov.Restart
	}
	if ov.Motion != nil {
		pc.Motion = *ov.Motion
	}
	if ov.Light != nil {
		pc.Light = *ov.Light
	}
	if ov.Audio != nil {
		pc.Audio = *ov.Audio
	}
}
