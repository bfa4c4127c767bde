package config

import (
	"testing"

	"github.com/guardian-av/guardian/internal/channelid"
)

func TestValidateRejectsCameraWithoutChannel(t *testing.T) {
	cfg := Default()
	cfg.Video.Cameras = []CameraConfig{{ID: "front-door", Input: "rtsp://x"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for camera missing channel")
	}
}

func TestValidateRejectsDuplicateChannel(t *testing.T) {
	cfg := Default()
	cfg.Video.Cameras = []CameraConfig{
		{ID: "a", Channel: "lobby", Input: "rtsp://a"},
		{ID: "b", Channel: "lobby", Input: "rtsp://b"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for duplicate channel")
	}
}

func TestValidateRejectsOutOfRangeTemporalWindow(t *testing.T) {
	cfg := Default()
	cfg.Motion.TemporalMedianWindow = 2
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for temporalMedianWindow below clamp")
	}
}

func TestBuildPipelineConfigsAppliesLayeredOverrides(t *testing.T) {
	cfg := Default()
	cfg.Video.FramesPerSecond = 10
	fps6 := 6.0
	cfg.Video.Channels = map[string]ChannelOverride{
		"lobby": {FramesPerSecond: &fps6},
	}
	fps8 := 8.0
	cfg.Video.Cameras = []CameraConfig{
		{ID: "cam-1", Channel: "lobby", Input: "rtsp://lobby", ChannelOverride: ChannelOverride{}},
		{ID: "cam-2", Channel: "porch", Input: "rtsp://porch", ChannelOverride: ChannelOverride{FramesPerSecond: &fps8}},
	}

	pcs, err := BuildPipelineConfigs(cfg)
	if err != nil {
		t.Fatalf("BuildPipelineConfigs: %v", err)
	}

	lobby := findChannel(t, pcs, "video:lobby")
	if lobby.FPS != 6 {
		t.Fatalf("lobby fps = %v, want 6 (channel override)", lobby.FPS)
	}
	porch := findChannel(t, pcs, "video:porch")
	if porch.FPS != 8 {
		t.Fatalf("porch fps = %v, want 8 (camera override, no channel entry)", porch.FPS)
	}
}

func TestBuildPipelineConfigsRejectsMissingChannel(t *testing.T) {
	cfg := Default()
	cfg.Video.Cameras = []CameraConfig{{ID: "cam-1", Input: "rtsp://x"}}
	if _, err := BuildPipelineConfigs(cfg); err == nil {
		t.Fatal("expected error for camera without channel")
	}
}

func TestPipelineConfigRestartRequired(t *testing.T) {
	cfg := Default()
	cfg.Video.Cameras = []CameraConfig{{ID: "cam-1", Channel: "lobby", Input: "rtsp://a"}}
	pcs, err := BuildPipelineConfigs(cfg)
	if err != nil {
		t.Fatalf("BuildPipelineConfigs: %v", err)
	}
	before := findChannel(t, pcs, "video:lobby")

	after := before
	after.Motion.DiffThreshold = 99
	if before.RestartRequired(after) {
		t.Fatal("detector-only change should not require restart")
	}

	after2 := before
	after2.SourceURI = "rtsp://b"
	if !before.RestartRequired(after2) {
		t.Fatal("source URI change should require restart")
	}
}

func findChannel(t *testing.T, pcs map[channelid.ID]PipelineConfig, canonical string) PipelineConfig {
	t.Helper()
	for id, pc := range pcs {
		if id.Canonical() == canonical {
			return pc
		}
	}
	t.Fatalf("channel %s not found", canonical)
	return PipelineConfig{}
}
