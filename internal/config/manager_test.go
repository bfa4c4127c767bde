package config

import (
	"os"
	"path/filepath"
	"testing"
)

const testYAML = `
video:
  framesPerSecond: 12
  cameras:
    - id: cam-1
      channel: lobby
      input: rtsp://10.0.0.5/stream
`

func TestConfigManagerLoadsFileAndValidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "guardian.yaml")
	if err := os.WriteFile(path, []byte(testYAML), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cm, err := NewConfigManager(path, "GUARDIAN_TEST")
	if err != nil {
		t.Fatalf("NewConfigManager: %v", err)
	}

	cur := cm.Current()
	if cur.Video.FramesPerSecond != 12 {
		t.Fatalf("got fps %v, want 12", cur.Video.FramesPerSecond)
	}
	if len(cur.Video.Cameras) != 1 || cur.Video.Cameras[0].Channel != "lobby" {
		t.Fatalf("unexpected cameras: %+v", cur.Video.Cameras)
	}
}

func TestConfigManagerReloadNotifiesListeners(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "guardian.yaml")
	if err := os.WriteFile(path, []byte(testYAML), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cm, err := NewConfigManager(path, "GUARDIAN_TEST2")
	if err != nil {
		t.Fatalf("NewConfigManager: %v", err)
	}

	notified := make(chan struct{}, 1)
	cm.OnReload(func(prev, cur GuardianConfig) {
		notified <- struct{}{}
	})

	updated := `
video:
  framesPerSecond: 20
  cameras:
    - id: cam-1
      channel: lobby
      input: rtsp://10.0.0.5/stream
`
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	if err := cm.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	select {
	case <-notified:
	default:
		t.Fatal("expected reload listener to be notified")
	}

	if cm.Current().Video.FramesPerSecond != 20 {
		t.Fatalf("got fps %v, want 20 after reload", cm.Current().Video.FramesPerSecond)
	}
}

func TestConfigManagerReloadKeepsPreviousOnInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "guardian.yaml")
	if err := os.WriteFile(path, []byte(testYAML), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cm, err := NewConfigManager(path, "GUARDIAN_TEST3")
	if err != nil {
		t.Fatalf("NewConfigManager: %v", err)
	}

	broken := `
video:
  cameras:
    - id: cam-1
      input: rtsp://10.0.0.5/stream
`
	if err := os.WriteFile(path, []byte(broken), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	if err := cm.Reload(); err == nil {
		t.Fatal("expected reload to fail on camera missing channel")
	}

	if len(cm.Current().Video.Cameras) != 1 || cm.Current().Video.Cameras[0].Channel != "lobby" {
		t.Fatalf("expected previous valid config to remain active, got %+v", cm.Current().Video.Cameras)
	}
}
