package detect

import (
	"math"
	"testing"
	"time"

	"github.com/guardian-av/guardian/internal/channelid"
	"github.com/guardian-av/guardian/internal/eventbus"
)

func sineSamples(n int, freq float64, sampleRate int, amplitude float64) []int16 {
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		v := amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate))
		out[i] = int16(v * 32767)
	}
	return out
}

func TestAudioAnomalyEmitsOnSustainedRMSDelta(t *testing.T) {
	ch := channelid.New(channelid.TypeAudio, "mic-a")
	bus := eventbus.New(nil)
	var events int
	var lastSeverity eventbus.Severity
	bus.Subscribe(func(p eventbus.Payload) { events++; lastSeverity = p.Severity })

	opts := AudioAnomalyOptions{
		FrameSize: 256, HopSize: 128, SampleRate: 8000,
		MinTriggerDurationMs: 100, MinIntervalMs: 0,
		Default: AudioThresholds{RMSDelta: 0.05, CentroidDelta: 10000},
	}
	d := NewAudioAnomalyDetector(ch, bus, nil, opts, nil)

	ts := time.Now()
	quiet := sineSamples(2000, 200, 8000, 0.01)
	d.ProcessPCM(quiet, ts, 12)

	loud := sineSamples(4000, 200, 8000, 0.9)
	ts = ts.Add(500 * time.Millisecond)
	d.ProcessPCM(loud, ts, 12)

	if events == 0 {
		t.Fatal("expected at least one audio-anomaly event on sustained loud signal")
	}
	if lastSeverity != eventbus.SeverityCritical {
		t.Fatalf("expected critical severity for sustained RMS delta, got %v", lastSeverity)
	}
}

func TestAudioAnomalyPicksNightThresholds(t *testing.T) {
	ch := channelid.New(channelid.TypeAudio, "mic-a")
	bus := eventbus.New(nil)
	opts := AudioAnomalyOptions{
		FrameSize: 64, HopSize: 32, SampleRate: 8000,
		NightHours: &HourRange{Start: 22, End: 6},
		Day:        AudioThresholds{RMSDelta: 0.5, CentroidDelta: 500},
		Night:      AudioThresholds{RMSDelta: 0.1, CentroidDelta: 100},
	}
	d := NewAudioAnomalyDetector(ch, bus, nil, opts, nil)

	if got := d.pickThresholds(2); got != opts.Night {
		t.Fatalf("expected night thresholds at 02:00, got %+v", got)
	}
	if got := d.pickThresholds(14); got != opts.Day {
		t.Fatalf("expected day thresholds at 14:00, got %+v", got)
	}
}

func TestAudioAnomalyUpdateOptionsResetsOnGeometryChange(t *testing.T) {
	ch := channelid.New(channelid.TypeAudio, "mic-a")
	bus := eventbus.New(nil)
	opts := AudioAnomalyOptions{FrameSize: 256, HopSize: 128, SampleRate: 8000, Default: AudioThresholds{RMSDelta: 0.1}}
	d := NewAudioAnomalyDetector(ch, bus, nil, opts, nil)

	d.ProcessPCM(sineSamples(300, 200, 8000, 0.1), time.Now(), 10)
	if !d.hasBaseline {
		t.Fatal("expected baseline to be set after processing a full frame")
	}

	opts2 := opts
	opts2.FrameSize = 512
	d.UpdateOptions(opts2)
	if d.hasBaseline {
		t.Fatal("expected baseline reset after frame-size (geometry) change")
	}
}
