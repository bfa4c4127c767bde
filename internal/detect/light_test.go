package detect

import (
	"testing"
	"time"

	"github.com/guardian-av/guardian/internal/channelid"
	"github.com/guardian-av/guardian/internal/eventbus"
	"github.com/guardian-av/guardian/internal/metrics"
)

func newTestLightDetector(ch channelid.ID, bus *eventbus.Bus) *LightDetector {
	opts := LightOptions{
		DeltaThreshold: 15, DebounceFrames: 1, BackoffFrames: 2, MinIntervalMs: 100,
		DeltaWindowSize: 6, TemporalMedianWindow: 6, TemporalMedianMargin: 0.15,
		TemporalMedianBackoffSmoothing: 0.35, NoiseWindowSize: 8, SmoothingFactor: 0.25,
		WarmupFrames: 0, NormalHours: []HourRange{{Start: 22, End: 6}},
	}
	return NewLightDetector(ch, bus, nil, opts, nil)
}

func TestLightOvernightNormalHoursSuppressesEvents(t *testing.T) {
	ch := channelid.New(channelid.TypeVideo, "cam-a")
	bus := eventbus.New(nil)
	var events int
	bus.Subscribe(func(eventbus.Payload) { events++ })

	d := newTestLightDetector(ch, bus)
	ts := time.Now()
	d.ProcessLuminance(40, ts, 20) // seed baseline outside normal hours

	for i := 0; i < 4; i++ {
		ts = ts.Add(time.Second)
		d.ProcessLuminance(200, ts, 2) // 02:00, within 22->6 normal hours
	}
	if events != 0 {
		t.Fatalf("expected no light events during normal hours, got %d", events)
	}

	for i := 0; i < 4; i++ {
		ts = ts.Add(time.Second)
		d.ProcessLuminance(200, ts, 7) // 07:00, outside normal hours
	}
	if events == 0 {
		t.Fatal("expected at least one light event once outside normal hours")
	}
}

func TestLightUpdateOptionsPreservesCounters(t *testing.T) {
	ch := channelid.New(channelid.TypeVideo, "cam-a")
	bus := eventbus.New(nil)
	d := newTestLightDetector(ch, bus)

	ts := time.Now()
	d.ProcessLuminance(50, ts, 12)
	ts = ts.Add(time.Second)
	d.ProcessLuminance(55, ts, 12)

	before := d.core.SuppressedFrames
	opts := d.opts
	opts.DeltaThreshold = 40
	d.UpdateOptions(opts)

	if d.core.SuppressedFrames != before {
		t.Fatalf("suppressedFrames changed on non-geometry update: before=%d after=%d", before, d.core.SuppressedFrames)
	}
}

func TestLightUpdateOptionsAppliesThresholdOnlyChangeToCore(t *testing.T) {
	ch := channelid.New(channelid.TypeVideo, "cam-a")
	bus := eventbus.New(nil)
	d := newTestLightDetector(ch, bus)

	opts := d.opts
	opts.DebounceFrames = d.opts.DebounceFrames + 3
	opts.MinIntervalMs = d.opts.MinIntervalMs + 500
	d.UpdateOptions(opts)

	if d.core.cfg.DebounceFrames != opts.DebounceFrames {
		t.Fatalf("core.cfg.DebounceFrames = %d, want %d (reload not applied)", d.core.cfg.DebounceFrames, opts.DebounceFrames)
	}
	if d.core.cfg.MinInterval != time.Duration(opts.MinIntervalMs)*time.Millisecond {
		t.Fatalf("core.cfg.MinInterval = %v, want %v (reload not applied)", d.core.cfg.MinInterval, time.Duration(opts.MinIntervalMs)*time.Millisecond)
	}
}

func TestLightEnteringBackoffRecordsSuppression(t *testing.T) {
	ch := channelid.New(channelid.TypeVideo, "cam-a")
	bus := eventbus.New(nil)
	reg := metrics.New()
	opts := LightOptions{
		DeltaThreshold: 15, DebounceFrames: 1, BackoffFrames: 3, MinIntervalMs: 100,
		DeltaWindowSize: 6, TemporalMedianWindow: 6, TemporalMedianMargin: 0.15,
		TemporalMedianBackoffSmoothing: 0.35, NoiseWindowSize: 8, SmoothingFactor: 0.25,
		WarmupFrames: 0,
	}
	d := NewLightDetector(ch, bus, reg, opts, nil)

	ts := time.Now()
	d.ProcessLuminance(40, ts, 12) // seed baseline outside normal hours

	for i := 0; i < 2; i++ {
		ts = ts.Add(time.Second)
		d.ProcessLuminance(200, ts, 12)
	}

	snap := reg.Snapshot()
	if len(snap.Suppression) != 1 {
		t.Fatalf("Suppression records = %d, want 1", len(snap.Suppression))
	}
	if snap.Suppression[0].Detector != "light" {
		t.Fatalf("Suppression record detector = %q, want light", snap.Suppression[0].Detector)
	}
}

func TestHourRangeOvernightWrap(t *testing.T) {
	r := HourRange{Start: 22, End: 6}
	cases := map[int]bool{23: true, 0: true, 5: true, 6: false, 12: false, 21: false, 22: true}
	for hour, want := range cases {
		if got := r.contains(hour); got != want {
			t.Fatalf("hour %d: got %v, want %v", hour, got, want)
		}
	}
}
