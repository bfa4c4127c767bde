package detect

import (
	"testing"
	"time"

	"github.com/guardian-av/guardian/internal/channelid"
	"github.com/guardian-av/guardian/internal/eventbus"
	"github.com/guardian-av/guardian/internal/metrics"
)

func flatFrame(w, h int, v byte) Frame {
	pix := make([]byte, w*h)
	for i := range pix {
		pix[i] = v
	}
	return Frame{Width: w, Height: h, Pix: pix}
}

func halfBrightFrame(w, h int, base, bright byte) Frame {
	pix := make([]byte, w*h)
	for i := range pix {
		if i < len(pix)/2 {
			pix[i] = bright
		} else {
			pix[i] = base
		}
	}
	return Frame{Width: w, Height: h, Pix: pix}
}

func jitterFrame(w, h int, base byte, amplitude int) Frame {
	pix := make([]byte, w*h)
	for i := range pix {
		v := int(base)
		if i%2 == 0 {
			v += amplitude
		} else {
			v -= amplitude
		}
		if v < 0 {
			v = 0
		}
		if v > 255 {
			v = 255
		}
		pix[i] = byte(v)
	}
	return Frame{Width: w, Height: h, Pix: pix}
}

func newTestMotionDetector(ch channelid.ID, bus *eventbus.Bus) *MotionDetector {
	opts := MotionOptions{
		DiffThreshold: 10, AreaThreshold: 0.02, AreaInflation: 1.3,
		DebounceFrames: 2, BackoffFrames: 3, MinIntervalMs: 100,
		DeltaWindowSize: 8, TemporalMedianWindow: 8, TemporalMedianMargin: 0.15,
		TemporalMedianBackoffSmoothing: 0.35, NoiseWindowSize: 10, SmoothingFactor: 0.2,
		WarmupFrames: 0,
	}
	return NewMotionDetector(ch, bus, nil, opts, nil)
}

func TestMotionTemporalMedianSuppressesFlicker(t *testing.T) {
	ch := channelid.New(channelid.TypeVideo, "cam-a")
	bus := eventbus.New(nil)
	var events int
	bus.Subscribe(func(eventbus.Payload) { events++ })

	d := newTestMotionDetector(ch, bus)
	ts := time.Now()
	d.ProcessFrame(flatFrame(12, 12, 42), ts) // seed baseline

	for i := 0; i < 12; i++ {
		ts = ts.Add(100 * time.Millisecond)
		var f Frame
		switch i % 3 {
		case 0, 1:
			f = halfBrightFrame(12, 12, 42, 120)
		default:
			f = jitterFrame(12, 12, 42, 3)
		}
		d.ProcessFrame(f, ts)
	}

	if events != 0 {
		t.Fatalf("expected zero motion events under flicker, got %d", events)
	}
	if d.core.temporalWindow.len() == 0 {
		t.Fatal("expected non-empty temporal window")
	}
	if d.core.temporalSuppression <= 0 {
		t.Fatalf("expected temporalSuppression > 0, got %v", d.core.temporalSuppression)
	}
}

func TestMotionResizeRecovery(t *testing.T) {
	ch := channelid.New(channelid.TypeVideo, "cam-a")
	bus := eventbus.New(nil)
	var events int
	bus.Subscribe(func(eventbus.Payload) { events++ })

	d := newTestMotionDetector(ch, bus)
	ts := time.Now()

	d.ProcessFrame(flatFrame(6, 6, 40), ts)
	for i := 0; i < 5; i++ {
		ts = ts.Add(200 * time.Millisecond)
		d.ProcessFrame(halfBrightFrame(6, 6, 40, 220), ts)
	}
	firstEvents := events
	if firstEvents == 0 {
		t.Fatal("expected at least one motion event on the 6x6 baseline")
	}

	// Geometry change: resumes cleanly with no crash.
	ts = ts.Add(time.Second)
	d.ProcessFrame(flatFrame(10, 10, 40), ts)
	for i := 0; i < 6; i++ {
		ts = ts.Add(200 * time.Millisecond)
		d.ProcessFrame(halfBrightFrame(10, 10, 40, 220), ts)
	}

	if events <= firstEvents {
		t.Fatalf("expected a second motion event after resize, got %d (was %d)", events, firstEvents)
	}
}

func TestMotionUpdateOptionsPreservesCountersWithoutGeometryChange(t *testing.T) {
	ch := channelid.New(channelid.TypeVideo, "cam-a")
	bus := eventbus.New(nil)
	d := newTestMotionDetector(ch, bus)

	ts := time.Now()
	d.ProcessFrame(flatFrame(8, 8, 50), ts)
	ts = ts.Add(100 * time.Millisecond)
	d.ProcessFrame(jitterFrame(8, 8, 50, 2), ts)

	before := d.core.SuppressedFrames

	opts := d.opts
	opts.DiffThreshold = 30
	d.UpdateOptions(opts)

	if d.core.SuppressedFrames != before {
		t.Fatalf("suppressedFrames changed on non-geometry update: before=%d after=%d", before, d.core.SuppressedFrames)
	}
}

func TestMotionUpdateOptionsAppliesThresholdOnlyChangeToCore(t *testing.T) {
	ch := channelid.New(channelid.TypeVideo, "cam-a")
	bus := eventbus.New(nil)
	d := newTestMotionDetector(ch, bus)

	opts := d.opts
	opts.DebounceFrames = d.opts.DebounceFrames + 7
	opts.MinIntervalMs = d.opts.MinIntervalMs + 5000
	d.UpdateOptions(opts)

	if d.core.cfg.DebounceFrames != opts.DebounceFrames {
		t.Fatalf("core.cfg.DebounceFrames = %d, want %d (reload not applied)", d.core.cfg.DebounceFrames, opts.DebounceFrames)
	}
	if d.core.cfg.MinInterval != time.Duration(opts.MinIntervalMs)*time.Millisecond {
		t.Fatalf("core.cfg.MinInterval = %v, want %v (reload not applied)", d.core.cfg.MinInterval, time.Duration(opts.MinIntervalMs)*time.Millisecond)
	}
}

func TestMotionEnteringBackoffRecordsSuppression(t *testing.T) {
	ch := channelid.New(channelid.TypeVideo, "cam-a")
	bus := eventbus.New(nil)
	reg := metrics.New()
	opts := MotionOptions{
		DiffThreshold: 10, AreaThreshold: 0.02, AreaInflation: 1.3,
		DebounceFrames: 1, BackoffFrames: 3, MinIntervalMs: 100,
		DeltaWindowSize: 8, TemporalMedianWindow: 8, TemporalMedianMargin: 0.15,
		TemporalMedianBackoffSmoothing: 0.35, NoiseWindowSize: 10, SmoothingFactor: 0.2,
		WarmupFrames: 0,
	}
	d := NewMotionDetector(ch, bus, reg, opts, nil)

	ts := time.Now()
	d.ProcessFrame(flatFrame(6, 6, 40), ts) // seed baseline

	// Two admitted frames in a row: the first triggers the event and
	// opens a backoff window, the second is suppressed by it.
	for i := 0; i < 2; i++ {
		ts = ts.Add(50 * time.Millisecond)
		d.ProcessFrame(halfBrightFrame(6, 6, 40, 220), ts)
	}

	snap := reg.Snapshot()
	if len(snap.Suppression) != 1 {
		t.Fatalf("Suppression records = %d, want 1 (one per backoff window, not per suppressed frame)", len(snap.Suppression))
	}
	if snap.Suppression[0].Detector != "motion" || snap.Suppression[0].Channel != ch.Canonical() {
		t.Fatalf("Suppression record = %+v, want detector=motion channel=%s", snap.Suppression[0], ch.Canonical())
	}

	// A third suppressed frame in the same backoff window must not add
	// another record.
	ts = ts.Add(50 * time.Millisecond)
	d.ProcessFrame(halfBrightFrame(6, 6, 40, 220), ts)
	if len(reg.Snapshot().Suppression) != 1 {
		t.Fatalf("Suppression records after a second suppressed frame = %d, want still 1", len(reg.Snapshot().Suppression))
	}
}
