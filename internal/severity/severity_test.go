package severity

import "testing"

func TestClassifyOrderAndDefaults(t *testing.T) {
	cfg := DefaultConfig()

	r := Classify(cfg, 2, 920)
	if r.Level != None {
		t.Fatalf("scenario 1: got %v, want none", r.Level)
	}

	r = Classify(cfg, 6, 60_000)
	if r.Level != Critical || r.TriggeredBy != TriggerWatchdogRestarts {
		t.Fatalf("scenario 2: got %+v", r)
	}

	r = Classify(cfg, 0, 180_000)
	if r.Level != Critical || r.TriggeredBy != TriggerWatchdogBackoff {
		t.Fatalf("want critical-backoff trigger, got %+v", r)
	}

	r = Classify(cfg, 3, 0)
	if r.Level != Warning || r.TriggeredBy != TriggerWatchdogRestarts {
		t.Fatalf("want warning-restarts trigger, got %+v", r)
	}

	r = Classify(cfg, 0, 60_000)
	if r.Level != Warning || r.TriggeredBy != TriggerWatchdogBackoff {
		t.Fatalf("want warning-backoff trigger, got %+v", r)
	}
}

func TestMonotoneInRestartsAndBackoff(t *testing.T) {
	cfg := DefaultConfig()
	prevLevel := None
	for restarts := 0; restarts <= 8; restarts++ {
		r := Classify(cfg, restarts, 0)
		if !Monotone(prevLevel, r.Level) {
			t.Fatalf("severity decreased at restarts=%d: prev=%v now=%v", restarts, prevLevel, r.Level)
		}
		prevLevel = r.Level
	}

	prevLevel = None
	for backoff := int64(0); backoff <= 200_000; backoff += 10_000 {
		r := Classify(cfg, 0, backoff)
		if !Monotone(prevLevel, r.Level) {
			t.Fatalf("severity decreased at backoff=%d: prev=%v now=%v", backoff, prevLevel, r.Level)
		}
		prevLevel = r.Level
	}
}
