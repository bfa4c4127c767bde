package metrics

import "testing"

func TestRestartAccountingScenario(t *testing.T) {
	r := New()

	r.RecordPipelineRestart("video", "video:cam-a", "watchdog-timeout", PipelineRestartParams{DelayMs: 420, WatchdogBackoffMs: 420})
	r.RecordPipelineRestart("video", "video:cam-a", "stream-idle", PipelineRestartParams{DelayMs: 150})
	r.RecordPipelineRestart("video", "video:cam-a", "watchdog-timeout", PipelineRestartParams{DelayMs: 500, WatchdogBackoffMs: 500})

	snap := r.Snapshot()
	cs := snap.Channels["video:cam-a"]

	if cs.Total != 3 {
		t.Fatalf("total = %d, want 3", cs.Total)
	}
	if cs.ByReason["watchdog-timeout"] != 2 {
		t.Fatalf("byReason[watchdog-timeout] = %d, want 2", cs.ByReason["watchdog-timeout"])
	}
	if cs.SumWatchdogBackoffMs != 920 {
		t.Fatalf("watchdogBackoffMs = %d, want 920", cs.SumWatchdogBackoffMs)
	}
	if cs.SumDelayMs != 1070 {
		t.Fatalf("totalDelayMs = %d, want 1070", cs.SumDelayMs)
	}
	if cs.Severity != "none" {
		t.Fatalf("severity = %v, want none", cs.Severity)
	}
}

func TestSeverityCrossingScenario(t *testing.T) {
	r := New()
	for i := 0; i < 6; i++ {
		r.RecordPipelineRestart("video", "video:cam-a", "watchdog-timeout", PipelineRestartParams{DelayMs: 10_000, WatchdogBackoffMs: 10_000})
	}
	res, ok := r.ChannelSeverity("video:cam-a")
	if !ok {
		t.Fatal("expected channel stats to exist")
	}
	if res.Level != "critical" {
		t.Fatalf("severity = %v, want critical", res.Level)
	}
	if res.TriggeredBy != "watchdog-restarts" {
		t.Fatalf("triggeredBy = %v, want watchdog-restarts", res.TriggeredBy)
	}
	if res.Threshold != 6 {
		t.Fatalf("threshold = %d, want 6", res.Threshold)
	}
}

func TestHistoryCapAndDroppedInvariant(t *testing.T) {
	r := New(WithHistoryLimit(4))
	for i := 0; i < 10; i++ {
		r.RecordPipelineRestart("video", "video:cam-a", "watchdog-timeout", PipelineRestartParams{})
	}
	snap := r.Snapshot()
	cs := snap.Channels["video:cam-a"]
	if len(cs.History) > cs.HistoryLimit {
		t.Fatalf("history len %d exceeds limit %d", len(cs.History), cs.HistoryLimit)
	}
	if cs.Dropped+int64(len(cs.History)) != cs.Total {
		t.Fatalf("dropped(%d)+len(%d) != total(%d)", cs.Dropped, len(cs.History), cs.Total)
	}
}

func TestOnWarningFiresOnSeverityChange(t *testing.T) {
	r := New()
	var warnings []Warning
	r.OnWarning(func(w Warning) { warnings = append(warnings, w) })

	for i := 0; i < 3; i++ {
		r.RecordPipelineRestart("video", "video:cam-a", "watchdog-timeout", PipelineRestartParams{})
	}
	if len(warnings) == 0 {
		t.Fatal("expected at least one warning once severity crosses into warning")
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	r := New()
	r.RecordPipelineRestart("video", "video:cam-a", "watchdog-timeout", PipelineRestartParams{})
	snap := r.Snapshot()
	cs := snap.Channels["video:cam-a"]
	cs.ByReason["watchdog-timeout"] = 999 // mutate the copy

	snap2 := r.Snapshot()
	if snap2.Channels["video:cam-a"].ByReason["watchdog-timeout"] == 999 {
		t.Fatal("snapshot leaked a shared reference")
	}
}
