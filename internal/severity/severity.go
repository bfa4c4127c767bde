// SPDX-License-Identifier: MIT

// Package severity classifies a channel's restart health from its
// watchdog restart count and cumulative watchdog backoff, per spec §4.2.
package severity

import "fmt"

// Level is the classified health severity.
type Level string

const (
	None     Level = "none"
	Warning  Level = "warning"
	Critical Level = "critical"
)

// TriggeredBy names the metric that produced the classification.
type TriggeredBy string

const (
	TriggerNone             TriggeredBy = ""
	TriggerWatchdogRestarts TriggeredBy = "watchdog-restarts"
	TriggerWatchdogBackoff  TriggeredBy = "watchdog-backoff"
)

// Thresholds holds the restart-count and backoff-ms thresholds for one
// severity level.
type Thresholds struct {
	Restarts  int
	BackoffMs int64
}

// Config holds the warning/critical threshold pairs evaluated by Classify.
type Config struct {
	Warning  Thresholds
	Critical Thresholds
}

// DefaultConfig returns spec.md's documented defaults:
// warning={restarts=3, backoff_ms=60000}, critical={6, 180000}.
func DefaultConfig() Config {
	return Config{
		Warning:  Thresholds{Restarts: 3, BackoffMs: 60_000},
		Critical: Thresholds{Restarts: 6, BackoffMs: 180_000},
	}
}

// Result is the outcome of a Classify call.
type Result struct {
	Level       Level
	TriggeredBy TriggeredBy
	Threshold   int64
	Actual      int64
	Reason      string
}

// Classify evaluates (watchdogRestarts, watchdogBackoffMs) against cfg in
// the fixed order documented by spec §4.2: critical-restarts,
// critical-backoff, warning-restarts, warning-backoff, none.
func Classify(cfg Config, watchdogRestarts int, watchdogBackoffMs int64) Result {
	switch {
	case int64(watchdogRestarts) >= int64(cfg.Critical.Restarts):
		return Result{
			Level:       Critical,
			TriggeredBy: TriggerWatchdogRestarts,
			Threshold:   int64(cfg.Critical.Restarts),
			Actual:      int64(watchdogRestarts),
			Reason:      fmt.Sprintf("watchdog restarts %d ≥ %d", watchdogRestarts, cfg.Critical.Restarts),
		}
	case watchdogBackoffMs >= cfg.Critical.BackoffMs:
		return Result{
			Level:       Critical,
			TriggeredBy: TriggerWatchdogBackoff,
			Threshold:   cfg.Critical.BackoffMs,
			Actual:      watchdogBackoffMs,
			Reason:      fmt.Sprintf("watchdog backoff %dms ≥ %dms", watchdogBackoffMs, cfg.Critical.BackoffMs),
		}
	case int64(watchdogRestarts) >= int64(cfg.Warning.Restarts):
		return Result{
			Level:       Warning,
			TriggeredBy: TriggerWatchdogRestarts,
			Threshold:   int64(cfg.Warning.Restarts),
			Actual:      int64(watchdogRestarts),
			Reason:      fmt.Sprintf("watchdog restarts %d ≥ %d", watchdogRestarts, cfg.Warning.Restarts),
		}
	case watchdogBackoffMs >= cfg.Warning.BackoffMs:
		return Result{
			Level:       Warning,
			TriggeredBy: TriggerWatchdogBackoff,
			Threshold:   cfg.Warning.BackoffMs,
			Actual:      watchdogBackoffMs,
			Reason:      fmt.Sprintf("watchdog backoff %dms ≥ %dms", watchdogBackoffMs, cfg.Warning.BackoffMs),
		}
	default:
		return Result{Level: None, TriggeredBy: TriggerNone}
	}
}

// Monotone reports whether b is at least as severe as a. Used by tests to
// assert the monotonicity invariant in spec §8.
func Monotone(a, b Level) bool {
	rank := func(l Level) int {
		switch l {
		case Critical:
			return 2
		case Warning:
			return 1
		default:
			return 0
		}
	}
	return rank(b) >= rank(a)
}
