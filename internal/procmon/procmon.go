// SPDX-License-Identifier: MIT

// Package procmon samples a decoder subprocess's resource usage and
// raises warning/critical alerts, per SPEC_FULL.md §4.4.2.
//
// Adapted from lyrebirdaudio-go's internal/stream/monitor.go
// (ResourceMetrics, ResourceThresholds, AlertLevel), generalized from
// an FFmpeg-audio-specific monitor to any decoder subprocess pid.
package procmon

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"
)

// Metrics is one sample of a process's resource usage.
type Metrics struct {
	PID             int
	FileDescriptors int
	MemoryBytes     int64
	ThreadCount     int
	Uptime          time.Duration
	Timestamp       time.Time
}

// AlertLevel indicates the severity of a resource threshold crossing.
type AlertLevel int

const (
	AlertNone AlertLevel = iota
	AlertWarning
	AlertCritical
)

// Thresholds defines warning/critical resource ceilings.
type Thresholds struct {
	FDWarning      int
	FDCritical     int
	MemoryWarning  int64
	MemoryCritical int64
}

// DefaultThresholds returns conservative defaults suitable for a single
// decoder subprocess.
func DefaultThresholds() Thresholds {
	return Thresholds{
		FDWarning:      200,
		FDCritical:     500,
		MemoryWarning:  512 * 1024 * 1024,
		MemoryCritical: 1024 * 1024 * 1024,
	}
}

// Alert describes one threshold crossing.
type Alert struct {
	Level     AlertLevel
	Resource  string
	Value     float64
	Threshold float64
	Metrics   Metrics
}

// AlertCallback receives alerts raised by Monitor.
type AlertCallback func([]Alert)

// Monitor samples a single process's resource usage on an interval.
type Monitor struct {
	Thresholds Thresholds
}

// New creates a Monitor using the given thresholds.
func New(t Thresholds) *Monitor {
	return &Monitor{Thresholds: t}
}

// MonitorProcess samples pid every interval until ctx is cancelled,
// invoking cb with any threshold-crossing alerts found on each sample.
func (m *Monitor) MonitorProcess(ctx context.Context, pid int, interval time.Duration, cb AlertCallback) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics, err := Sample(pid)
			if err != nil {
				continue
			}
			metrics.Uptime = time.Since(start)
			if alerts := m.evaluate(metrics); len(alerts) > 0 && cb != nil {
				cb(alerts)
			}
		}
	}
}

func (m *Monitor) evaluate(metrics Metrics) []Alert {
	var alerts []Alert
	if metrics.FileDescriptors >= m.Thresholds.FDCritical {
		alerts = append(alerts, Alert{AlertCritical, "file_descriptors", float64(metrics.FileDescriptors), float64(m.Thresholds.FDCritical), metrics})
	} else if metrics.FileDescriptors >= m.Thresholds.FDWarning {
		alerts = append(alerts, Alert{AlertWarning, "file_descriptors", float64(metrics.FileDescriptors), float64(m.Thresholds.FDWarning), metrics})
	}
	if metrics.MemoryBytes >= m.Thresholds.MemoryCritical {
		alerts = append(alerts, Alert{AlertCritical, "memory_bytes", float64(metrics.MemoryBytes), float64(m.Thresholds.MemoryCritical), metrics})
	} else if metrics.MemoryBytes >= m.Thresholds.MemoryWarning {
		alerts = append(alerts, Alert{AlertWarning, "memory_bytes", float64(metrics.MemoryBytes), float64(m.Thresholds.MemoryWarning), metrics})
	}
	return alerts
}

// Sample reads /proc/<pid> for file descriptor count, RSS, and thread
// count. Returns an error if the process is gone or /proc is unavailable
// (e.g. non-Linux); callers should treat that as "no sample this tick."
func Sample(pid int) (Metrics, error) {
	m := Metrics{PID: pid, Timestamp: time.Now()}

	if entries, err := os.ReadDir("/proc/" + strconv.Itoa(pid) + "/fd"); err == nil {
		m.FileDescriptors = len(entries)
	}

	statusData, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return m, err
	}
	for _, line := range strings.Split(string(statusData), "\n") {
		switch {
		case strings.HasPrefix(line, "VmRSS:"):
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				if kb, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
					m.MemoryBytes = kb * 1024
				}
			}
		case strings.HasPrefix(line, "Threads:"):
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				if n, err := strconv.Atoi(fields[1]); err == nil {
					m.ThreadCount = n
				}
			}
		}
	}
	return m, nil
}
