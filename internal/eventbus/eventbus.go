// SPDX-License-Identifier: MIT

// Package eventbus fans out detector EventPayloads to subscribers,
// isolating a misbehaving listener from the producer (spec §4.5/§9).
package eventbus

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/guardian-av/guardian/internal/channelid"
	"github.com/guardian-av/guardian/internal/safego"
)

// Severity is the event's severity level.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Detector names the producing detector kind.
type Detector string

const (
	DetectorMotion        Detector = "motion"
	DetectorLight         Detector = "light"
	DetectorAudioAnomaly  Detector = "audio-anomaly"
)

// Payload is an immutable event emitted by a detector.
type Payload struct {
	ID       uuid.UUID
	TS       time.Time
	Detector Detector
	Source   string // canonical ChannelId
	Severity Severity
	Message  string
	Meta     map[string]any
}

// NewPayload builds a Payload with a fresh correlation ID.
func NewPayload(detector Detector, source channelid.ID, sev Severity, message string, meta map[string]any) Payload {
	return Payload{
		ID:       uuid.New(),
		TS:       time.Now(),
		Detector: detector,
		Source:   source.Canonical(),
		Severity: sev,
		Message:  message,
		Meta:     meta,
	}
}

// Listener receives published events. Implementations must not block
// indefinitely; Bus dispatches under a per-listener panic guard but does
// not itself enforce a timeout.
type Listener func(Payload)

// Bus is an in-process, fan-out publish/subscribe hub.
type Bus struct {
	mu        sync.RWMutex
	listeners map[int]Listener
	nextID    int
	errCounts map[int]*atomic.Int64
	logger    *slog.Logger
}

// New creates an empty Bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		listeners: make(map[int]Listener),
		errCounts: make(map[int]*atomic.Int64),
		logger:    logger,
	}
}

// Subscribe registers listener and returns an unsubscribe function.
func (b *Bus) Subscribe(listener Listener) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = listener
	b.errCounts[id] = &atomic.Int64{}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		delete(b.errCounts, id)
		b.mu.Unlock()
	}
}

// Publish dispatches payload to every current subscriber synchronously.
// A panicking listener is isolated via safego.Guard and does not affect
// the producer or other listeners.
func (b *Bus) Publish(payload Payload) {
	b.mu.RLock()
	snapshot := make(map[int]Listener, len(b.listeners))
	for id, l := range b.listeners {
		snapshot[id] = l
	}
	b.mu.RUnlock()

	for id, listener := range snapshot {
		listener := listener
		guard := safego.NewGuard(b.logger, "eventbus.listener")
		guard.OnPanic(func(error) {
			b.mu.RLock()
			counter := b.errCounts[id]
			b.mu.RUnlock()
			if counter != nil {
				counter.Add(1)
			}
		})
		guard.Run(func() { listener(payload) })
	}
}

// ListenerErrorCount returns the number of panics recovered from the
// n-th subscriber, counting from 0 in registration order; primarily
// exercised by tests.
func (b *Bus) ListenerErrorCount(n int) int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if c, ok := b.errCounts[n]; ok {
		return c.Load()
	}
	return 0
}

// SubscriberCount returns the number of currently registered listeners.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}
