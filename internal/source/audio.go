// SPDX-License-Identifier: MIT

package source

import (
	"context"

	"github.com/smallnest/ringbuffer"
)

// AudioSource captures PCM from a microphone via an external decoder and
// chunks it through a ring buffer for downstream anomaly detection: raw
// decoder reads land in the ring as they arrive, and are drained back
// out in fixed-size frames so the detector always sees frame-aligned
// PCM regardless of how the decoder happened to chunk its stdout.
type AudioSource struct {
	*Base
	ring       *ringbuffer.RingBuffer
	frameBytes int
	drainBuf   []byte
}

// NewAudioSource constructs an AudioSource. ringSize bounds the PCM ring
// buffer capacity in bytes; a detector reading slower than the source
// produces drains the oldest bytes first. frameBytes is the fixed size,
// in bytes, drained from the ring per detector callback; zero disables
// framing and forwards the ring's drain in ringSize-sized gulps.
func NewAudioSource(cfg Config, events Events, spawner Spawner, ringSize, frameBytes int) (*AudioSource, error) {
	b, err := newBase(cfg, events, spawner, false)
	if err != nil {
		return nil, err
	}
	if ringSize <= 0 {
		ringSize = 1 << 20
	}
	if frameBytes <= 0 || frameBytes > ringSize {
		frameBytes = ringSize
	}
	a := &AudioSource{
		Base:       b,
		ring:       ringbuffer.New(ringSize).SetBlocking(false),
		frameBytes: frameBytes,
		drainBuf:   make([]byte, frameBytes),
	}
	userOnChunk := events.OnChunk
	a.events.OnChunk = func(pcm []byte) {
		if _, err := a.ring.Write(pcm); err != nil {
			return
		}
		if userOnChunk == nil {
			return
		}
		for a.ring.Length() >= a.frameBytes {
			n, err := a.ring.Read(a.drainBuf)
			if err != nil || n == 0 {
				return
			}
			userOnChunk(a.drainBuf[:n])
		}
	}
	return a, nil
}

// ReadPCM drains up to len(buf) bytes of buffered PCM directly, bypassing
// the fixed-frame callback path. It never blocks.
func (a *AudioSource) ReadPCM(buf []byte) (int, error) {
	return a.ring.Read(buf)
}

// Run is a convenience wrapper over Base.Start.
func (a *AudioSource) Run(ctx context.Context) error { return a.Start(ctx) }
