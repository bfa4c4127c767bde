// SPDX-License-Identifier: MIT

package source

import "context"

// VideoSource captures frames from an RTSP camera via an external decoder,
// applying the transport-fallback ladder on repeated failures.
type VideoSource struct {
	*Base
}

// NewVideoSource constructs a VideoSource. cfg.Transport seeds the head of
// the fallback ladder (configured -> tcp -> udp -> http).
func NewVideoSource(cfg Config, events Events, spawner Spawner) (*VideoSource, error) {
	b, err := newBase(cfg, events, spawner, true)
	if err != nil {
		return nil, err
	}
	return &VideoSource{Base: b}, nil
}

// CurrentTransport reports the RTSP transport currently in use.
func (v *VideoSource) CurrentTransport() string { return v.currentTransport() }

// Run is a convenience wrapper over Base.Start for callers that treat the
// source as a long-lived goroutine.
func (v *VideoSource) Run(ctx context.Context) error { return v.Start(ctx) }
