// SPDX-License-Identifier: MIT

package metrics

import (
	"context"
	"log/slog"
)

// CountingHandler wraps a slog.Handler, incrementing the registry's
// "log.error" counter for every Error-level record so HealthAggregator
// can fold error/fatal log volume into its status classification
// (spec §4.10) without every call site counting it by hand.
type CountingHandler struct {
	next slog.Handler
	reg  *Registry
}

// NewCountingHandler wraps next, tallying error-level records into reg.
func NewCountingHandler(next slog.Handler, reg *Registry) *CountingHandler {
	return &CountingHandler{next: next, reg: reg}
}

func (h *CountingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *CountingHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelError {
		h.reg.IncrementCounter("log.error", 1)
	}
	return h.next.Handle(ctx, r)
}

func (h *CountingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CountingHandler{next: h.next.WithAttrs(attrs), reg: h.reg}
}

func (h *CountingHandler) WithGroup(name string) slog.Handler {
	return &CountingHandler{next: h.next.WithGroup(name), reg: h.reg}
}
