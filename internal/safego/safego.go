// SPDX-License-Identifier: MIT

// Package safego isolates panics in detector and listener callbacks so a
// single bad callback cannot take down its owning pipeline or the process.
//
// Adapted from lyrebirdaudio-go's internal/util/panic.go RecoverPanic
// helper; generalized from "log and move on" to "log, count, and move on"
// so callers can surface a per-listener/detector error counter (spec §5,
// §7 DetectorTransient).
package safego

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
)

// Guard recovers panics raised by Run, logging the stack trace and
// incrementing an internal counter. It never lets a panic propagate.
type Guard struct {
	Logger  *slog.Logger
	Label   string
	panics  atomic.Int64
	onPanic func(err error)
}

// NewGuard creates a Guard that logs under Label using logger (nil-safe).
func NewGuard(logger *slog.Logger, label string) *Guard {
	return &Guard{Logger: logger, Label: label}
}

// OnPanic registers a callback invoked (outside the recover) with the
// panic converted to an error, e.g. to bump a metrics counter.
func (g *Guard) OnPanic(fn func(err error)) *Guard {
	g.onPanic = fn
	return g
}

// Run executes fn, recovering any panic into a logged, counted event.
// Returns true if fn completed without panicking.
func (g *Guard) Run(fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			g.panics.Add(1)
			stack := debug.Stack()
			if g.Logger != nil {
				g.Logger.Error("recovered panic",
					"component", g.Label,
					"panic", fmt.Sprintf("%v", r),
					"stack", string(stack))
			}
			if g.onPanic != nil {
				g.onPanic(fmt.Errorf("%s: panic: %v", g.Label, r))
			}
		}
	}()
	fn()
	return true
}

// PanicCount returns the number of panics this Guard has recovered.
func (g *Guard) PanicCount() int64 {
	return g.panics.Load()
}
