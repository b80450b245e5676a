// Package safego runs fire-and-forget side effects (access logs, request
// logs, audit shipping) so that a panic inside one is recorded instead of
// killing the process.
package safego

import (
	"log/slog"
	"runtime/debug"

	"github.com/agencyos/module-platform/internal/telemetry"
)

// Go runs fn on a new goroutine under Run.
func Go(fn func()) {
	go Run(fn)
}

// Run calls fn on the current goroutine. A panic is recovered, logged with
// its stack and counted in side_effect_panics_total; ok is false in that case.
func Run(fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			telemetry.SideEffectPanicsTotal.Inc()
			slog.Error("recovered panic in side effect", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
	return true
}
