package concurrency

import (
	"log/slog"
	"runtime/debug"
)

// SafeGo launches fn on a new goroutine and turns a panic into a logged error
// plus an optional onPanic callback, so a panicking background task cannot
// take the daemon down. fn's own deferred calls run before onPanic.
func SafeGo(fn func(), onPanic func(recovered interface{})) {
	go func() {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			slog.Error("Recovered panic in background goroutine",
				"panic", r, "stack", string(debug.Stack()))
			if onPanic != nil {
				onPanic(r)
			}
		}()
		fn()
	}()
}
