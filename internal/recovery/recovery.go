// Package recovery guards goroutines against panics escaping and crashing
// the process: every pump and relay copy loop in tuicd defers one of these
// at the top so a bug in one connection or one stream never takes down the
// others sharing the process.
package recovery

import (
	"log/slog"
	"runtime/debug"

	"github.com/postalsys/tuicd/internal/logging"
)

// RecoverWithLog recovers a panic and logs it at error level with the
// goroutine name and stack trace. Defer it at the top of any goroutine that
// has nothing left to clean up on its own panic.
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logger.Error("panic recovered",
			logging.KeyGoroutine, name,
			logging.KeyPanic, r,
			logging.KeyStack, string(debug.Stack()))
	}
}

// RecoverWithCallback recovers a panic, logs it the same way RecoverWithLog
// does, and then runs cleanup for state the panicking goroutine would
// otherwise leave dangling: closing a connection whose ingress pump died
// mid-loop, releasing a UDP relay session's sockets, or unblocking a
// bidirectional copy waiting on the goroutine that just died.
func RecoverWithCallback(logger *slog.Logger, name string, cleanup func(recovered any)) {
	if r := recover(); r != nil {
		logger.Error("panic recovered",
			logging.KeyGoroutine, name,
			logging.KeyPanic, r,
			logging.KeyStack, string(debug.Stack()))
		if cleanup != nil {
			cleanup(r)
		}
	}
}
