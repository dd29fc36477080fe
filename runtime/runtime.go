// Package runtime provides panic-safety helpers for goroutines and workers,
// plus process resource snapshots for operational logging.
package runtime

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/careloophq/lib-events/log"
)

// PanicPolicy controls what happens after a panic is recovered and logged.
type PanicPolicy int

const (
	// KeepRunning swallows the panic after logging it.
	KeepRunning PanicPolicy = iota
	// CrashProcess re-panics after logging, crashing the process.
	CrashProcess
)

// RecoverAndLogWithContext recovers from a panic, logs it with its stack
// trace, and continues execution. Use in defer statements for workers where a
// panic must not take down the whole relay.
func RecoverAndLogWithContext(ctx context.Context, logger log.Logger, component, name string) {
	if recovered := recover(); recovered != nil {
		logPanic(ctx, logger, component, name, recovered)
	}
}

// SafeGo runs fn in a goroutine guarded by panic recovery.
func SafeGo(logger log.Logger, name string, policy PanicPolicy, fn func()) {
	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				logPanic(context.Background(), logger, "goroutine", name, recovered)

				if policy == CrashProcess {
					panic(recovered)
				}
			}
		}()

		fn()
	}()
}

func logPanic(ctx context.Context, logger log.Logger, component, name string, panicValue any) {
	if logger == nil {
		return
	}

	logger.Log(ctx, log.LevelError, "panic recovered",
		log.String("component", component),
		log.String("source", name),
		log.String("value", fmt.Sprintf("%v", panicValue)),
		log.String("stack_trace", string(debug.Stack())),
	)
}
