package observability

import (
	"fmt"
	"runtime/debug"
)

// RecoverPanic recovers a panic in the calling goroutine and logs it with a
// stack trace. It must be deferred directly.
func RecoverPanic(logger *Logger, where string) {
	if r := recover(); r != nil {
		RecoverPanicValue(logger, where, r)
	}
}

// RecoverPanicValue logs an already recovered panic value
func RecoverPanicValue(logger *Logger, where string, value interface{}) {
	Default(logger).WithFields(map[string]interface{}{
		"panic": fmt.Sprint(value),
		"stack": string(debug.Stack()),
		"where": where,
	}).Error("panic recovered")
}
