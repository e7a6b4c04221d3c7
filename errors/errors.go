// Package errors holds the sentinel errors of the worker runtime.
package errors

import "errors"

// ErrWorkerPanic marks a recovered worker panic; the supervisor wraps the
// panic value around it before deciding on the restart.
var ErrWorkerPanic = errors.New("worker panic")
