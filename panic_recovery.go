// panic_recovery.go: Panic recovery utilities with stack trace support
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gosandbox

import (
	"fmt"
	"runtime"
)

// PanicError is returned in place of a panic raised by plugin code.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("plugin panicked: %v", e.Value)
}

func captureStack() []byte {
	buf := make([]byte, 64<<10)
	n := runtime.Stack(buf, false)
	return buf[:n]
}

// withStackRecover returns a panic recovery function that logs panic details
// including the stack trace. Call it with defer:
//
//	go func() {
//	    defer withStackRecover(logger)()
//	    // potentially panicking code
//	}()
func withStackRecover(logger Logger) func() {
	return func() {
		if r := recover(); r != nil {
			logger.Error("Panic recovered in goroutine",
				"panic", r,
				"stack", string(captureStack()))
		}
	}
}

// recoverInto stores a recovered panic as a *PanicError in *errp.
//
//	func() (err error) {
//	    defer recoverInto(&err)
//	    ...
//	}
func recoverInto(errp *error) {
	if r := recover(); r != nil {
		*errp = &PanicError{Value: r, Stack: captureStack()}
	}
}

// SafeGo executes fn in a new goroutine with automatic panic recovery.
func SafeGo(logger Logger, fn func()) {
	go func() {
		defer withStackRecover(logger)()
		fn()
	}()
}
