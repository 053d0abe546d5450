//go:build !linux || !cgo

// loader_native_stub.go: Go plugin loader stub for unsupported platforms
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gosandbox

import (
	"context"
)

// NativeLoader is unavailable on this platform; every load fails.
type NativeLoader struct{}

// NewNativeLoader creates a native loader.
func NewNativeLoader() *NativeLoader { return &NativeLoader{} }

// Load implements CodeLoader.
func (NativeLoader) Load(context.Context, LoadRequest) (any, error) {
	return nil, NewLoaderError(LoaderNative, "native Go plugins require linux with cgo", nil)
}
