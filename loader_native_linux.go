//go:build linux && cgo

// loader_native_linux.go: Go plugin (.so) loader
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gosandbox

import (
	"context"
	"fmt"
	"plugin"
)

// NativeLoader opens Go plugins built with -buildmode=plugin. The entry
// symbol must be a func() Plugin, a func() any, or a variable holding a Plugin.
//
// Opening a Go plugin runs its init functions in the host process; loading
// is therefore a "plugin" capability request checked against the manifest
// policy before the file is opened.
type NativeLoader struct{}

// NewNativeLoader creates a native loader.
func NewNativeLoader() *NativeLoader { return &NativeLoader{} }

// Load implements CodeLoader.
func (NativeLoader) Load(_ context.Context, req LoadRequest) (any, error) {
	if req.Sandbox != nil && req.Manifest != nil && !req.Manifest.Trusted {
		if err := req.Sandbox.CheckCapability("plugin"); err != nil {
			return nil, NewLoaderError(LoaderNative, "native code not permitted for untrusted plugin", err)
		}
	}

	p, err := plugin.Open(req.Path)
	if err != nil {
		return nil, NewLoaderError(LoaderNative, "failed to open plugin", err)
	}
	sym, err := p.Lookup(req.Symbol)
	if err != nil {
		return nil, NewLoaderError(LoaderNative, fmt.Sprintf("symbol %q not found", req.Symbol), err)
	}

	switch v := sym.(type) {
	case func() Plugin:
		return v(), nil
	case func() any:
		return v(), nil
	case *Plugin:
		return *v, nil
	case Plugin:
		return v, nil
	default:
		return nil, NewLoaderError(LoaderNative, fmt.Sprintf("symbol %q has unsupported type %T", req.Symbol, sym), nil)
	}
}
