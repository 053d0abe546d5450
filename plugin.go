// plugin.go: Core plugin interfaces
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gosandbox

import (
	"context"
)

// Method is a plugin operation invokable through Registry.SafeCall.
// Implementations should honor ctx: it carries the call deadline and the
// sandbox Environment.
type Method func(ctx context.Context, args ...any) (any, error)

// Plugin is the contract every plugin instance must satisfy.
type Plugin interface {
	// Name returns the plugin identity; it must match the manifest name
	Name() string

	// Version returns the plugin version string
	Version() string

	// Initialize is called once inside the sandbox before first use
	Initialize(ctx context.Context) error

	// Methods returns the operations exposed to the host
	Methods() map[string]Method
}

// Cleaner is implemented by plugins that release resources on unload.
// Cleanup is best-effort and bounded by RegistryConfig.CleanupTimeout.
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

// Factory creates a fresh plugin instance.
type Factory func() Plugin
