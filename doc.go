// Package gosandbox provides an in-process plugin registry and sandbox for Go
// applications. It discovers plugins from manifest directories, validates their
// security profile and compatibility, loads them through pluggable code loaders,
// and routes every call through a per-plugin sandbox that enforces timeouts,
// resource ceilings and a capability allow/deny list.
//
// Key Features:
//   - Manifest discovery (JSON or YAML) with structural validation
//   - Security and compatibility gates with accumulated diagnostics
//   - Explicit lifecycle state machine (unloaded, loading, loaded, error, disabled)
//   - Bounded worker pool per plugin with deadline-aware cancellation
//   - Capability checks at file, network and process acquisition points
//   - Best-effort OS resource limits and background resource sampling
//   - Automatic quarantine on critical or repeated violations
//   - Dependency-ordered loading and in-place upgrades
//   - Health monitoring with optional CEL rules and gRPC health status
//   - Prometheus metrics and argus audit trail
//
// Basic Usage:
//
//	registry, err := gosandbox.NewRegistry(gosandbox.RegistryConfig{
//		PluginDirectories: []string{"./plugins"},
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer registry.Cleanup(context.Background())
//
//	if _, err := registry.Discover(ctx, true); err != nil {
//		log.Fatal(err)
//	}
//
//	result, err := registry.SafeCall(ctx, "csv-stats", "mean", []any{"data.csv"}, 0)
//
// Isolation:
// Plugins run inside the host process. Timeouts cancel the context handed to
// plugin code; code that never checks its context keeps running detached after
// the caller has received a timeout error. WASM plugins loaded through the
// wazero loader are the exception: their execution is interrupted when the
// context is done.
//
// Copyright (c) 2025 AGILira - A. Giordano
// SPDX-License-Identifier: MPL-2.0
package gosandbox
