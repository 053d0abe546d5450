// loader.go: Pluggable code loaders that turn a manifest entry point into an instance
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gosandbox

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

// Loader kinds selectable with the manifest "loader" field.
const (
	LoaderStatic = "static"
	LoaderNative = "native"
	LoaderWasm   = "wasm"
)

// LoadRequest describes one instantiation.
type LoadRequest struct {
	Manifest *PluginManifest
	// Path is the resolved entry point file
	Path string
	// Symbol names what to instantiate inside Path
	Symbol string
	// Sandbox is the sandbox the instance will run in. Loaders that resolve
	// imports (WASM) check them against its capability policy.
	Sandbox *Sandbox
}

// CodeLoader instantiates plugin code. The returned value must implement
// Plugin; the registry verifies it.
type CodeLoader interface {
	Load(ctx context.Context, req LoadRequest) (any, error)
}

// loaderKind picks the loader for a manifest: explicit field first, then the
// entry point extension, static otherwise.
func loaderKind(m *PluginManifest) string {
	if m.Loader != "" {
		return strings.ToLower(m.Loader)
	}
	switch strings.ToLower(filepath.Ext(m.EntryPoint)) {
	case ".so":
		return LoaderNative
	case ".wasm":
		return LoaderWasm
	default:
		return LoaderStatic
	}
}

// StaticLoader instantiates plugins compiled into the host binary from a
// factory table keyed by entry symbol.
type StaticLoader struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewStaticLoader creates an empty factory table.
func NewStaticLoader() *StaticLoader {
	return &StaticLoader{factories: make(map[string]Factory)}
}

// RegisterFactory binds symbol to factory, replacing any previous binding.
func (l *StaticLoader) RegisterFactory(symbol string, factory Factory) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.factories[symbol] = factory
}

// Load implements CodeLoader.
func (l *StaticLoader) Load(_ context.Context, req LoadRequest) (any, error) {
	l.mu.RLock()
	factory, ok := l.factories[req.Symbol]
	l.mu.RUnlock()
	if !ok || factory == nil {
		return nil, NewLoaderError(LoaderStatic, fmt.Sprintf("no factory registered for symbol %q", req.Symbol), nil)
	}
	instance := factory()
	if instance == nil {
		return nil, NewLoaderError(LoaderStatic, fmt.Sprintf("factory for %q returned nil", req.Symbol), nil)
	}
	return instance, nil
}
