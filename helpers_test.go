// helpers_test.go: Shared fixtures for registry and sandbox tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gosandbox

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	goerrors "github.com/agilira/go-errors"
	"github.com/stretchr/testify/require"
)

// testPlugin is a configurable in-memory plugin.
type testPlugin struct {
	name    string
	version string
	methods map[string]Method

	initErr   error
	initDelay time.Duration

	initCalls    atomic.Int32
	cleanupCalls atomic.Int32
}

func newTestPlugin(name, version string) *testPlugin {
	p := &testPlugin{name: name, version: version}
	p.methods = map[string]Method{
		"echo": func(_ context.Context, args ...any) (any, error) {
			if len(args) == 0 {
				return nil, nil
			}
			return args[0], nil
		},
		"add": func(_ context.Context, args ...any) (any, error) {
			sum := 0
			for _, a := range args {
				n, ok := a.(int)
				if !ok {
					return nil, errors.New("add expects int arguments")
				}
				sum += n
			}
			return sum, nil
		},
		"fail": func(context.Context, ...any) (any, error) {
			return nil, errors.New("boom")
		},
		"panic": func(context.Context, ...any) (any, error) {
			panic("plugin exploded")
		},
		"sleep": func(ctx context.Context, args ...any) (any, error) {
			d := time.Second
			if len(args) > 0 {
				if v, ok := args[0].(time.Duration); ok {
					d = v
				}
			}
			select {
			case <-time.After(d):
				return "slept", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
		"import": func(ctx context.Context, args ...any) (any, error) {
			name, _ := args[0].(string)
			return nil, EnvironmentFromContext(ctx).Require(name)
		},
	}
	return p
}

func (p *testPlugin) Name() string    { return p.name }
func (p *testPlugin) Version() string { return p.version }

func (p *testPlugin) Initialize(ctx context.Context) error {
	p.initCalls.Add(1)
	if p.initDelay > 0 {
		select {
		case <-time.After(p.initDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p.initErr
}

func (p *testPlugin) Methods() map[string]Method { return p.methods }

func (p *testPlugin) Cleanup(context.Context) error {
	p.cleanupCalls.Add(1)
	return nil
}

// testRegistryConfig disables everything that touches the host process.
func testRegistryConfig(logger Logger) RegistryConfig {
	return RegistryConfig{
		Logger:                    logger,
		DisableOSLimits:           true,
		DisableResourceMonitoring: true,
		CleanupTimeout:            time.Second,
		Health:                    HealthConfig{Disabled: true},
	}
}

func newTestRegistry(t *testing.T, mutate func(*RegistryConfig), opts ...Option) (*Registry, *TestLogger) {
	t.Helper()
	logger := NewTestLogger()
	cfg := testRegistryConfig(logger)
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := NewRegistry(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Cleanup(context.Background()) })
	return r, logger
}

// writePluginDir creates dir/<name>/manifest.json and an empty entry point.
// Fields override the defaults of a trusted static plugin.
func writePluginDir(t *testing.T, dir, name string, fields map[string]any) string {
	t.Helper()
	pluginDir := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(pluginDir, 0o750))

	manifest := map[string]any{
		"name":         name,
		"version":      "1.0.0",
		"entry_point":  "plugin.go",
		"entry_symbol": "New" + name,
		"loader":       "static",
		"trusted":      true,
	}
	for k, v := range fields {
		if v == nil {
			delete(manifest, k)
			continue
		}
		manifest[k] = v
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	require.NoError(t, err)

	path := filepath.Join(pluginDir, ManifestFileName)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	if entry, ok := manifest["entry_point"].(string); ok && entry != "" {
		require.NoError(t, os.WriteFile(filepath.Join(pluginDir, entry), []byte("package plugin\n"), 0o600))
	}
	return path
}

// manifestFor builds an in-memory manifest with defaults applied.
func manifestFor(name string, mutate func(*PluginManifest)) *PluginManifest {
	m := &PluginManifest{Name: name, Version: "1.0.0", EntryPoint: "plugin.go", EntrySymbol: "New" + name}
	if mutate != nil {
		mutate(m)
	}
	m.applyDefaults()
	return m
}

// fakeSampler returns scripted samples.
type fakeSampler struct {
	mu      sync.Mutex
	samples []ResourceSample
	calls   int
}

func (f *fakeSampler) Sample(context.Context) (ResourceSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.samples) == 0 {
		return ResourceSample{}, nil
	}
	s := f.samples[0]
	if len(f.samples) > 1 {
		f.samples = f.samples[1:]
	}
	return s, nil
}

// fakeLimiter records Apply calls and can report a limit breach.
type fakeLimiter struct {
	applied  atomic.Int32
	released atomic.Int32
	exceed   string
	err      error
}

func (f *fakeLimiter) Apply(_ string, _ ResourceLimits, onExceeded func(kind, description string)) (func(), error) {
	f.applied.Add(1)
	if f.exceed != "" {
		onExceeded(f.exceed, "limit breached")
	}
	return func() { f.released.Add(1) }, f.err
}

func violationsOfKind(vs []SecurityViolation, kind string) []SecurityViolation {
	var out []SecurityViolation
	for _, v := range vs {
		if v.Kind == kind {
			out = append(out, v)
		}
	}
	return out
}

func waitBriefly() { time.Sleep(10 * time.Millisecond) }

// contextValue returns a context entry of the outermost structured error.
func contextValue(t *testing.T, err error, key string) interface{} {
	t.Helper()
	var e *goerrors.Error
	require.ErrorAs(t, err, &e)
	return e.Context[key]
}

// touchLater moves the modification time forward so caches and watchers
// notice a rewrite of equal size.
func touchLater(t *testing.T, path string) {
	t.Helper()
	later := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, later, later))
}

// addFactory binds New<name> in the static loader of r to fresh test plugins
// and returns a counter of created instances.
func addFactory(r *Registry, name, version string) *atomic.Int32 {
	var created atomic.Int32
	r.StaticLoader().RegisterFactory("New"+name, func() Plugin {
		created.Add(1)
		return newTestPlugin(name, version)
	})
	return &created
}
