// registry_lifecycle.go: Load, unload, reset and sandboxed calls
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gosandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/agilira/go-timecache"
)

// Load instantiates a registered plugin inside a new sandbox and runs its
// Initialize hook there.
//
// Loading a LOADED plugin returns the live instance. Quarantined plugins and
// plugins in ERROR fail fast. An incompatible plugin is rejected before any
// state change. Any later failure moves the plugin to ERROR, releases the
// sandbox and is reported as an initialization failure.
func (r *Registry) Load(ctx context.Context, name string) (Plugin, error) {
	rec, err := r.lockRecord(name)
	if err != nil {
		return nil, err
	}
	defer rec.loadMu.Unlock()
	return r.loadLocked(ctx, rec)
}

// loadLocked requires rec.loadMu.
func (r *Registry) loadLocked(ctx context.Context, rec *pluginRecord) (Plugin, error) {
	name := rec.info.Name

	r.mu.Lock()
	if reason, quarantined := r.quarantined[name]; quarantined {
		r.mu.Unlock()
		return nil, NewPluginQuarantinedError(name).WithContext("reason", reason)
	}
	switch rec.info.State {
	case StateLoaded:
		instance := rec.instance
		r.mu.Unlock()
		return instance, nil
	case StateError:
		lastError := rec.info.LastError
		r.mu.Unlock()
		return nil, NewPluginInErrorStateError(name, lastError)
	case StateDisabled:
		r.mu.Unlock()
		return nil, NewPluginQuarantinedError(name)
	}

	check := r.checkCompatibilityLocked(rec.info.Manifest, nil)
	if !check.Compatible() {
		r.mu.Unlock()
		r.logger.Error("Plugin failed compatibility check", "plugin", name, "errors", check.Errors)
		return nil, NewCompatibilityRejectedError(name, check.Errors)
	}
	if err := rec.info.transition(StateLoading); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	manifest := rec.info.Manifest.Clone()
	provided := rec.provided
	r.mu.Unlock()

	r.logger.Debug("Loading plugin", "plugin", name, "loader", loaderKind(manifest))
	sandbox := r.newSandbox(manifest)

	instance, err := r.instantiate(ctx, manifest, provided, sandbox)
	if err == nil {
		_, err = sandbox.ExecuteWithIsolation(ctx, func(ctx context.Context, _ ...any) (any, error) {
			return nil, instance.Initialize(ctx)
		}, nil, 0)
	}
	if err != nil {
		return nil, r.failLoad(rec, sandbox, instance, err)
	}

	r.mu.Lock()
	if rec.info.State != StateLoading {
		// Quarantined while initializing.
		r.mu.Unlock()
		sandbox.Close()
		r.cleanupInBackground(name, instance)
		return nil, NewPluginQuarantinedError(name)
	}
	_ = rec.info.transition(StateLoaded)
	rec.instance, rec.sandbox = instance, sandbox
	rec.info.LoadedAt = timecache.CachedTime()
	rec.info.LastError = ""
	loaded := r.loadedCountLocked()
	r.mu.Unlock()

	r.metrics.setLoaded(loaded)
	r.logger.Info("Plugin loaded", "plugin", name, "version", manifest.Version, "sandbox_level", string(manifest.SandboxLevel))
	r.audit.record(AuditPluginLoaded, name, "plugin loaded", map[string]interface{}{
		"version":       manifest.Version,
		"trusted":       manifest.Trusted,
		"sandbox_level": string(manifest.SandboxLevel),
	})
	return instance, nil
}

// instantiate returns the registered instance or asks the loader selected by
// the manifest for one, verifying it implements Plugin.
func (r *Registry) instantiate(ctx context.Context, m *PluginManifest, provided Plugin, sandbox *Sandbox) (instance Plugin, err error) {
	if provided != nil {
		return provided, nil
	}

	kind := loaderKind(m)
	loader, ok := r.loaders[kind]
	if !ok {
		return nil, NewLoaderError(kind, "no loader registered for kind", nil)
	}

	defer recoverInto(&err)
	raw, err := loader.Load(ctx, LoadRequest{
		Manifest: m,
		Path:     m.EntryPointPath(),
		Symbol:   m.EntrySymbol,
		Sandbox:  sandbox,
	})
	if err != nil {
		return nil, err
	}
	instance, ok = raw.(Plugin)
	if !ok {
		return nil, NewLoaderError(kind, fmt.Sprintf("entry symbol %q yields %T, which does not implement Plugin", m.EntrySymbol, raw), nil)
	}
	if instance.Name() != m.Name {
		return nil, NewLoaderError(kind, fmt.Sprintf("instance reports name %q, manifest declares %q", instance.Name(), m.Name), nil)
	}
	return instance, nil
}

// failLoad releases what a failed load created and moves the plugin to
// ERROR, unless it was quarantined meanwhile.
func (r *Registry) failLoad(rec *pluginRecord, sandbox *Sandbox, instance Plugin, cause error) error {
	name := rec.info.Name
	sandbox.Close()
	if instance != nil && rec.provided == nil {
		r.cleanupInBackground(name, instance)
	}

	r.mu.Lock()
	if rec.info.State == StateLoading {
		_ = rec.info.transition(StateError)
		rec.info.LastError = errorDetail(cause)
	}
	r.mu.Unlock()

	r.logger.Error("Plugin load failed", "plugin", name, "error", cause)
	return NewInitializationFailedError(name, cause)
}

// Unload runs the plugin's cleanup hook, tears down its sandbox and returns
// it to UNLOADED. Unloading a plugin that is not LOADED is a no-op.
func (r *Registry) Unload(ctx context.Context, name string) error {
	rec, err := r.lockRecord(name)
	if err != nil {
		return err
	}
	defer rec.loadMu.Unlock()

	r.unloadLocked(ctx, rec)
	return nil
}

// unloadLocked requires rec.loadMu. The record is detached first so no new
// call can reach the instance while its cleanup hook runs.
func (r *Registry) unloadLocked(ctx context.Context, rec *pluginRecord) {
	name := rec.info.Name

	r.mu.Lock()
	if rec.info.State != StateLoaded {
		r.mu.Unlock()
		return
	}
	instance, sandbox := r.detachLocked(rec)
	_ = rec.info.transition(StateUnloaded)
	loaded := r.loadedCountLocked()
	r.mu.Unlock()

	r.metrics.setLoaded(loaded)
	r.runCleanup(ctx, name, instance)
	if sandbox != nil {
		sandbox.Close()
	}
	r.logger.Info("Plugin unloaded", "plugin", name)
	r.audit.record(AuditPluginUnloaded, name, "plugin unloaded", nil)
}

// runCleanup calls the optional Cleanup hook, bounded by CleanupTimeout.
// Failures and timeouts are logged, never returned.
func (r *Registry) runCleanup(ctx context.Context, name string, instance Plugin) {
	cleaner, ok := instance.(Cleaner)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.config.CleanupTimeout)
	defer cancel()

	done := make(chan error, 1)
	SafeGo(r.logger, func() {
		var err error
		defer func() { done <- err }()
		defer recoverInto(&err)
		err = cleaner.Cleanup(ctx)
	})

	select {
	case err := <-done:
		if err != nil {
			r.logger.Warn("Plugin cleanup failed", "plugin", name, "error", err)
		}
	case <-ctx.Done():
		r.logger.Warn("Plugin cleanup timed out", "plugin", name, "timeout", r.config.CleanupTimeout.String())
	}
}

// cleanupInBackground runs the cleanup hook without blocking the caller.
// Cleanup waits for every such run.
func (r *Registry) cleanupInBackground(name string, instance Plugin) {
	if instance == nil {
		return
	}
	r.teardown.Add(1)
	go func() {
		defer r.teardown.Done()
		r.runCleanup(context.Background(), name, instance)
	}()
}

// Reset moves a plugin from ERROR back to UNLOADED so it can be loaded again.
func (r *Registry) Reset(name string) error {
	rec, err := r.lockRecord(name)
	if err != nil {
		return err
	}
	defer rec.loadMu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if rec.info.State != StateError {
		return NewInvalidTransitionError(name, rec.info.State, StateUnloaded)
	}
	_ = rec.info.transition(StateUnloaded)
	rec.info.LastError = ""
	r.logger.Info("Plugin reset", "plugin", name)
	return nil
}

// SafeCall invokes method on a plugin through its sandbox, loading the plugin
// first when needed. timeout <= 0 selects the manifest timeout. Every
// sandbox failure is returned wrapped with the plugin and method names.
// Call count and last-used time are updated only for successful calls.
func (r *Registry) SafeCall(ctx context.Context, name, method string, args []any, timeout time.Duration) (any, error) {
	if _, err := r.Load(ctx, name); err != nil {
		return nil, err
	}

	r.mu.Lock()
	rec, ok := r.plugins[name]
	if !ok {
		r.mu.Unlock()
		return nil, NewPluginNotFoundError(name)
	}
	if rec.info.State != StateLoaded {
		state := rec.info.State
		r.mu.Unlock()
		if state == StateDisabled {
			return nil, NewPluginQuarantinedError(name)
		}
		return nil, NewCallFailedError(name, method, fmt.Errorf("plugin is %s", state))
	}
	instance, sandbox := rec.instance, rec.sandbox
	r.mu.Unlock()

	fn, err := lookupMethod(instance, method)
	if err != nil {
		return nil, NewCallFailedError(name, method, err)
	}
	if fn == nil {
		return nil, NewMethodNotFoundError(name, method)
	}

	result, err := sandbox.ExecuteWithIsolation(ctx, fn, args, timeout)
	if err != nil {
		return nil, NewCallFailedError(name, method, err)
	}

	r.mu.Lock()
	// the record may have been replaced by a reload or unregister meanwhile
	if current, ok := r.plugins[name]; ok && current == rec {
		rec.info.CallCount++
		rec.info.LastUsed = timecache.CachedTime()
	}
	r.mu.Unlock()
	return result, nil
}

func lookupMethod(instance Plugin, method string) (fn Method, err error) {
	defer recoverInto(&err)
	return instance.Methods()[method], nil
}
