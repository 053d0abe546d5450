// hot_reload.go: Plugin upgrades and manifest hot reload
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gosandbox

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/agilira/argus"
)

// Upgrade replaces the manifest of a registered plugin with the one at
// manifestPath.
//
// The new manifest must be structurally valid, carry the same name and pass
// the security gate. A loaded plugin is unloaded, the manifest swapped, the
// compatibility gate re-run and the plugin reloaded. A failure after the swap
// leaves the new manifest in place; the plugin is then UNLOADED or in ERROR.
func (r *Registry) Upgrade(ctx context.Context, name, manifestPath string) error {
	m, err := r.manifests.load(manifestPath)
	if err != nil {
		return NewUpgradeFailedError(name, "cannot load manifest", err)
	}
	if err := m.ValidateStructure(); err != nil {
		return NewUpgradeFailedError(name, "manifest is invalid", err)
	}
	if m.Name != name {
		return NewUpgradeFailedError(name, "manifest describes plugin "+m.Name, nil)
	}

	rec, err := r.lockRecord(name)
	if err != nil {
		return err
	}
	defer rec.loadMu.Unlock()

	r.mu.RLock()
	if rec.info.Manual {
		m.Trusted = true
	}
	err = r.validateSecurityLocked(m, false)
	wasLoaded := rec.info.State == StateLoaded
	r.mu.RUnlock()
	if err != nil {
		return NewUpgradeFailedError(name, "rejected by security policy", err)
	}

	if wasLoaded {
		r.unloadLocked(ctx, rec)
	}

	r.mu.Lock()
	previous := rec.info.Manifest
	rec.info.Manifest = m
	if abs, absErr := filepath.Abs(manifestPath); absErr == nil {
		rec.info.ManifestPath = abs
	} else {
		rec.info.ManifestPath = manifestPath
	}
	check := r.checkCompatibilityLocked(m, previous)
	r.mu.Unlock()

	r.logCompatibilityWarnings(check)
	if !check.Compatible() {
		r.logger.Error("Upgraded plugin is incompatible", "plugin", name, "errors", check.Errors)
		return NewUpgradeFailedError(name, "new version is incompatible", NewCompatibilityRejectedError(name, check.Errors))
	}

	if wasLoaded {
		if _, err := r.loadLocked(ctx, rec); err != nil {
			return NewUpgradeFailedError(name, "reload failed", err)
		}
	}

	r.logger.Info("Plugin upgraded", "plugin", name, "from", previous.Version, "to", m.Version, "reloaded", wasLoaded)
	r.audit.record(AuditUpgrade, name, "plugin upgraded", map[string]interface{}{
		"from": previous.Version,
		"to":   m.Version,
	})
	return nil
}

// manifestWatcher upgrades plugins whose manifest file changes on disk.
type manifestWatcher struct {
	registry *Registry
	watcher  *argus.Watcher

	mu      sync.Mutex
	paths   map[string]string // manifest path -> plugin name
	running bool
}

func newManifestWatcher(r *Registry, cfg HotReloadConfig) *manifestWatcher {
	w := &manifestWatcher{
		registry: r,
		paths:    make(map[string]string),
	}
	w.watcher = argus.New(argus.Config{
		PollInterval:         cfg.PollInterval,
		CacheTTL:             cfg.PollInterval / 2,
		MaxWatchedFiles:      r.config.MaxPlugins,
		OptimizationStrategy: argus.OptimizationSingleEvent,
		ErrorHandler: func(err error, path string) {
			name := w.pluginFor(path)
			r.logger.Error("Manifest watching error", "plugin", name, "path", path, "error", err)
			r.audit.record(AuditManifestWatchFail, name, err.Error(), map[string]interface{}{"path": path})
		},
	})
	return w
}

func (w *manifestWatcher) watch(name, path string) error {
	w.mu.Lock()
	if _, ok := w.paths[path]; ok {
		w.paths[path] = name
		w.mu.Unlock()
		return nil
	}
	w.paths[path] = name
	w.mu.Unlock()

	return w.watcher.Watch(path, w.onChange)
}

// forget stops reacting to the manifests of name.
func (w *manifestWatcher) forget(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, owner := range w.paths {
		if owner == name {
			delete(w.paths, path)
		}
	}
}

func (w *manifestWatcher) pluginFor(path string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paths[path]
}

func (w *manifestWatcher) onChange(event argus.ChangeEvent) {
	name := w.pluginFor(event.Path)
	if name == "" {
		return
	}
	if event.IsDelete {
		w.registry.logger.Warn("Plugin manifest removed, keeping registered version", "plugin", name, "path", event.Path)
		return
	}

	SafeGo(w.registry.logger, func() {
		if err := w.registry.Upgrade(context.Background(), name, event.Path); err != nil {
			w.registry.logger.Error("Hot reload failed", "plugin", name, "error", err)
			return
		}
		w.registry.logger.Info("Plugin hot reloaded", "plugin", name)
	})
}

func (w *manifestWatcher) start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	if err := w.watcher.Start(); err != nil {
		return NewConfigValidationError("failed to start manifest watcher", err)
	}
	w.running = true
	return nil
}

func (w *manifestWatcher) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	if err := w.watcher.Stop(); err != nil {
		w.registry.logger.Warn("Failed to stop manifest watcher", "error", err)
	}
	w.running = false
}
