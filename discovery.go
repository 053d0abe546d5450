// discovery.go: Manifest discovery in plugin directories
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gosandbox

import (
	"context"
	"os"
	"path/filepath"
	"slices"
)

// AddPluginDirectory adds a directory scanned by Discover. Each direct
// subdirectory holding a manifest is one plugin; a manifest in the directory
// itself is accepted too.
func (r *Registry) AddPluginDirectory(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return NewConfigValidationError("invalid plugin directory "+path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return NewConfigValidationError("plugin directory not accessible: "+path, err)
	}
	if !info.IsDir() {
		return NewConfigValidationError("plugin directory is not a directory: "+path, nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !slices.Contains(r.directories, abs) {
		r.directories = append(r.directories, abs)
	}
	return nil
}

// discoveredManifest is a candidate found by the first discovery pass.
type discoveredManifest struct {
	manifest *PluginManifest
	path     string
}

// Discover scans every plugin directory and registers the plugins that pass
// structural validation and the security and compatibility gates.
//
// Candidates are registered in dependency order so dependencies found in the
// same scan satisfy each other. Already registered names are skipped. Per
// manifest failures are logged and never abort the scan. With autoLoad,
// trusted plugins are loaded right away; load failures are logged only.
// The snapshots of the newly registered plugins are returned.
func (r *Registry) Discover(ctx context.Context, autoLoad bool) ([]PluginInfo, error) {
	r.discoveryMu.Lock()
	defer r.discoveryMu.Unlock()

	r.mu.RLock()
	dirs := slices.Clone(r.directories)
	r.mu.RUnlock()

	candidates := make(map[string]discoveredManifest)
	var names []string
	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, path := range r.scanDirectory(dir) {
			m, err := r.manifests.load(path)
			if err != nil {
				r.logger.Error("Failed to load plugin manifest", "path", path, "error", err)
				continue
			}
			if err := m.ValidateStructure(); err != nil {
				r.logger.Error("Plugin manifest failed validation", "path", path, "error", err)
				continue
			}
			if previous, dup := candidates[m.Name]; dup {
				r.logger.Warn("Duplicate plugin name in scan, keeping first", "plugin", m.Name, "kept", previous.path, "ignored", path)
				continue
			}
			candidates[m.Name] = discoveredManifest{manifest: m, path: path}
			names = append(names, m.Name)
		}
	}

	order := resolveLoadOrder(names, func(name string) (map[string]string, bool) {
		c, ok := candidates[name]
		if !ok {
			return nil, false
		}
		return c.manifest.Dependencies, true
	}, r.logger)

	var registered []string
	for _, name := range order {
		c := candidates[name]
		if err := r.registerDiscovered(c); err != nil {
			if HasErrorCode(err, ErrCodeDuplicatePlugin) {
				r.logger.Debug("Plugin already registered", "plugin", name)
			} else {
				r.logger.Error("Plugin rejected", "plugin", name, "path", c.path, "error", err)
			}
			continue
		}
		registered = append(registered, name)
		if r.watcher != nil {
			if err := r.watcher.watch(name, c.path); err != nil {
				r.logger.Warn("Cannot watch plugin manifest", "plugin", name, "path", c.path, "error", err)
			}
		}
	}

	if autoLoad {
		for _, name := range registered {
			if !candidates[name].manifest.Trusted {
				continue
			}
			if _, err := r.Load(ctx, name); err != nil {
				r.logger.Error("Auto-load failed", "plugin", name, "error", err)
			}
		}
	}

	out := make([]PluginInfo, 0, len(registered))
	for _, name := range registered {
		if info, err := r.GetPluginInfo(name); err == nil {
			out = append(out, info)
		}
	}
	r.logger.Info("Plugin discovery completed", "directories", len(dirs), "found", len(candidates), "registered", len(out))
	return out, nil
}

// scanDirectory returns the manifest paths found in dir and its direct
// subdirectories.
func (r *Registry) scanDirectory(dir string) []string {
	var paths []string
	if p, ok := findManifest(dir); ok {
		paths = append(paths, p)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		r.logger.Warn("Cannot read plugin directory", "path", dir, "error", err)
		return paths
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if p, ok := findManifest(filepath.Join(dir, entry.Name())); ok {
			paths = append(paths, p)
		}
	}
	return paths
}

func (r *Registry) registerDiscovered(c discoveredManifest) error {
	m := c.manifest

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.plugins[m.Name]; exists {
		return NewDuplicatePluginError(m.Name)
	}
	if err := r.validateSecurityLocked(m, true); err != nil {
		r.audit.record(AuditPluginRejected, m.Name, err.Error(), map[string]interface{}{"path": c.path})
		return err
	}
	check := r.checkCompatibilityLocked(m, nil)
	if !check.Compatible() {
		r.audit.record(AuditPluginRejected, m.Name, check.String(), map[string]interface{}{"path": c.path})
		return NewCompatibilityRejectedError(m.Name, check.Errors)
	}
	r.logCompatibilityWarnings(check)

	r.plugins[m.Name] = &pluginRecord{
		info: PluginInfo{
			Name:         m.Name,
			Manifest:     m,
			ManifestPath: c.path,
			State:        r.initialStateLocked(m.Name),
		},
	}
	r.logger.Info("Plugin registered", "plugin", m.Name, "version", m.Version, "trusted", m.Trusted)
	r.audit.record(AuditPluginRegistered, m.Name, "discovered", map[string]interface{}{
		"version": m.Version,
		"path":    c.path,
	})
	return nil
}
