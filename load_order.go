// load_order.go: Dependency-ordered loading
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gosandbox

import "sort"

// ResolveLoadOrder orders registered plugins so that every plugin follows
// its dependencies. Unregistered names are dropped. A dependency cycle is
// not an error: the plugins involved are appended alphabetically and a
// warning is logged.
func (r *Registry) ResolveLoadOrder(names []string) []string {
	r.mu.RLock()
	deps := make(map[string]map[string]string, len(names))
	for _, name := range names {
		if rec, ok := r.plugins[name]; ok {
			deps[name] = rec.info.Manifest.Dependencies
		}
	}
	r.mu.RUnlock()

	return resolveLoadOrder(names, func(name string) (map[string]string, bool) {
		d, ok := deps[name]
		return d, ok
	}, r.logger)
}

// resolveLoadOrder is an iterative topological sort. Each pass moves every
// plugin whose in-set dependencies are already ordered; a pass without
// progress means a cycle. Terminates within 2*N passes.
func resolveLoadOrder(names []string, lookup func(string) (map[string]string, bool), logger Logger) []string {
	deps := make(map[string]map[string]string, len(names))
	remaining := make([]string, 0, len(names))
	for _, name := range names {
		if _, seen := deps[name]; seen {
			continue
		}
		d, ok := lookup(name)
		if !ok {
			logger.Warn("Plugin not found, dropped from load order", "plugin", name)
			continue
		}
		if d == nil {
			d = map[string]string{}
		}
		deps[name] = d
		remaining = append(remaining, name)
	}

	ordered := make([]string, 0, len(remaining))
	placed := make(map[string]bool, len(remaining))
	ready := func(name string) bool {
		for dep := range deps[name] {
			if _, inSet := deps[dep]; inSet && !placed[dep] && dep != name {
				return false
			}
		}
		return true
	}

	for pass := 0; len(remaining) > 0 && pass < 2*len(deps); pass++ {
		next := remaining[:0]
		progress := false
		for _, name := range remaining {
			if ready(name) {
				ordered = append(ordered, name)
				placed[name] = true
				progress = true
			} else {
				next = append(next, name)
			}
		}
		remaining = next
		if !progress {
			break
		}
	}

	if len(remaining) > 0 {
		sort.Strings(remaining)
		logger.Warn("Dependency cycle detected, using alphabetical order", "plugins", remaining)
		ordered = append(ordered, remaining...)
	}
	return ordered
}
