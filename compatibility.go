// compatibility.go: Security and compatibility gates applied before registration and load
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gosandbox

import (
	"fmt"
	"sort"
)

// CheckPluginCompatibility evaluates a registered plugin against the current
// platform and registry contents.
func (r *Registry) CheckPluginCompatibility(name string) (*CompatibilityCheck, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.plugins[name]
	if !ok {
		return nil, NewPluginNotFoundError(name)
	}
	return r.checkCompatibilityLocked(rec.info.Manifest, nil), nil
}

// validateSecurityLocked is the security gate. Capacity is only enforced for
// new registrations. Requires r.mu.
func (r *Registry) validateSecurityLocked(m *PluginManifest, enforceCapacity bool) error {
	if !m.Trusted && !r.config.AllowUntrusted {
		return NewSecurityRejectedError(m.Name, "untrusted plugins are not allowed")
	}
	if !m.SandboxLevel.Valid() {
		return NewSecurityRejectedError(m.Name, fmt.Sprintf("unknown sandbox level %q", m.SandboxLevel))
	}
	if enforceCapacity && len(r.plugins) >= r.config.MaxPlugins {
		return NewSecurityRejectedError(m.Name, fmt.Sprintf("plugin limit of %d reached", r.config.MaxPlugins))
	}
	return nil
}

// checkCompatibilityLocked is the compatibility gate. Every problem is
// collected. previous, when set, is the manifest being replaced and only
// contributes a downgrade warning. Requires r.mu.
func (r *Registry) checkCompatibilityLocked(m *PluginManifest, previous *PluginManifest) *CompatibilityCheck {
	check := &CompatibilityCheck{Plugin: m.Name}

	if m.RequiresPlatformVersion != "" && !SatisfiesRequirement(r.config.PlatformVersion, m.RequiresPlatformVersion) {
		check.AddError("platform version %s does not satisfy %s", r.config.PlatformVersion, m.RequiresPlatformVersion)
	}
	if !IsCompatibleAPIVersion(m.APIVersion, r.config.APIVersion, m.MinAPIVersion, m.MaxAPIVersion) {
		check.AddError("plugin API version %s is not compatible with platform API %s", m.APIVersion, r.config.APIVersion)
	}
	if m.RuntimeVersion != "" && !SatisfiesRequirement(r.config.RuntimeVersion, m.RuntimeVersion) {
		check.AddError("runtime version %s does not satisfy %s", r.config.RuntimeVersion, m.RuntimeVersion)
	}

	deps := make([]string, 0, len(m.Dependencies))
	for dep := range m.Dependencies {
		deps = append(deps, dep)
	}
	sort.Strings(deps)
	for _, dep := range deps {
		requirement := m.Dependencies[dep]
		rec, ok := r.plugins[dep]
		if !ok {
			check.AddError("missing dependency: %s", dep)
			continue
		}
		if !SatisfiesRequirement(rec.info.Manifest.Version, requirement) {
			check.AddError("dependency %s version %s does not satisfy %s", dep, rec.info.Manifest.Version, requirement)
		}
	}

	for _, other := range m.Conflicts {
		rec, ok := r.plugins[other]
		if !ok || other == m.Name {
			continue
		}
		switch rec.info.State {
		case StateLoaded, StateLoading:
			check.AddError("conflicts with loaded plugin %s", other)
		default:
			check.AddWarning("conflicts with registered plugin %s", other)
		}
	}

	if previous != nil && CompareVersions(m.Version, previous.Version) < 0 {
		check.AddWarning("version downgrade from %s to %s", previous.Version, m.Version)
	}
	return check
}

func (r *Registry) logCompatibilityWarnings(check *CompatibilityCheck) {
	for _, w := range check.Warnings {
		r.logger.Warn("Plugin compatibility warning", "plugin", check.Plugin, "warning", w)
	}
}
