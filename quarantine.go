// quarantine.go: Violation aggregation and the quarantine policy
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gosandbox

import (
	"context"
	"fmt"
)

// handleViolation is subscribed to every sandbox the registry creates.
//
// A critical violation quarantines the plugin at once; error violations
// quarantine it when its error count reaches QuarantineThreshold.
func (r *Registry) handleViolation(v SecurityViolation) {
	var reason string

	r.mu.Lock()
	r.violations = append(r.violations, v)
	if rec, ok := r.plugins[v.Plugin]; ok {
		rec.info.ViolationCount++
		if v.Severity >= SeverityError {
			rec.info.ErrorCount++
		}
		if _, already := r.quarantined[v.Plugin]; !already {
			switch {
			case v.Severity == SeverityCritical:
				reason = fmt.Sprintf("critical %s violation: %s", v.Kind, v.Description)
			case v.Severity == SeverityError && rec.info.ErrorCount >= int64(r.config.QuarantineThreshold):
				reason = fmt.Sprintf("error count %d reached threshold %d", rec.info.ErrorCount, r.config.QuarantineThreshold)
			}
		}
	}
	r.mu.Unlock()

	r.audit.record(AuditViolation, v.Plugin, v.Description, map[string]interface{}{
		"violation_id": v.ID,
		"kind":         v.Kind,
		"severity":     v.Severity.String(),
	})
	if reason != "" {
		_ = r.Quarantine(context.Background(), v.Plugin, reason)
	}
}

// Quarantine disables a plugin until Release. A loaded plugin is detached at
// once: its sandbox is closed, which cancels in-flight calls, and its cleanup
// hook runs in the background.
func (r *Registry) Quarantine(ctx context.Context, name, reason string) error {
	r.mu.Lock()
	rec, ok := r.plugins[name]
	if !ok {
		r.mu.Unlock()
		return NewPluginNotFoundError(name)
	}
	if _, already := r.quarantined[name]; already {
		r.mu.Unlock()
		return nil
	}
	r.quarantined[name] = reason

	var instance Plugin
	var sandbox *Sandbox
	if rec.info.State != StateDisabled {
		instance, sandbox = r.detachLocked(rec)
		_ = rec.info.transition(StateDisabled)
	}
	loaded := r.loadedCountLocked()
	r.mu.Unlock()

	r.metrics.observeQuarantine(name)
	r.metrics.setLoaded(loaded)
	r.logger.Error("Plugin quarantined", "plugin", name, "reason", reason)
	r.audit.record(AuditQuarantine, name, reason, nil)

	if sandbox != nil {
		sandbox.Close()
	}
	if instance != nil {
		r.teardown.Add(1)
		go func() {
			defer r.teardown.Done()
			r.runCleanup(ctx, name, instance)
		}()
	}
	return nil
}

// Release lifts a quarantine: the plugin returns to UNLOADED with its error
// count reset. Releasing a plugin that is not quarantined is a no-op.
func (r *Registry) Release(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.plugins[name]
	if !ok {
		return NewPluginNotFoundError(name)
	}
	if _, quarantined := r.quarantined[name]; !quarantined {
		return nil
	}
	delete(r.quarantined, name)
	rec.info.ErrorCount = 0
	if rec.info.State == StateDisabled {
		_ = rec.info.transition(StateUnloaded)
	}

	r.logger.Info("Plugin released from quarantine", "plugin", name)
	r.audit.record(AuditRelease, name, "quarantine released", nil)
	return nil
}

// initialStateLocked is the state of a freshly registered record: a name
// still in quarantine starts out DISABLED.
func (r *Registry) initialStateLocked(name string) PluginState {
	if _, quarantined := r.quarantined[name]; quarantined {
		return StateDisabled
	}
	return StateUnloaded
}

// IsQuarantined reports quarantine membership.
func (r *Registry) IsQuarantined(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.quarantined[name]
	return ok
}

// QuarantineReason returns why a plugin was quarantined.
func (r *Registry) QuarantineReason(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reason, ok := r.quarantined[name]
	return reason, ok
}
