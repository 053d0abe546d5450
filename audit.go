// audit.go: Security audit trail for registry decisions
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gosandbox

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/agilira/argus"
)

// Audit event types.
const (
	AuditPluginRejected    = "plugin_rejected"
	AuditPluginRegistered  = "plugin_registered"
	AuditPluginLoaded      = "plugin_loaded"
	AuditPluginUnloaded    = "plugin_unloaded"
	AuditViolation         = "security_violation"
	AuditQuarantine        = "plugin_quarantined"
	AuditRelease           = "plugin_released"
	AuditUpgrade           = "plugin_upgraded"
	AuditHealthTransition  = "plugin_health_changed"
	AuditManifestWatchFail = "manifest_watch_error"
)

// auditTrail writes security events through an argus audit logger. A nil
// auditTrail, or one without a logger, drops events.
type auditTrail struct {
	logger *argus.AuditLogger
	events atomic.Int64
	closed atomic.Bool
}

// newAuditTrail opens the audit file described by cfg. A disabled config
// yields a trail that records nothing.
func newAuditTrail(cfg AuditConfig) (*auditTrail, error) {
	if !cfg.Enabled {
		return &auditTrail{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.OutputFile), 0750); err != nil {
		return nil, NewAuditError("failed to create audit directory", err)
	}
	logger, err := argus.NewAuditLogger(argus.AuditConfig{
		Enabled:       true,
		OutputFile:    cfg.OutputFile,
		MinLevel:      argus.AuditInfo,
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
		IncludeStack:  false,
	})
	if err != nil {
		return nil, NewAuditError("failed to create audit logger", err)
	}
	return &auditTrail{logger: logger}, nil
}

func (a *auditTrail) record(eventType, plugin, message string, context map[string]interface{}) {
	if a == nil || a.logger == nil || a.closed.Load() {
		return
	}
	if context == nil {
		context = make(map[string]interface{})
	}
	context["plugin"] = plugin
	context["component"] = "plugin_sandbox"
	a.events.Add(1)
	a.logger.LogSecurityEvent(eventType, message, context)
}

// Events returns the number of events written.
func (a *auditTrail) Events() int64 {
	if a == nil {
		return 0
	}
	return a.events.Load()
}

// Close flushes and closes the audit file. Later calls are no-ops.
func (a *auditTrail) Close() error {
	if a == nil || a.logger == nil || !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := a.logger.Close(); err != nil {
		return NewAuditError("failed to close audit logger", err)
	}
	return nil
}
