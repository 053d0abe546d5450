// types.go: Lifecycle states, violation records and plugin runtime information
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gosandbox

import (
	"fmt"
	"strings"
	"time"
)

// PluginState is the lifecycle state of a registered plugin.
//
//   - StateUnloaded: registered, no live instance (initial state)
//   - StateLoading: transient while Load runs
//   - StateLoaded: live instance, callable through SafeCall
//   - StateError: load failed; stays here until Reset
//   - StateDisabled: quarantined; stays here until Release
type PluginState int

const (
	StateUnloaded PluginState = iota
	StateLoading
	StateLoaded
	StateError
	StateDisabled
)

// String returns the lower-case state name.
func (s PluginState) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateError:
		return "error"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s PluginState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// stateTransitions lists every legal edge of the lifecycle state machine.
var stateTransitions = map[PluginState][]PluginState{
	StateUnloaded: {StateLoading, StateDisabled},
	StateLoading:  {StateLoaded, StateError, StateDisabled},
	StateLoaded:   {StateUnloaded, StateDisabled},
	StateError:    {StateUnloaded, StateDisabled},
	StateDisabled: {StateUnloaded},
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s PluginState) CanTransitionTo(next PluginState) bool {
	for _, allowed := range stateTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Severity grades a SecurityViolation.
type Severity int

const (
	SeverityWarning Severity = iota
	SeverityError
	SeverityCritical
)

// String returns the lower-case severity name.
func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// riskWeight is the contribution of one violation to a plugin's risk score.
func (s Severity) riskWeight() int {
	switch s {
	case SeverityCritical:
		return 20
	case SeverityError:
		return 5
	default:
		return 1
	}
}

// Violation kinds recorded by sandboxes.
const (
	ViolationTimeout          = "timeout"
	ViolationExecutionError   = "execution_error"
	ViolationMemoryWarning    = "memory_warning"
	ViolationCPULimit         = "cpu_limit"
	ViolationCPUTimeExceeded  = "cpu_time_exceeded"
	ViolationForbiddenModule  = "forbidden_module"
	ViolationModuleNotAllowed = "module_not_allowed"
	ViolationRateLimited      = "rate_limited"
)

// SecurityViolation is an immutable record of a resource or capability breach.
type SecurityViolation struct {
	ID          string    `json:"id"`
	Plugin      string    `json:"plugin"`
	Kind        string    `json:"kind"`
	Description string    `json:"description"`
	Severity    Severity  `json:"severity"`
	Timestamp   time.Time `json:"timestamp"`
}

func (v SecurityViolation) Error() string {
	return fmt.Sprintf("%s violation by plugin %q (%s): %s", v.Severity, v.Plugin, v.Kind, v.Description)
}

// CompatibilityCheck accumulates the outcome of one compatibility evaluation.
// Errors are fatal, warnings are not.
type CompatibilityCheck struct {
	Plugin   string   `json:"plugin"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// AddError records a fatal incompatibility.
func (c *CompatibilityCheck) AddError(format string, args ...any) {
	c.Errors = append(c.Errors, fmt.Sprintf(format, args...))
}

// AddWarning records a non-fatal finding.
func (c *CompatibilityCheck) AddWarning(format string, args ...any) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}

// Compatible reports whether no error was recorded.
func (c *CompatibilityCheck) Compatible() bool {
	return len(c.Errors) == 0
}

// String summarizes the check for logs.
func (c *CompatibilityCheck) String() string {
	if c.Compatible() {
		return fmt.Sprintf("%s: compatible (%d warnings)", c.Plugin, len(c.Warnings))
	}
	return fmt.Sprintf("%s: incompatible: %s", c.Plugin, strings.Join(c.Errors, "; "))
}

// PluginInfo is a point-in-time snapshot of a registered plugin.
type PluginInfo struct {
	Name           string          `json:"name"`
	Manifest       *PluginManifest `json:"manifest"`
	ManifestPath   string          `json:"manifest_path,omitempty"`
	State          PluginState     `json:"state"`
	Quarantined    bool            `json:"quarantined"`
	LastError      string          `json:"last_error,omitempty"`
	LoadedAt       time.Time       `json:"loaded_at,omitempty"`
	LastUsed       time.Time       `json:"last_used,omitempty"`
	CallCount      int64           `json:"call_count"`
	ErrorCount     int64           `json:"error_count"`
	ViolationCount int             `json:"violation_count"`
	PeakMemoryMB   float64         `json:"peak_memory_mb"`
	PeakCPUPercent float64         `json:"peak_cpu_percent"`
	Manual         bool            `json:"manual"`
}

// ErrorRate returns the share of errors among successful calls and errors,
// or 0 when there were neither.
func (i PluginInfo) ErrorRate() float64 {
	total := i.CallCount + i.ErrorCount
	if total == 0 {
		return 0
	}
	return float64(i.ErrorCount) / float64(total)
}

// transition moves the snapshot to next, rejecting illegal edges.
func (i *PluginInfo) transition(next PluginState) error {
	if !i.State.CanTransitionTo(next) {
		return NewInvalidTransitionError(i.Name, i.State, next)
	}
	i.State = next
	return nil
}
