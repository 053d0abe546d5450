// plugin_isolation.go: Resource limits derived from manifests and the OS limiter contract
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gosandbox

import (
	"fmt"
	"time"
)

// ResourceLimits are derived from the manifest when a sandbox is created and
// never change for the lifetime of that sandbox.
type ResourceLimits struct {
	Timeout            time.Duration `json:"timeout"`
	MaxMemoryMB        int           `json:"max_memory_mb"`
	MaxCPUPercent      float64       `json:"max_cpu_percent"`
	MaxThreads         int           `json:"max_threads"`
	MaxFileDescriptors int           `json:"max_file_descriptors"`
	RateLimit          float64       `json:"rate_limit,omitempty"`
	EnforceOSLimits    bool          `json:"enforce_os_limits"`
}

// LimitsFromManifest derives resource limits. Relaxed plugins skip OS limits.
func LimitsFromManifest(m *PluginManifest) ResourceLimits {
	return ResourceLimits{
		Timeout:            time.Duration(m.TimeoutSeconds * float64(time.Second)),
		MaxMemoryMB:        m.MaxMemoryMB,
		MaxCPUPercent:      m.MaxCPUPercent,
		MaxThreads:         m.MaxThreads,
		MaxFileDescriptors: m.MaxFileDescriptors,
		RateLimit:          m.RateLimit,
		EnforceOSLimits:    m.SandboxLevel != SandboxRelaxed,
	}
}

// maxSandboxWorkers caps the worker pool of every sandbox.
const maxSandboxWorkers = 2

// Workers returns the worker pool size: at most 2, bounded by MaxThreads, at least 1.
func (l ResourceLimits) Workers() int64 {
	n := l.MaxThreads
	if n > maxSandboxWorkers {
		n = maxSandboxWorkers
	}
	if n < 1 {
		n = 1
	}
	return int64(n)
}

// CPUTimeBudget is the CPU-time allowance of one call: 1.5x the wall-clock
// timeout, leaving slack over the timeout itself.
func (l ResourceLimits) CPUTimeBudget() time.Duration {
	return l.Timeout * 3 / 2
}

// ResourceLimiter applies OS-level soft limits around a sandboxed call.
//
// Apply returns a release function that must always be called, also when err
// is not nil: a partial application is still reference counted. onExceeded is
// invoked when the OS reports that a limit was crossed while applied.
type ResourceLimiter interface {
	Apply(plugin string, limits ResourceLimits, onExceeded func(kind, description string)) (release func(), err error)
}

// NoopLimiter applies nothing. It is the default on platforms without rlimits.
type NoopLimiter struct{}

// Apply implements ResourceLimiter.
func (NoopLimiter) Apply(string, ResourceLimits, func(string, string)) (func(), error) {
	return func() {}, errLimitsUnsupported
}

var errLimitsUnsupported = fmt.Errorf("os resource limits are not supported on this platform")
