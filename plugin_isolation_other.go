//go:build !linux && !darwin

// plugin_isolation_other.go: resource limiter fallback for platforms without rlimits
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gosandbox

func defaultResourceLimiter(logger Logger) ResourceLimiter {
	logger.Debug("OS resource limits unavailable on this platform")
	return NoopLimiter{}
}
