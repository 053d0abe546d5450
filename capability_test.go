// capability_test.go: Tests for the capability policy and sandbox environment
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gosandbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapabilityPolicyEvaluate(t *testing.T) {
	strict := CapabilityPolicy{
		Level:     SandboxStrict,
		Allowed:   []string{"encoding", "math"},
		Forbidden: []string{"os", "net/"},
	}

	tests := []struct {
		name     string
		policy   CapabilityPolicy
		module   string
		allowed  bool
		kind     string
		severity Severity
	}{
		{"allow-list prefix", strict, "encoding/json", true, "", 0},
		{"allow-list exact", strict, "math", true, "", 0},
		{"path boundary", strict, "mathx", false, ViolationModuleNotAllowed, SeverityError},
		{"deny-list exact", strict, "os", false, ViolationForbiddenModule, SeverityCritical},
		{"deny-list prefix", strict, "os/exec", false, ViolationForbiddenModule, SeverityCritical},
		{"deny-list trailing slash", strict, "net/http", false, ViolationForbiddenModule, SeverityCritical},
		{"deny-list not a prefix of netip", strict, "netip", false, ViolationModuleNotAllowed, SeverityError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := tt.policy.Evaluate(tt.module)
			assert.Equal(t, tt.allowed, d.Allowed)
			if tt.kind != "" {
				assert.True(t, d.Violation)
				assert.Equal(t, tt.kind, d.Kind)
				assert.Equal(t, tt.severity, d.Severity)
			} else {
				assert.False(t, d.Violation)
			}
		})
	}

	t.Run("TrustedOutsideAllowList", func(t *testing.T) {
		p := strict
		p.Trusted = true
		d := p.Evaluate("time")
		assert.True(t, d.Allowed)
		assert.True(t, d.Violation)
		assert.Equal(t, SeverityWarning, d.Severity)
	})

	t.Run("TrustedStillDenied", func(t *testing.T) {
		p := strict
		p.Trusted = true
		d := p.Evaluate("os")
		assert.False(t, d.Allowed)
		assert.Equal(t, SeverityCritical, d.Severity)
	})

	t.Run("ModerateAppliesOnlyDenyList", func(t *testing.T) {
		p := strict
		p.Level = SandboxModerate
		assert.True(t, p.Evaluate("time").Allowed)
		assert.False(t, p.Evaluate("os").Allowed)
	})

	t.Run("RelaxedAppliesOnlyDenyList", func(t *testing.T) {
		p := strict
		p.Level = SandboxRelaxed
		assert.False(t, p.Evaluate("time").Violation)
		assert.False(t, p.Evaluate("os/exec").Allowed)
	})
}

type recordingChecker struct {
	denied map[string]bool
	asked  []string
}

func (c *recordingChecker) CheckCapability(name string) error {
	c.asked = append(c.asked, name)
	if c.denied[name] {
		return NewCapabilityDeniedError("p", name, "denied")
	}
	return nil
}

func TestEnvironment(t *testing.T) {
	checker := &recordingChecker{denied: map[string]bool{CapabilityNetwork: true, CapabilityProcess: true}}
	env := NewEnvironment("p", checker, nil)
	ctx := ContextWithEnvironment(context.Background(), env)

	got := EnvironmentFromContext(ctx)
	require.Same(t, env, got)
	assert.Equal(t, "p", got.Plugin())
	assert.NotNil(t, got.Logger())

	_, err := got.Dial(ctx, "tcp", "127.0.0.1:1")
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeCapabilityDenied))

	_, err = got.Command(ctx, "true")
	require.Error(t, err)

	_, err = got.ReadFile("/definitely/not/here")
	require.Error(t, err)
	assert.False(t, HasErrorCode(err, ErrCodeCapabilityDenied), "filesystem is allowed, the file is missing")

	assert.Equal(t, []string{CapabilityNetwork, CapabilityProcess, CapabilityFilesystem}, checker.asked)
}

func TestEnvironmentOutsideSandboxDeniesEverything(t *testing.T) {
	env := EnvironmentFromContext(context.Background())
	err := env.Require("math")
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeCapabilityDenied))

	_, err = env.Open("/etc/hostname")
	assert.Error(t, err)
}
