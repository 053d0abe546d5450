// health_checker_test.go: Tests for plugin health evaluation
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gosandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func findingChecks(h PluginHealth) []string {
	var checks []string
	for _, f := range h.Findings {
		checks = append(checks, f.Check)
	}
	return checks
}

func servingStatus(t *testing.T, r *Registry, name string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := r.HealthServer().Check(context.Background(), &healthpb.HealthCheckRequest{Service: name})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestCompileHealthRules(t *testing.T) {
	tests := []struct {
		name    string
		rules   []string
		wantErr bool
	}{
		{"none", nil, false},
		{"bool rule", []string{"error_rate > 0.2 && calls > 10"}, false},
		{"string comparison", []string{`state == "LOADED" && idle_seconds > 60.0`}, false},
		{"syntax error", []string{"calls >"}, true},
		{"unknown variable", []string{"latency > 5"}, true},
		{"not a bool", []string{"calls + 1"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rules, err := compileHealthRules(tt.rules)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, HasErrorCode(err, ErrCodeConfigValidation))
				return
			}
			require.NoError(t, err)
			assert.Len(t, rules, len(tt.rules))
		})
	}
}

func TestNewRegistryRejectsBadHealthRule(t *testing.T) {
	cfg := testRegistryConfig(NewTestLogger())
	cfg.Health.Rules = []string{"calls"}
	_, err := NewRegistry(cfg)
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeConfigValidation))
}

func TestCheckHealthHealthyPlugin(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	require.NoError(t, r.Register(newTestPlugin("calc", "1.0.0")))
	_, err := r.SafeCall(context.Background(), "calc", "echo", []any{1}, 0)
	require.NoError(t, err)

	results, err := r.CheckHealth()
	require.NoError(t, err)
	require.Contains(t, results, "calc")
	assert.True(t, results["calc"].Healthy)
	assert.Empty(t, results["calc"].Findings)
	assert.False(t, results["calc"].CheckedAt.IsZero())

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, servingStatus(t, r, "calc"))
	assert.Equal(t, results, r.HealthReport())
}

func TestCheckHealthFindings(t *testing.T) {
	t.Run("error rate", func(t *testing.T) {
		r, logger := newTestRegistry(t, nil)
		require.NoError(t, r.Register(newTestPlugin("calc", "1.0.0")))
		_, _ = r.SafeCall(context.Background(), "calc", "fail", nil, 0)

		results, err := r.CheckHealth()
		require.NoError(t, err)
		assert.False(t, results["calc"].Healthy)
		assert.Contains(t, findingChecks(results["calc"]), HealthCheckErrorRate)
		assert.True(t, logger.HasMessage("WARN", "Plugin health issue"))
		assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, servingStatus(t, r, "calc"))
	})

	t.Run("inactivity", func(t *testing.T) {
		r, _ := newTestRegistry(t, func(c *RegistryConfig) { c.Health.InactivityThreshold = time.Millisecond })
		require.NoError(t, r.Register(newTestPlugin("calc", "1.0.0")))
		_, err := r.Load(context.Background(), "calc")
		require.NoError(t, err)
		time.Sleep(100 * time.Millisecond)

		results, err := r.CheckHealth()
		require.NoError(t, err)
		assert.Contains(t, findingChecks(results["calc"]), HealthCheckInactive)
	})

	t.Run("peak memory", func(t *testing.T) {
		sampler := &fakeSampler{samples: []ResourceSample{{MemoryMB: 700}}}
		r, _ := newTestRegistry(t, func(c *RegistryConfig) {
			c.DisableResourceMonitoring = false
			c.MonitorInterval = 5 * time.Millisecond
		}, WithResourceSampler(sampler))
		require.NoError(t, r.Register(newTestPlugin("calc", "1.0.0")))
		_, err := r.SafeCall(context.Background(), "calc", "sleep", []any{40 * time.Millisecond}, time.Second)
		require.NoError(t, err)

		results, err := r.CheckHealth()
		require.NoError(t, err)
		assert.Contains(t, findingChecks(results["calc"]), HealthCheckPeakMemory)
	})

	t.Run("rule", func(t *testing.T) {
		r, _ := newTestRegistry(t, func(c *RegistryConfig) {
			c.Health.Rules = []string{"calls >= 2", `state != "LOADED"`}
		})
		require.NoError(t, r.Register(newTestPlugin("calc", "1.0.0")))
		for i := 0; i < 2; i++ {
			_, err := r.SafeCall(context.Background(), "calc", "echo", nil, 0)
			require.NoError(t, err)
		}

		results, err := r.CheckHealth()
		require.NoError(t, err)
		require.Len(t, results["calc"].Findings, 1)
		assert.Equal(t, HealthCheckRule, results["calc"].Findings[0].Check)
		assert.Contains(t, results["calc"].Findings[0].Message, "calls >= 2")
	})

	t.Run("rule evaluation error", func(t *testing.T) {
		r, _ := newTestRegistry(t, func(c *RegistryConfig) {
			c.Health.Rules = []string{"errors / (calls - calls) > 0"}
		})
		require.NoError(t, r.Register(newTestPlugin("calc", "1.0.0")))
		_, err := r.SafeCall(context.Background(), "calc", "echo", nil, 0)
		require.NoError(t, err)

		results, err := r.CheckHealth()
		require.Error(t, err)
		assert.True(t, results["calc"].Healthy, "a broken rule is not a finding")
	})
}

func TestCheckHealthSkipsUnloadedPlugins(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	require.NoError(t, r.Register(newTestPlugin("calc", "1.0.0")))
	_, err := r.Load(context.Background(), "calc")
	require.NoError(t, err)

	_, err = r.CheckHealth()
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, servingStatus(t, r, "calc"))

	require.NoError(t, r.Unload(context.Background(), "calc"))
	results, err := r.CheckHealth()
	require.NoError(t, err)
	assert.NotContains(t, results, "calc")
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, servingStatus(t, r, "calc"))

	_, err = r.HealthServer().Check(context.Background(), &healthpb.HealthCheckRequest{Service: "never-seen"})
	assert.Error(t, err)
}

func TestHealthMonitorLoop(t *testing.T) {
	r, _ := newTestRegistry(t, func(c *RegistryConfig) {
		c.Health = HealthConfig{Interval: 20 * time.Millisecond}
	})
	require.NoError(t, r.Register(newTestPlugin("calc", "1.0.0")))
	_, err := r.Load(context.Background(), "calc")
	require.NoError(t, err)

	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Start(context.Background()), "second start is a no-op")

	require.Eventually(t, func() bool {
		_, ok := r.HealthReport()["calc"]
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, r.Cleanup(context.Background()))
}

func TestHealthMonitorOutlivesStartContext(t *testing.T) {
	r, _ := newTestRegistry(t, func(c *RegistryConfig) {
		c.Health = HealthConfig{Interval: 20 * time.Millisecond}
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx))
	cancel()
	waitBriefly()

	require.NoError(t, r.Register(newTestPlugin("calc", "1.0.0")))
	_, err := r.Load(context.Background(), "calc")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := r.HealthReport()["calc"]
		return ok
	}, 2*time.Second, 10*time.Millisecond, "health loop stopped with the start context")

	require.NoError(t, r.Cleanup(context.Background()))
}
