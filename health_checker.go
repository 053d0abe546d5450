// health_checker.go: Periodic health evaluation of loaded plugins
//
// Health monitoring observes and reports; it never unloads or quarantines.
// Findings are logged, published to a gRPC health server (one service per
// plugin) and written to the audit trail when a plugin changes status.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gosandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/google/cel-go/cel"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Built-in health checks.
const (
	HealthCheckInactive   = "inactive"
	HealthCheckErrorRate  = "error_rate"
	HealthCheckPeakMemory = "peak_memory"
	HealthCheckViolations = "violations"
	HealthCheckRule       = "rule"
)

// HealthFinding is one failed check.
type HealthFinding struct {
	Plugin  string `json:"plugin"`
	Check   string `json:"check"`
	Message string `json:"message"`
}

// PluginHealth is the latest evaluation of one plugin.
type PluginHealth struct {
	Plugin    string          `json:"plugin"`
	Healthy   bool            `json:"healthy"`
	Findings  []HealthFinding `json:"findings,omitempty"`
	CheckedAt time.Time       `json:"checked_at"`
}

type healthRule struct {
	expr    string
	program cel.Program
}

// healthMonitor runs the background health loop of a registry.
type healthMonitor struct {
	registry *Registry
	config   HealthConfig
	rules    []healthRule
	server   *health.Server

	mu     sync.RWMutex
	latest map[string]PluginHealth

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newHealthMonitor(r *Registry, cfg HealthConfig) (*healthMonitor, error) {
	rules, err := compileHealthRules(cfg.Rules)
	if err != nil {
		return nil, err
	}
	return &healthMonitor{
		registry: r,
		config:   cfg,
		rules:    rules,
		server:   health.NewServer(),
		latest:   make(map[string]PluginHealth),
	}, nil
}

// healthRuleEnv declares the variables available to health rules.
func healthRuleEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("calls", cel.IntType),
		cel.Variable("errors", cel.IntType),
		cel.Variable("error_rate", cel.DoubleType),
		cel.Variable("violations", cel.IntType),
		cel.Variable("peak_memory_mb", cel.DoubleType),
		cel.Variable("idle_seconds", cel.DoubleType),
		cel.Variable("state", cel.StringType),
	)
}

func compileHealthRules(exprs []string) ([]healthRule, error) {
	if len(exprs) == 0 {
		return nil, nil
	}
	env, err := healthRuleEnv()
	if err != nil {
		return nil, NewConfigValidationError("cannot create health rule environment", err)
	}

	rules := make([]healthRule, 0, len(exprs))
	for _, expr := range exprs {
		ast, iss := env.Compile(expr)
		if iss != nil && iss.Err() != nil {
			return nil, NewConfigValidationError(fmt.Sprintf("invalid health rule %q", expr), iss.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, NewConfigValidationError(fmt.Sprintf("health rule %q must evaluate to bool, got %s", expr, ast.OutputType()), nil)
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, NewConfigValidationError(fmt.Sprintf("invalid health rule %q", expr), err)
		}
		rules = append(rules, healthRule{expr: expr, program: prg})
	}
	return rules, nil
}

func (h *healthMonitor) start(ctx context.Context) {
	h.runMu.Lock()
	defer h.runMu.Unlock()
	if h.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})
	go h.run(ctx, h.done)
}

func (h *healthMonitor) stop() {
	h.runMu.Lock()
	cancel, done := h.cancel, h.done
	h.cancel, h.done = nil, nil
	h.runMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// shutdown marks every service NOT_SERVING.
func (h *healthMonitor) shutdown() {
	h.stop()
	h.server.Shutdown()
}

// run checks every Interval, or RetryInterval after an internal error.
func (h *healthMonitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer withStackRecover(h.registry.logger)()

	timer := time.NewTimer(h.config.Interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			next := h.config.Interval
			if _, err := h.checkAll(); err != nil {
				h.registry.logger.Error("Health check failed", "error", err)
				next = h.config.RetryInterval
			}
			timer.Reset(next)
		}
	}
}

// checkAll evaluates every LOADED, non-quarantined plugin once.
func (h *healthMonitor) checkAll() (map[string]PluginHealth, error) {
	now := timecache.CachedTime()
	results := make(map[string]PluginHealth)
	var firstErr error

	for _, info := range h.registry.ListPlugins() {
		if info.State != StateLoaded || info.Quarantined {
			continue
		}
		findings, err := h.evaluate(info, now)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		for _, f := range findings {
			h.registry.logger.Warn("Plugin health issue", "plugin", f.Plugin, "check", f.Check, "message", f.Message)
		}
		results[info.Name] = PluginHealth{
			Plugin:    info.Name,
			Healthy:   len(findings) == 0,
			Findings:  findings,
			CheckedAt: now,
		}
	}

	h.publish(results)
	return results, firstErr
}

// evaluate runs the built-in checks and the configured rules. Rule errors
// are returned after every check has run.
func (h *healthMonitor) evaluate(info PluginInfo, now time.Time) ([]HealthFinding, error) {
	var findings []HealthFinding
	add := func(check, format string, args ...any) {
		findings = append(findings, HealthFinding{Plugin: info.Name, Check: check, Message: fmt.Sprintf(format, args...)})
	}

	lastActive := info.LastUsed
	if lastActive.IsZero() {
		lastActive = info.LoadedAt
	}
	idle := now.Sub(lastActive)
	if !lastActive.IsZero() && idle > h.config.InactivityThreshold {
		add(HealthCheckInactive, "inactive for %s", idle.Truncate(time.Second))
	}
	if rate := info.ErrorRate(); rate > h.config.ErrorRateThreshold {
		add(HealthCheckErrorRate, "error rate %.2f exceeds %.2f", rate, h.config.ErrorRateThreshold)
	}
	if info.PeakMemoryMB > h.config.PeakMemoryMB {
		add(HealthCheckPeakMemory, "peak memory %.1fMB exceeds %.1fMB", info.PeakMemoryMB, h.config.PeakMemoryMB)
	}
	if info.ViolationCount > h.config.MaxViolations {
		add(HealthCheckViolations, "%d violations exceed %d", info.ViolationCount, h.config.MaxViolations)
	}

	if len(h.rules) == 0 {
		return findings, nil
	}
	vars := map[string]any{
		"calls":          info.CallCount,
		"errors":         info.ErrorCount,
		"error_rate":     info.ErrorRate(),
		"violations":     int64(info.ViolationCount),
		"peak_memory_mb": info.PeakMemoryMB,
		"idle_seconds":   idle.Seconds(),
		"state":          info.State.String(),
	}
	var ruleErr error
	for _, rule := range h.rules {
		out, _, err := rule.program.Eval(vars)
		if err != nil {
			if ruleErr == nil {
				ruleErr = fmt.Errorf("health rule %q: %w", rule.expr, err)
			}
			continue
		}
		if hit, ok := out.Value().(bool); ok && hit {
			add(HealthCheckRule, "rule matched: %s", rule.expr)
		}
	}
	return findings, ruleErr
}

// publish stores results, updates the gRPC health server and audits status
// changes. Plugins no longer evaluated become NOT_SERVING.
func (h *healthMonitor) publish(results map[string]PluginHealth) {
	h.mu.Lock()
	previous := h.latest
	h.latest = results
	h.mu.Unlock()

	for name, res := range results {
		status := healthpb.HealthCheckResponse_SERVING
		if !res.Healthy {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		h.server.SetServingStatus(name, status)

		if old, seen := previous[name]; !seen || old.Healthy != res.Healthy {
			h.registry.audit.record(AuditHealthTransition, name, status.String(), map[string]interface{}{
				"findings": len(res.Findings),
			})
		}
	}
	for name := range previous {
		if _, still := results[name]; !still {
			h.server.SetServingStatus(name, healthpb.HealthCheckResponse_NOT_SERVING)
		}
	}
}

func (h *healthMonitor) report() map[string]PluginHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]PluginHealth, len(h.latest))
	for k, v := range h.latest {
		out[k] = v
	}
	return out
}

// HealthReport returns the latest health evaluation per plugin.
func (r *Registry) HealthReport() map[string]PluginHealth {
	return r.health.report()
}

// CheckHealth evaluates every loaded plugin now, independently of the
// background loop, and publishes the results.
func (r *Registry) CheckHealth() (map[string]PluginHealth, error) {
	return r.health.checkAll()
}
