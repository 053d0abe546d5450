// sandbox.go: Isolated, time-bounded and resource-limited execution of plugin code
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gosandbox

import (
	"context"
	stderrors "errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ViolationCallback receives every violation recorded by a sandbox.
// Callbacks run synchronously on the recording goroutine; panics are
// recovered and logged.
type ViolationCallback func(SecurityViolation)

// SandboxOptions configures a sandbox. Zero values select defaults.
type SandboxOptions struct {
	Logger  Logger
	Sampler ResourceSampler
	Limiter ResourceLimiter
	Metrics *Metrics

	// MonitorInterval is the resource sampling period (default 500ms)
	MonitorInterval time.Duration

	// DisableMonitoring turns off background resource sampling
	DisableMonitoring bool
}

// RunSnapshot describes the most recent successful execution.
type RunSnapshot struct {
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
}

// ExecutionStats summarizes successful executions and observed peaks.
type ExecutionStats struct {
	Executions     int64         `json:"executions"`
	TotalTime      time.Duration `json:"total_time"`
	LastRun        RunSnapshot   `json:"last_run"`
	PeakMemoryMB   float64       `json:"peak_memory_mb"`
	PeakCPUPercent float64       `json:"peak_cpu_percent"`
}

// AverageTime returns the mean duration of successful executions.
func (s ExecutionStats) AverageTime() time.Duration {
	if s.Executions == 0 {
		return 0
	}
	return s.TotalTime / time.Duration(s.Executions)
}

// Sandbox runs the code of one plugin under a timeout, a small worker pool,
// OS resource limits, a capability policy and a background resource monitor.
//
// Calls are not serialized: up to Workers() calls run concurrently.
type Sandbox struct {
	plugin string
	limits ResourceLimits
	policy CapabilityPolicy
	env    *Environment

	workers     *semaphore.Weighted
	rateLimiter *rate.Limiter

	logger          Logger
	sampler         ResourceSampler
	limiter         ResourceLimiter
	metrics         *Metrics
	monitorInterval time.Duration
	monitoring      bool

	baseCtx context.Context
	cancel  context.CancelFunc

	mu         sync.Mutex
	violations []SecurityViolation
	imported   map[string]struct{}
	stats      ExecutionStats
	callbacks  []ViolationCallback
	closed     bool
}

// NewSandbox creates the sandbox of the plugin described by m.
func NewSandbox(m *PluginManifest, opts SandboxOptions) *Sandbox {
	logger := opts.Logger
	if logger == nil {
		logger = DefaultLogger()
	}
	logger = logger.With("plugin", m.Name)

	limits := LimitsFromManifest(m)
	interval := opts.MonitorInterval
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	limiter := opts.Limiter
	if limiter == nil || !limits.EnforceOSLimits {
		limiter = nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Sandbox{
		plugin:          m.Name,
		limits:          limits,
		policy:          policyFromManifest(m),
		workers:         semaphore.NewWeighted(limits.Workers()),
		logger:          logger,
		sampler:         opts.Sampler,
		limiter:         limiter,
		metrics:         opts.Metrics,
		monitorInterval: interval,
		monitoring:      !opts.DisableMonitoring && opts.Sampler != nil,
		baseCtx:         ctx,
		cancel:          cancel,
		imported:        make(map[string]struct{}),
	}
	if limits.RateLimit > 0 {
		burst := int(limits.RateLimit)
		if burst < 1 {
			burst = 1
		}
		s.rateLimiter = rate.NewLimiter(rate.Limit(limits.RateLimit), burst)
	}
	s.env = NewEnvironment(m.Name, s, logger)
	return s
}

// Plugin returns the owning plugin name.
func (s *Sandbox) Plugin() string { return s.plugin }

// Limits returns the immutable resource limits.
func (s *Sandbox) Limits() ResourceLimits { return s.limits }

// Environment returns the capability gateway handed to plugin code.
func (s *Sandbox) Environment() *Environment { return s.env }

// OnViolation registers a violation subscriber.
func (s *Sandbox) OnViolation(cb ViolationCallback) {
	if cb == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

type callResult struct {
	value any
	err   error
}

// ExecuteWithIsolation runs fn with args inside the sandbox.
//
// timeout <= 0 selects the manifest timeout; waiting for a free worker counts
// against it. On expiry the context handed to fn is canceled, a timeout
// violation is recorded and a timeout error returned; fn keeps its worker
// until it actually returns. Errors and panics from fn are recorded as
// execution_error violations and returned wrapped.
func (s *Sandbox) ExecuteWithIsolation(ctx context.Context, fn Method, args []any, timeout time.Duration) (any, error) {
	if fn == nil {
		return nil, NewExecutionFailedError(s.plugin, fmt.Errorf("nil callable"))
	}
	if s.isClosed() {
		return nil, NewSandboxClosedError(s.plugin)
	}
	if timeout <= 0 {
		timeout = s.limits.Timeout
	}
	if s.rateLimiter != nil && !s.rateLimiter.Allow() {
		s.RecordViolation(ViolationRateLimited,
			fmt.Sprintf("call rate exceeds %.2f/s", s.limits.RateLimit), SeverityWarning)
		return nil, NewRateLimitExceededError(s.plugin, s.limits.RateLimit)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	stopOnClose := context.AfterFunc(s.baseCtx, cancel)
	defer stopOnClose()

	started := time.Now()
	if err := s.workers.Acquire(callCtx, 1); err != nil {
		return nil, s.interrupted(ctx, callCtx, timeout, started, "waiting for a worker")
	}

	if s.limiter != nil {
		release, err := s.limiter.Apply(s.plugin, s.limits, s.onLimitExceeded)
		defer release()
		if err != nil {
			s.logger.Warn("OS resource limits not fully applied", "error", err)
		}
	}
	if s.monitoring {
		monitor := &resourceMonitor{sandbox: s, interval: s.monitorInterval}
		defer monitor.start(callCtx)()
	}

	done := make(chan callResult, 1)
	pluginCtx := ContextWithLogger(ContextWithEnvironment(callCtx, s.env), s.logger)
	go func() {
		defer s.workers.Release(1)
		var r callResult
		func() {
			defer recoverInto(&r.err)
			r.value, r.err = fn(pluginCtx, args...)
		}()
		done <- r
	}()

	select {
	case r := <-done:
		elapsed := time.Since(started)
		if r.err != nil && callCtx.Err() != nil &&
			(stderrors.Is(r.err, context.Canceled) || stderrors.Is(r.err, context.DeadlineExceeded)) {
			// fn gave up because its context ended
			return nil, s.interrupted(ctx, callCtx, timeout, started, "running")
		}
		if r.err != nil {
			s.RecordViolation(ViolationExecutionError, describeFailure(r.err), SeverityError)
			s.metrics.observeCall(s.plugin, OutcomeError, elapsed)
			return nil, NewExecutionFailedError(s.plugin, r.err).WithContext("elapsed", elapsed.String())
		}
		s.recordSuccess(started, elapsed)
		s.metrics.observeCall(s.plugin, OutcomeSuccess, elapsed)
		return r.value, nil
	case <-callCtx.Done():
		return nil, s.interrupted(ctx, callCtx, timeout, started, "running")
	}
}

// interrupted classifies an early end of callCtx: deadline, sandbox closed,
// or caller cancellation. Only the deadline records a violation.
func (s *Sandbox) interrupted(parent, callCtx context.Context, timeout time.Duration, started time.Time, phase string) error {
	elapsed := time.Since(started)
	switch {
	case stderrors.Is(callCtx.Err(), context.DeadlineExceeded):
		s.RecordViolation(ViolationTimeout,
			fmt.Sprintf("execution exceeded %s while %s", timeout, phase), SeverityError)
		s.metrics.observeCall(s.plugin, OutcomeTimeout, elapsed)
		return NewExecutionTimeoutError(s.plugin, timeout.String())
	case s.baseCtx.Err() != nil:
		return NewSandboxClosedError(s.plugin)
	default:
		s.metrics.observeCall(s.plugin, OutcomeError, elapsed)
		return NewExecutionFailedError(s.plugin, parent.Err())
	}
}

func describeFailure(err error) string {
	var pe *PanicError
	if stderrors.As(err, &pe) {
		return fmt.Sprintf("panic: %v", pe.Value)
	}
	return err.Error()
}

func (s *Sandbox) onLimitExceeded(kind, description string) {
	s.RecordViolation(kind, description, SeverityError)
}

func (s *Sandbox) recordSuccess(started time.Time, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Executions++
	s.stats.TotalTime += elapsed
	s.stats.LastRun = RunSnapshot{Started: started, Duration: elapsed}
}

func (s *Sandbox) recordPeak(sample ResourceSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sample.MemoryMB > s.stats.PeakMemoryMB {
		s.stats.PeakMemoryMB = sample.MemoryMB
	}
	if sample.CPUPercent > s.stats.PeakCPUPercent {
		s.stats.PeakCPUPercent = sample.CPUPercent
	}
}

// CheckCapability records the request in the audit trail and applies the
// capability policy. Denials and trusted overrides are recorded as violations.
func (s *Sandbox) CheckCapability(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return NewCapabilityDeniedError(s.plugin, name, "empty capability name")
	}

	s.mu.Lock()
	s.imported[name] = struct{}{}
	s.mu.Unlock()

	d := s.policy.Evaluate(name)
	if d.Violation {
		s.RecordViolation(d.Kind, fmt.Sprintf("capability %q %s", name, d.Reason), d.Severity)
	}
	if !d.Allowed {
		return NewCapabilityDeniedError(s.plugin, name, d.Reason)
	}
	return nil
}

// RecordViolation appends a violation to the history, logs it and notifies
// every subscriber.
func (s *Sandbox) RecordViolation(kind, description string, severity Severity) SecurityViolation {
	v := SecurityViolation{
		ID:          uuid.NewString(),
		Plugin:      s.plugin,
		Kind:        kind,
		Description: description,
		Severity:    severity,
		Timestamp:   timecache.CachedTime(),
	}

	s.mu.Lock()
	s.violations = append(s.violations, v)
	callbacks := slices.Clone(s.callbacks)
	s.mu.Unlock()

	if severity == SeverityWarning {
		s.logger.Warn("Security violation", "kind", kind, "severity", severity.String(), "description", description)
	} else {
		s.logger.Error("Security violation", "kind", kind, "severity", severity.String(), "description", description)
	}
	s.metrics.observeViolation(v)

	for _, cb := range callbacks {
		s.notify(cb, v)
	}
	return v
}

func (s *Sandbox) notify(cb ViolationCallback, v SecurityViolation) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Violation callback panicked", "panic", r, "violation_id", v.ID)
		}
	}()
	cb(v)
}

// Violations returns a copy of the violation history.
func (s *Sandbox) Violations() []SecurityViolation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.violations)
}

// ViolationCount returns the number of recorded violations.
func (s *Sandbox) ViolationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.violations)
}

// ImportedModules returns every capability name the plugin requested, sorted.
func (s *Sandbox) ImportedModules() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.imported))
	for name := range s.imported {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Stats returns a copy of the execution statistics.
func (s *Sandbox) Stats() ExecutionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Close cancels in-flight calls and rejects new ones. Detached callables that
// ignore their context are not waited for.
func (s *Sandbox) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()
}

func (s *Sandbox) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
