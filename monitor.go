// monitor.go: Background resource sampling while sandboxed code runs
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gosandbox

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// DefaultMonitorInterval is the sampling period of the resource monitor.
const DefaultMonitorInterval = 500 * time.Millisecond

// memoryWarningRatio is the fraction of the memory ceiling that raises a warning.
const memoryWarningRatio = 0.9

// ResourceSample is one observation of resource usage.
type ResourceSample struct {
	MemoryMB   float64
	CPUPercent float64
}

// ResourceSampler observes resource usage of the process running plugin code.
// An error means the observed process is gone and stops the monitor.
type ResourceSampler interface {
	Sample(ctx context.Context) (ResourceSample, error)
}

// ProcessSampler samples a process through gopsutil.
type ProcessSampler struct {
	proc *process.Process
}

// NewProcessSampler samples the process with the given pid.
func NewProcessSampler(pid int32) (*ProcessSampler, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return nil, err
	}
	return &ProcessSampler{proc: proc}, nil
}

// NewSelfSampler samples the host process. In-process plugins share it.
func NewSelfSampler() (*ProcessSampler, error) {
	return NewProcessSampler(int32(os.Getpid())) // #nosec G115 - pid fits in int32
}

// Sample implements ResourceSampler.
func (s *ProcessSampler) Sample(ctx context.Context) (ResourceSample, error) {
	mem, err := s.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return ResourceSample{}, err
	}
	cpu, err := s.proc.PercentWithContext(ctx, 0)
	if err != nil {
		return ResourceSample{}, err
	}
	return ResourceSample{
		MemoryMB:   float64(mem.RSS) / (1 << 20),
		CPUPercent: cpu,
	}, nil
}

// resourceMonitor samples periodically for the duration of one call. Each
// threshold is reported at most once per call.
type resourceMonitor struct {
	sandbox  *Sandbox
	interval time.Duration

	memoryReported bool
	cpuReported    bool
}

// start launches the sampling loop and returns its stop function, which
// blocks until the loop has exited.
func (m *resourceMonitor) start(parent context.Context) func() {
	ctx, cancel := context.WithCancel(parent)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer withStackRecover(m.sandbox.logger)()
		m.run(ctx)
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

func (m *resourceMonitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample, err := m.sandbox.sampler.Sample(ctx)
			if err != nil {
				if ctx.Err() == nil {
					m.sandbox.logger.Debug("Resource monitor stopped, process not observable", "error", err)
				}
				return
			}
			m.observe(sample)
		}
	}
}

func (m *resourceMonitor) observe(sample ResourceSample) {
	s := m.sandbox
	s.recordPeak(sample)

	limits := s.limits
	if limits.MaxMemoryMB > 0 && !m.memoryReported &&
		sample.MemoryMB >= memoryWarningRatio*float64(limits.MaxMemoryMB) {
		m.memoryReported = true
		s.RecordViolation(ViolationMemoryWarning,
			fmt.Sprintf("memory usage %.1fMB reached %.0f%% of the %dMB ceiling",
				sample.MemoryMB, memoryWarningRatio*100, limits.MaxMemoryMB),
			SeverityWarning)
	}
	if limits.MaxCPUPercent > 0 && !m.cpuReported && sample.CPUPercent > limits.MaxCPUPercent {
		m.cpuReported = true
		s.RecordViolation(ViolationCPULimit,
			fmt.Sprintf("cpu usage %.1f%% exceeds the %.1f%% ceiling", sample.CPUPercent, limits.MaxCPUPercent),
			SeverityWarning)
	}
}
