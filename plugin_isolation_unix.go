//go:build linux || darwin

// plugin_isolation_unix.go: rlimit based resource limiter
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gosandbox

import (
	stderrors "errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
)

// RlimitLimiter applies process-wide soft limits while at least one sandboxed
// call is running and restores the previous values when the last one ends.
//
// Limits are process wide, so concurrent calls share the limits installed by
// the first of them. Memory is capped with the Go runtime soft memory limit
// instead of RLIMIT_AS, which breaks the runtime's address space reservations.
// CPU-time overruns raise SIGXCPU; the limiter intercepts it and reports it
// through onExceeded instead of letting it terminate the host.
type RlimitLimiter struct {
	mu        sync.Mutex
	active    int
	nextID    int
	callbacks map[int]func(kind, description string)

	prevCPU    syscall.Rlimit
	prevNOFILE syscall.Rlimit
	prevMemory int64
	cpuSet     bool
	nofileSet  bool
	memorySet  bool

	signals chan os.Signal
	done    chan struct{}
	logger  Logger
}

// NewRlimitLimiter creates a limiter owned by one registry.
func NewRlimitLimiter(logger Logger) *RlimitLimiter {
	if logger == nil {
		logger = DefaultLogger()
	}
	return &RlimitLimiter{
		callbacks: make(map[int]func(string, string)),
		logger:    logger,
	}
}

func defaultResourceLimiter(logger Logger) ResourceLimiter {
	return NewRlimitLimiter(logger)
}

// Apply implements ResourceLimiter.
func (l *RlimitLimiter) Apply(plugin string, limits ResourceLimits, onExceeded func(kind, description string)) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextID
	l.nextID++
	if onExceeded != nil {
		l.callbacks[id] = onExceeded
	}

	var err error
	if l.active == 0 {
		err = l.install(limits)
	}
	l.active++

	var once sync.Once
	release := func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.callbacks, id)
			l.active--
			if l.active == 0 {
				l.restore()
			}
		})
	}
	return release, err
}

// install must be called with l.mu held.
func (l *RlimitLimiter) install(limits ResourceLimits) error {
	var errs []error

	if limits.Timeout > 0 {
		if err := l.installCPU(limits); err != nil {
			errs = append(errs, fmt.Errorf("cpu limit: %w", err))
		}
	}
	if limits.MaxFileDescriptors > 0 {
		if err := l.installNOFILE(limits); err != nil {
			errs = append(errs, fmt.Errorf("file descriptor limit: %w", err))
		}
	}
	if limits.MaxMemoryMB > 0 {
		l.prevMemory = debug.SetMemoryLimit(int64(limits.MaxMemoryMB) << 20)
		l.memorySet = true
	}

	return stderrors.Join(errs...)
}

func (l *RlimitLimiter) installCPU(limits ResourceLimits) error {
	var usage syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &usage); err != nil {
		return err
	}
	if err := syscall.Getrlimit(syscall.RLIMIT_CPU, &l.prevCPU); err != nil {
		return err
	}

	usedSeconds := float64(usage.Utime.Nano()+usage.Stime.Nano()) / 1e9
	soft := uint64(math.Ceil(usedSeconds + limits.CPUTimeBudget().Seconds()))
	if soft > l.prevCPU.Max {
		soft = l.prevCPU.Max
	}
	if soft > l.prevCPU.Cur {
		// never loosen an operator supplied limit
		soft = l.prevCPU.Cur
	}

	next := syscall.Rlimit{Cur: soft, Max: l.prevCPU.Max}
	if err := syscall.Setrlimit(syscall.RLIMIT_CPU, &next); err != nil {
		return err
	}
	l.cpuSet = true

	l.signals = make(chan os.Signal, 1)
	l.done = make(chan struct{})
	signal.Notify(l.signals, syscall.SIGXCPU)
	go l.watchSignals(l.signals, l.done, soft)
	return nil
}

func (l *RlimitLimiter) installNOFILE(limits ResourceLimits) error {
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &l.prevNOFILE); err != nil {
		return err
	}
	proc, err := process.NewProcess(int32(os.Getpid())) // #nosec G115 - pid fits in int32
	if err != nil {
		return err
	}
	open, err := proc.NumFDs()
	if err != nil {
		return err
	}

	soft := uint64(open) + uint64(limits.MaxFileDescriptors) // #nosec G115 - non-negative counts
	if soft > l.prevNOFILE.Max {
		soft = l.prevNOFILE.Max
	}
	if soft > l.prevNOFILE.Cur {
		soft = l.prevNOFILE.Cur
	}
	next := syscall.Rlimit{Cur: soft, Max: l.prevNOFILE.Max}
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &next); err != nil {
		return err
	}
	l.nofileSet = true
	return nil
}

// restore must be called with l.mu held.
func (l *RlimitLimiter) restore() {
	if l.cpuSet {
		signal.Stop(l.signals)
		close(l.done)
		if err := syscall.Setrlimit(syscall.RLIMIT_CPU, &l.prevCPU); err != nil {
			l.logger.Warn("Failed to restore CPU limit", "error", err)
		}
		l.cpuSet = false
	}
	if l.nofileSet {
		if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &l.prevNOFILE); err != nil {
			l.logger.Warn("Failed to restore file descriptor limit", "error", err)
		}
		l.nofileSet = false
	}
	if l.memorySet {
		debug.SetMemoryLimit(l.prevMemory)
		l.memorySet = false
	}
}

func (l *RlimitLimiter) watchSignals(signals <-chan os.Signal, done <-chan struct{}, softSeconds uint64) {
	defer withStackRecover(l.logger)()
	for {
		select {
		case <-done:
			return
		case <-signals:
			l.mu.Lock()
			callbacks := make([]func(string, string), 0, len(l.callbacks))
			for _, cb := range l.callbacks {
				callbacks = append(callbacks, cb)
			}
			l.mu.Unlock()

			description := fmt.Sprintf("process CPU time exceeded soft limit of %ds", softSeconds)
			for _, cb := range callbacks {
				cb(ViolationCPUTimeExceeded, description)
			}
		}
	}
}
