// plugin_registry.go: Plugin registry owning discovery, lifecycle and quarantine state
//
// The registry is the host-facing entry point: it discovers manifests in
// plugin directories, gates them through security and compatibility checks,
// loads plugins into per-plugin sandboxes and routes calls through them.
// Violations reported by sandboxes flow back into the registry, which keeps
// the registry-wide history and applies the quarantine policy.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gosandbox

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/health"
)

// pluginRecord is the registry-owned state of one plugin name.
type pluginRecord struct {
	// loadMu serializes load, unload and upgrade of this plugin.
	loadMu sync.Mutex

	// Guarded by Registry.mu
	info     PluginInfo
	instance Plugin
	sandbox  *Sandbox
	provided Plugin
	imported map[string]struct{}
}

// Registry discovers, loads, sandboxes and monitors plugins.
//
// All methods are safe for concurrent use. Lock order: pluginRecord.loadMu
// before Registry.mu; sandbox methods are never called with Registry.mu held
// for writing except for read-only accessors.
type Registry struct {
	config RegistryConfig
	logger Logger

	// Code loading
	static     *StaticLoader
	loaders    map[string]CodeLoader
	sampler    ResourceSampler
	limiter    ResourceLimiter
	registerer prometheus.Registerer

	// Ambient services
	metrics   *Metrics
	audit     *auditTrail
	manifests *manifestCache
	health    *healthMonitor
	watcher   *manifestWatcher

	// Registry state
	mu          sync.RWMutex
	directories []string
	plugins     map[string]*pluginRecord
	quarantined map[string]string
	violations  []SecurityViolation

	discoveryMu sync.Mutex

	// Lifecycle
	runMu    sync.Mutex
	running  bool
	teardown sync.WaitGroup
}

// Option customizes a Registry at construction.
type Option func(*Registry)

// WithLoader installs loader for manifests selecting kind, replacing the
// built-in loader of that kind.
func WithLoader(kind string, loader CodeLoader) Option {
	return func(r *Registry) {
		if loader != nil {
			r.loaders[kind] = loader
		}
	}
}

// WithResourceSampler overrides the process sampler used by sandbox monitors.
func WithResourceSampler(sampler ResourceSampler) Option {
	return func(r *Registry) { r.sampler = sampler }
}

// WithResourceLimiter overrides the OS resource limiter.
func WithResourceLimiter(limiter ResourceLimiter) Option {
	return func(r *Registry) { r.limiter = limiter }
}

// WithMetricsRegisterer registers the registry metrics with reg instead of
// a private prometheus registry.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(r *Registry) { r.registerer = reg }
}

// NewRegistry creates a registry. Background loops are not running until Start.
func NewRegistry(config RegistryConfig, opts ...Option) (*Registry, error) {
	setConfigDefaults(&config)
	if err := config.Validate(); err != nil {
		return nil, err
	}

	r := &Registry{
		config:      config,
		logger:      config.Logger,
		static:      NewStaticLoader(),
		plugins:     make(map[string]*pluginRecord),
		quarantined: make(map[string]string),
	}
	r.loaders = map[string]CodeLoader{
		LoaderStatic: r.static,
		LoaderNative: NewNativeLoader(),
		LoaderWasm:   NewWasmLoader(r.logger),
	}
	if !config.DisableResourceMonitoring {
		if sampler, err := NewSelfSampler(); err == nil {
			r.sampler = sampler
		} else {
			r.logger.Warn("Resource sampling unavailable", "error", err)
		}
	}
	if !config.DisableOSLimits {
		r.limiter = defaultResourceLimiter(r.logger)
	}
	for _, opt := range opts {
		opt(r)
	}

	var err error
	if r.metrics, err = NewMetrics(r.registerer); err != nil {
		return nil, NewConfigValidationError("failed to register metrics", err)
	}
	if r.manifests, err = newManifestCache(config.ManifestCacheSize); err != nil {
		return nil, NewConfigValidationError("failed to create manifest cache", err)
	}
	if r.health, err = newHealthMonitor(r, config.Health); err != nil {
		return nil, err
	}
	if r.audit, err = newAuditTrail(config.Audit); err != nil {
		return nil, err
	}
	if config.HotReload.Enabled {
		r.watcher = newManifestWatcher(r, config.HotReload)
	}

	for _, dir := range config.PluginDirectories {
		if err := r.AddPluginDirectory(dir); err != nil {
			r.logger.Warn("Skipping plugin directory", "path", dir, "error", err)
		}
	}
	return r, nil
}

// Config returns the effective configuration.
func (r *Registry) Config() RegistryConfig { return r.config }

// StaticLoader returns the factory table used for plugins compiled into the
// host binary (manifest loader "static").
func (r *Registry) StaticLoader() *StaticLoader { return r.static }

// Metrics returns the gatherer exposing the registry metrics.
func (r *Registry) Metrics() prometheus.Gatherer { return r.metrics.Gatherer() }

// HealthServer returns the gRPC health service reflecting plugin health.
// Service names are plugin names.
func (r *Registry) HealthServer() *health.Server { return r.health.server }

// Start launches the health monitor and, when enabled, the manifest
// watcher. Calling Start on a running registry is a no-op. The background
// loops keep ctx values but not its cancellation; they run until Cleanup.
func (r *Registry) Start(ctx context.Context) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	if r.running {
		return nil
	}
	if !r.config.Health.Disabled {
		r.health.start(context.WithoutCancel(ctx))
	}
	if r.watcher != nil {
		if err := r.watcher.start(); err != nil {
			r.health.stop()
			return err
		}
	}
	r.running = true
	r.logger.Info("Plugin registry started",
		"directories", len(r.directories),
		"health_monitoring", !r.config.Health.Disabled,
		"hot_reload", r.watcher != nil)
	return nil
}

func (r *Registry) stopBackground() {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	if !r.running {
		return
	}
	r.health.stop()
	if r.watcher != nil {
		r.watcher.stop()
	}
	r.running = false
}

// RegisterOption customizes Register.
type RegisterOption func(*registerOptions)

type registerOptions struct {
	manifest *PluginManifest
}

// WithManifest supplies the manifest of a manually registered plugin. Its
// name must match the plugin name; trusted is forced to true.
func WithManifest(m *PluginManifest) RegisterOption {
	return func(o *registerOptions) { o.manifest = m }
}

// Register adds a manually supplied plugin instance. Manual plugins are
// always trusted but still pass the security and compatibility gates.
// The plugin starts UNLOADED; Load initializes it in its sandbox.
func (r *Registry) Register(plugin Plugin, opts ...RegisterOption) error {
	if plugin == nil {
		return NewStructuralValidationError("", []string{"plugin instance is nil"})
	}
	var o registerOptions
	for _, opt := range opts {
		opt(&o)
	}

	name := plugin.Name()
	m := o.manifest.Clone()
	if m == nil {
		m = &PluginManifest{Name: name, Version: plugin.Version(), Loader: LoaderStatic}
	}
	m.applyDefaults()
	m.Trusted = true
	if m.Version == "" {
		m.Version = plugin.Version()
	}

	var problems []string
	if name == "" {
		problems = append(problems, "plugin name is empty")
	} else if err := validatePluginName(name); err != nil {
		problems = append(problems, err.Error())
	}
	if m.Name != name {
		problems = append(problems, "manifest name "+m.Name+" does not match plugin name "+name)
	}
	if len(problems) > 0 {
		return NewStructuralValidationError(name, problems)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.plugins[name]; exists {
		return NewDuplicatePluginError(name)
	}
	if err := r.validateSecurityLocked(m, true); err != nil {
		r.audit.record(AuditPluginRejected, name, err.Error(), nil)
		return err
	}
	check := r.checkCompatibilityLocked(m, nil)
	if !check.Compatible() {
		r.audit.record(AuditPluginRejected, name, check.String(), nil)
		return NewCompatibilityRejectedError(name, check.Errors)
	}
	r.logCompatibilityWarnings(check)

	r.plugins[name] = &pluginRecord{
		info: PluginInfo{
			Name:     name,
			Manifest: m,
			State:    r.initialStateLocked(name),
			Manual:   true,
		},
		provided: plugin,
	}
	r.logger.Info("Plugin registered", "plugin", name, "version", m.Version, "manual", true)
	r.audit.record(AuditPluginRegistered, name, "manual registration", map[string]interface{}{"version": m.Version})
	return nil
}

// Unregister unloads the plugin if needed and forgets it. Quarantine
// membership is kept.
func (r *Registry) Unregister(ctx context.Context, name string) error {
	rec, err := r.lockRecord(name)
	if err != nil {
		return err
	}
	defer rec.loadMu.Unlock()

	r.unloadLocked(ctx, rec)

	r.mu.Lock()
	if r.plugins[name] == rec {
		delete(r.plugins, name)
	}
	r.mu.Unlock()

	if r.watcher != nil {
		r.watcher.forget(name)
	}
	r.logger.Info("Plugin unregistered", "plugin", name)
	return nil
}

// Get returns the live instance of a plugin, loading it when needed.
func (r *Registry) Get(ctx context.Context, name string) (Plugin, error) {
	return r.Load(ctx, name)
}

// ListPlugins returns a snapshot of every registered plugin, sorted by name.
func (r *Registry) ListPlugins() []PluginInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PluginInfo, 0, len(r.plugins))
	for _, rec := range r.plugins {
		out = append(out, r.snapshotLocked(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetPluginInfo returns a snapshot of one plugin.
func (r *Registry) GetPluginInfo(name string) (PluginInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.plugins[name]
	if !ok {
		return PluginInfo{}, NewPluginNotFoundError(name)
	}
	return r.snapshotLocked(rec), nil
}

// GetLoadedPlugins returns the names of LOADED plugins, sorted.
func (r *Registry) GetLoadedPlugins() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for name, rec := range r.plugins {
		if rec.info.State == StateLoaded {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Violations returns a copy of the registry-wide violation history.
func (r *Registry) Violations() []SecurityViolation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.violations)
}

// Cleanup stops background loops, unloads every plugin concurrently and
// closes the audit trail. The registry stays usable for inspection.
func (r *Registry) Cleanup(ctx context.Context) error {
	r.stopBackground()

	r.mu.RLock()
	names := make([]string, 0, len(r.plugins))
	for name, rec := range r.plugins {
		if rec.info.State == StateLoaded {
			names = append(names, name)
		}
	}
	r.mu.RUnlock()

	var g errgroup.Group
	for _, name := range names {
		g.Go(func() error {
			if err := r.Unload(ctx, name); err != nil && !HasErrorCode(err, ErrCodePluginNotFound) {
				return err
			}
			return nil
		})
	}
	err := g.Wait()

	r.teardown.Wait()
	r.health.shutdown()
	if auditErr := r.audit.Close(); auditErr != nil && err == nil {
		err = auditErr
	}
	r.logger.Info("Plugin registry cleaned up", "unloaded", len(names))
	return err
}

// lockRecord returns the record of name with its loadMu held. The caller
// must unlock it.
func (r *Registry) lockRecord(name string) (*pluginRecord, error) {
	r.mu.RLock()
	rec, ok := r.plugins[name]
	r.mu.RUnlock()
	if !ok {
		return nil, NewPluginNotFoundError(name)
	}

	rec.loadMu.Lock()
	r.mu.RLock()
	current := r.plugins[name] == rec
	r.mu.RUnlock()
	if !current {
		rec.loadMu.Unlock()
		return nil, NewPluginNotFoundError(name)
	}
	return rec, nil
}

// snapshotLocked copies the public state of rec. Requires r.mu.
func (r *Registry) snapshotLocked(rec *pluginRecord) PluginInfo {
	info := rec.info
	info.Manifest = rec.info.Manifest.Clone()
	_, info.Quarantined = r.quarantined[rec.info.Name]
	if rec.sandbox != nil {
		stats := rec.sandbox.Stats()
		info.PeakMemoryMB = max(info.PeakMemoryMB, stats.PeakMemoryMB)
		info.PeakCPUPercent = max(info.PeakCPUPercent, stats.PeakCPUPercent)
	}
	return info
}

// detachLocked releases the live instance and sandbox of rec, folding the
// sandbox peaks and imports into the record. Requires r.mu held for writing.
func (r *Registry) detachLocked(rec *pluginRecord) (Plugin, *Sandbox) {
	instance, sandbox := rec.instance, rec.sandbox
	rec.instance, rec.sandbox = nil, nil
	if sandbox != nil {
		stats := sandbox.Stats()
		rec.info.PeakMemoryMB = max(rec.info.PeakMemoryMB, stats.PeakMemoryMB)
		rec.info.PeakCPUPercent = max(rec.info.PeakCPUPercent, stats.PeakCPUPercent)
		if rec.imported == nil {
			rec.imported = make(map[string]struct{})
		}
		for _, m := range sandbox.ImportedModules() {
			rec.imported[m] = struct{}{}
		}
	}
	return instance, sandbox
}

// loadedCountLocked counts LOADED plugins. Requires r.mu.
func (r *Registry) loadedCountLocked() int {
	n := 0
	for _, rec := range r.plugins {
		if rec.info.State == StateLoaded {
			n++
		}
	}
	return n
}

func (r *Registry) newSandbox(m *PluginManifest) *Sandbox {
	sb := NewSandbox(m, SandboxOptions{
		Logger:            r.logger,
		Sampler:           r.sampler,
		Limiter:           r.limiter,
		Metrics:           r.metrics,
		MonitorInterval:   r.config.MonitorInterval,
		DisableMonitoring: r.config.DisableResourceMonitoring,
	})
	sb.OnViolation(r.handleViolation)
	return sb
}
