// config.go: Registry configuration, defaults and file loading
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gosandbox

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/agilira/argus"
	"gopkg.in/yaml.v3"
)

// Registry defaults.
const (
	DefaultPlatformVersion     = "1.0.0"
	DefaultMaxPlugins          = 100
	DefaultQuarantineThreshold = 5
	DefaultCleanupTimeout      = 5 * time.Second
	DefaultManifestCacheSize   = 128
)

// HealthConfig configures periodic health evaluation of loaded plugins.
//
// Built-in checks flag plugins whose error rate, peak memory or violation
// count crosses a threshold, or that have been idle longer than
// InactivityThreshold. Rules are additional CEL expressions; a rule that
// evaluates to true marks the plugin unhealthy. Available variables:
// calls, errors, error_rate, violations, peak_memory_mb, idle_seconds, state.
type HealthConfig struct {
	Disabled            bool          `json:"disabled" yaml:"disabled"`
	Interval            time.Duration `json:"interval" yaml:"interval"`
	RetryInterval       time.Duration `json:"retry_interval" yaml:"retry_interval"`
	InactivityThreshold time.Duration `json:"inactivity_threshold" yaml:"inactivity_threshold"`
	ErrorRateThreshold  float64       `json:"error_rate_threshold" yaml:"error_rate_threshold"`
	PeakMemoryMB        float64       `json:"peak_memory_mb" yaml:"peak_memory_mb"`
	MaxViolations       int           `json:"max_violations" yaml:"max_violations"`
	Rules               []string      `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// AuditConfig configures the security audit trail.
type AuditConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	OutputFile string `json:"output_file,omitempty" yaml:"output_file,omitempty"`
}

// HotReloadConfig configures manifest watching. A changed manifest triggers
// Upgrade of the plugin it describes.
type HotReloadConfig struct {
	Enabled      bool          `json:"enabled" yaml:"enabled"`
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// Discovery
	PluginDirectories []string `json:"plugin_directories" yaml:"plugin_directories"`
	ManifestCacheSize int      `json:"manifest_cache_size" yaml:"manifest_cache_size"`

	// Compatibility targets
	PlatformVersion string `json:"platform_version" yaml:"platform_version"`
	APIVersion      string `json:"api_version" yaml:"api_version"`
	RuntimeVersion  string `json:"runtime_version" yaml:"runtime_version"`

	// Security
	AllowUntrusted      bool `json:"allow_untrusted" yaml:"allow_untrusted"`
	MaxPlugins          int  `json:"max_plugins" yaml:"max_plugins"`
	QuarantineThreshold int  `json:"quarantine_threshold" yaml:"quarantine_threshold"`

	// Sandboxing
	CleanupTimeout            time.Duration `json:"cleanup_timeout" yaml:"cleanup_timeout"`
	MonitorInterval           time.Duration `json:"monitor_interval" yaml:"monitor_interval"`
	DisableResourceMonitoring bool          `json:"disable_resource_monitoring" yaml:"disable_resource_monitoring"`
	DisableOSLimits           bool          `json:"disable_os_limits" yaml:"disable_os_limits"`

	Health    HealthConfig    `json:"health" yaml:"health"`
	Audit     AuditConfig     `json:"audit" yaml:"audit"`
	HotReload HotReloadConfig `json:"hot_reload" yaml:"hot_reload"`

	// Logging
	Logger Logger `json:"-" yaml:"-"`
}

// DefaultRegistryConfig returns a configuration with every default applied.
func DefaultRegistryConfig() RegistryConfig {
	var cfg RegistryConfig
	setConfigDefaults(&cfg)
	return cfg
}

// setConfigDefaults sets default values for unspecified config fields.
func setConfigDefaults(config *RegistryConfig) {
	if config.Logger == nil {
		config.Logger = DefaultLogger()
	}
	if config.PlatformVersion == "" {
		config.PlatformVersion = DefaultPlatformVersion
	}
	if config.APIVersion == "" {
		config.APIVersion = DefaultAPIVersion
	}
	if config.RuntimeVersion == "" {
		config.RuntimeVersion = hostRuntimeVersion()
	}
	if config.MaxPlugins <= 0 {
		config.MaxPlugins = DefaultMaxPlugins
	}
	if config.QuarantineThreshold <= 0 {
		config.QuarantineThreshold = DefaultQuarantineThreshold
	}
	if config.CleanupTimeout <= 0 {
		config.CleanupTimeout = DefaultCleanupTimeout
	}
	if config.MonitorInterval <= 0 {
		config.MonitorInterval = DefaultMonitorInterval
	}
	if config.ManifestCacheSize == 0 {
		config.ManifestCacheSize = DefaultManifestCacheSize
	}

	h := &config.Health
	if h.Interval <= 0 {
		h.Interval = 30 * time.Second
	}
	if h.RetryInterval <= 0 {
		h.RetryInterval = 5 * time.Second
	}
	if h.InactivityThreshold <= 0 {
		h.InactivityThreshold = time.Hour
	}
	if h.ErrorRateThreshold <= 0 {
		h.ErrorRateThreshold = 0.5
	}
	if h.PeakMemoryMB <= 0 {
		h.PeakMemoryMB = float64(DefaultMaxMemoryMB)
	}
	if h.MaxViolations <= 0 {
		h.MaxViolations = 10
	}

	if config.HotReload.PollInterval <= 0 {
		config.HotReload.PollInterval = 2 * time.Second
	}
}

// hostRuntimeVersion is the Go version of the host, without the "go" prefix.
func hostRuntimeVersion() string {
	return strings.TrimPrefix(runtime.Version(), "go")
}

// Validate checks values that defaults cannot repair.
func (c *RegistryConfig) Validate() error {
	if ParseVersion(c.PlatformVersion) == (Version{}) && c.PlatformVersion != "0.0.0" {
		return NewConfigValidationError("platform_version is not a valid version: "+c.PlatformVersion, nil)
	}
	if c.Health.ErrorRateThreshold > 1 {
		return NewConfigValidationError("health.error_rate_threshold must be within (0, 1]", nil)
	}
	for _, dir := range c.PluginDirectories {
		if strings.TrimSpace(dir) == "" {
			return NewConfigValidationError("plugin_directories contains an empty path", nil)
		}
	}
	if c.Audit.Enabled && c.Audit.OutputFile == "" {
		return NewConfigValidationError("audit.output_file is required when audit is enabled", nil)
	}
	return nil
}

// LoadRegistryConfig reads a JSON or YAML configuration file.
//
// ${VAR} and ${VAR:-default} references are expanded before parsing,
// GOSANDBOX_* variables then override individual fields, defaults are
// applied and the result is validated. Durations are written as Go
// duration strings ("30s", "1h").
func LoadRegistryConfig(path string) (RegistryConfig, error) {
	return LoadRegistryConfigWithOptions(path, DefaultEnvConfigOptions())
}

// LoadRegistryConfigWithOptions is LoadRegistryConfig with explicit
// environment processing options.
func LoadRegistryConfigWithOptions(path string, options EnvConfigOptions) (RegistryConfig, error) {
	var cfg RegistryConfig

	switch argus.DetectFormat(path) {
	case argus.FormatJSON, argus.FormatYAML:
	default:
		return cfg, NewConfigParseError(path, NewConfigValidationError("unsupported configuration format, expected .json, .yaml or .yml", nil))
	}

	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 - configuration path supplied by the operator
	if err != nil {
		return cfg, NewConfigParseError(path, err)
	}
	expanded, err := ExpandEnvironmentVariables(string(data), options)
	if err != nil {
		return cfg, NewConfigParseError(path, err)
	}

	// JSON is a subset of YAML, so one decoder serves both formats.
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return cfg, NewConfigParseError(path, err)
	}
	if err := applyEnvOverrides(&cfg, options); err != nil {
		return cfg, err
	}
	setConfigDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
