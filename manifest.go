// manifest.go: Plugin manifest schema, loading and structural validation
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gosandbox

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/agilira/argus"
	"gopkg.in/yaml.v3"
)

// ManifestFileName is the descriptor looked up in every plugin directory.
// manifest.yaml and manifest.yml are accepted as alternates.
const ManifestFileName = "manifest.json"

var manifestFileNames = []string{ManifestFileName, "manifest.yaml", "manifest.yml"}

// SandboxLevel selects how strictly the capability policy is applied.
type SandboxLevel string

const (
	// SandboxStrict applies the deny-list and the allow-list.
	SandboxStrict SandboxLevel = "strict"
	// SandboxModerate applies only the deny-list.
	SandboxModerate SandboxLevel = "moderate"
	// SandboxRelaxed applies only the deny-list and skips OS resource limits.
	SandboxRelaxed SandboxLevel = "relaxed"
)

// Valid reports whether l is one of the known levels.
func (l SandboxLevel) Valid() bool {
	switch l {
	case SandboxStrict, SandboxModerate, SandboxRelaxed:
		return true
	}
	return false
}

// Manifest defaults
const (
	DefaultTimeoutSeconds     = 30.0
	DefaultMaxMemoryMB        = 512
	DefaultMaxCPUPercent      = 80.0
	DefaultMaxThreads         = 2
	DefaultMaxFileDescriptors = 64
	DefaultAPIVersion         = "1.0"
)

// DefaultAllowedModules are pure computation and serialization packages.
func DefaultAllowedModules() []string {
	return []string{
		"math", "sort", "strings", "strconv", "bytes", "unicode", "time",
		"container", "errors", "fmt", "context", "regexp", "hash",
		"crypto/sha256", "encoding/json", "encoding/csv", "encoding/base64",
	}
}

// DefaultForbiddenModules cover process control, networking, and unsafe or dynamic code.
func DefaultForbiddenModules() []string {
	return []string{
		"os", "os/exec", "syscall", "net", "plugin", "unsafe",
		"runtime/debug", "reflect",
	}
}

// PluginManifest is the on-disk descriptor of a plugin.
type PluginManifest struct {
	// Identity
	Name        string `json:"name" yaml:"name"`
	Version     string `json:"version" yaml:"version"`
	Author      string `json:"author,omitempty" yaml:"author,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Entry point: file relative to the manifest directory and the symbol to
	// instantiate. MainClass is accepted as an alias of EntrySymbol.
	EntryPoint  string `json:"entry_point" yaml:"entry_point"`
	EntrySymbol string `json:"entry_symbol,omitempty" yaml:"entry_symbol,omitempty"`
	MainClass   string `json:"main_class,omitempty" yaml:"main_class,omitempty"`
	Loader      string `json:"loader,omitempty" yaml:"loader,omitempty"`

	// Compatibility constraints
	RequiresPlatformVersion string            `json:"requires_platform_version,omitempty" yaml:"requires_platform_version,omitempty"`
	APIVersion              string            `json:"api_version,omitempty" yaml:"api_version,omitempty"`
	MinAPIVersion           string            `json:"min_api_version,omitempty" yaml:"min_api_version,omitempty"`
	MaxAPIVersion           string            `json:"max_api_version,omitempty" yaml:"max_api_version,omitempty"`
	RuntimeVersion          string            `json:"runtime_version,omitempty" yaml:"runtime_version,omitempty"`
	Dependencies            map[string]string `json:"plugin_dependencies,omitempty" yaml:"plugin_dependencies,omitempty"`
	Conflicts               []string          `json:"conflicts,omitempty" yaml:"conflicts,omitempty"`

	// Security profile
	Trusted          bool         `json:"trusted" yaml:"trusted"`
	SandboxLevel     SandboxLevel `json:"sandbox_level,omitempty" yaml:"sandbox_level,omitempty"`
	AllowedModules   []string     `json:"allowed_modules,omitempty" yaml:"allowed_modules,omitempty"`
	ForbiddenModules []string     `json:"forbidden_modules,omitempty" yaml:"forbidden_modules,omitempty"`

	// Resource caps
	TimeoutSeconds     float64 `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	MaxMemoryMB        int     `json:"max_memory_mb,omitempty" yaml:"max_memory_mb,omitempty"`
	MaxCPUPercent      float64 `json:"max_cpu_percent,omitempty" yaml:"max_cpu_percent,omitempty"`
	MaxThreads         int     `json:"max_threads,omitempty" yaml:"max_threads,omitempty"`
	MaxFileDescriptors int     `json:"max_file_descriptors,omitempty" yaml:"max_file_descriptors,omitempty"`
	RateLimit          float64 `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`

	// Dir is the directory holding the manifest; entry points resolve against it.
	Dir string `json:"-" yaml:"-"`
}

// LoadManifest reads and parses the manifest at path. The decoder follows the
// file extension (.json, .yaml, .yml); other names get ParseManifest's JSON
// then YAML fallback. Defaults are applied; structural validation is separate.
func LoadManifest(path string) (*PluginManifest, error) {
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) // #nosec G304 - manifest paths come from configured plugin directories
	if err != nil {
		return nil, NewManifestLoadError(path, err)
	}
	m, err := parseManifestFormat(data, argus.DetectFormat(cleanPath))
	if err != nil {
		return nil, NewManifestLoadError(path, err)
	}
	if abs, absErr := filepath.Abs(filepath.Dir(cleanPath)); absErr == nil {
		m.Dir = abs
	} else {
		m.Dir = filepath.Dir(cleanPath)
	}
	return m, nil
}

// ParseManifest decodes manifest bytes and applies defaults.
func ParseManifest(data []byte) (*PluginManifest, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("manifest is empty")
	}

	var m PluginManifest
	if jsonErr := json.Unmarshal(data, &m); jsonErr != nil {
		m = PluginManifest{}
		if yamlErr := yaml.Unmarshal(data, &m); yamlErr != nil {
			return nil, fmt.Errorf("manifest is neither valid JSON (%v) nor valid YAML (%v)", jsonErr, yamlErr)
		}
	}
	m.applyDefaults()
	return &m, nil
}

func parseManifestFormat(data []byte, format argus.ConfigFormat) (*PluginManifest, error) {
	var m PluginManifest
	switch format {
	case argus.FormatJSON:
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("invalid JSON manifest: %w", err)
		}
	case argus.FormatYAML:
		if len(strings.TrimSpace(string(data))) == 0 {
			return nil, fmt.Errorf("manifest is empty")
		}
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("invalid YAML manifest: %w", err)
		}
	default:
		return ParseManifest(data)
	}
	m.applyDefaults()
	return &m, nil
}

func (m *PluginManifest) applyDefaults() {
	if m.EntrySymbol == "" {
		m.EntrySymbol = m.MainClass
	}
	if m.SandboxLevel == "" {
		m.SandboxLevel = SandboxStrict
	}
	if m.APIVersion == "" {
		m.APIVersion = DefaultAPIVersion
	}
	if m.TimeoutSeconds <= 0 {
		m.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if m.MaxMemoryMB <= 0 {
		m.MaxMemoryMB = DefaultMaxMemoryMB
	}
	if m.MaxCPUPercent <= 0 {
		m.MaxCPUPercent = DefaultMaxCPUPercent
	}
	if m.MaxThreads <= 0 {
		m.MaxThreads = DefaultMaxThreads
	}
	if m.MaxFileDescriptors <= 0 {
		m.MaxFileDescriptors = DefaultMaxFileDescriptors
	}
	if m.AllowedModules == nil {
		m.AllowedModules = DefaultAllowedModules()
	}
	if m.ForbiddenModules == nil {
		m.ForbiddenModules = DefaultForbiddenModules()
	}
}

// EntryPointPath resolves the entry point against the manifest directory.
func (m *PluginManifest) EntryPointPath() string {
	if filepath.IsAbs(m.EntryPoint) || m.Dir == "" {
		return m.EntryPoint
	}
	return filepath.Join(m.Dir, m.EntryPoint)
}

// ValidateStructure checks required fields, name safety and that the entry
// point exists on disk. Every problem found is reported.
func (m *PluginManifest) ValidateStructure() error {
	var problems []string
	required := []struct{ field, value string }{
		{"name", m.Name},
		{"version", m.Version},
		{"entry_point", m.EntryPoint},
		{"entry_symbol", m.EntrySymbol},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			problems = append(problems, r.field+" is required")
		}
	}

	if m.Name != "" {
		if err := validatePluginName(m.Name); err != nil {
			problems = append(problems, err.Error())
		}
	}

	if m.EntryPoint != "" {
		if strings.Contains(m.EntryPoint, "..") || strings.Contains(m.EntryPoint, "\x00") ||
			filepath.IsAbs(m.EntryPoint) || strings.HasPrefix(m.EntryPoint, "/") {
			problems = append(problems, "entry_point must stay inside the plugin directory")
		} else if info, err := os.Stat(m.EntryPointPath()); err != nil {
			problems = append(problems, fmt.Sprintf("entry_point %q not found", m.EntryPoint))
		} else if info.IsDir() {
			problems = append(problems, fmt.Sprintf("entry_point %q is a directory", m.EntryPoint))
		}
	}

	if len(problems) > 0 {
		return NewStructuralValidationError(m.Name, problems)
	}
	return nil
}

// validatePluginName rejects names usable for path traversal or shell injection.
func validatePluginName(name string) error {
	if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("name %q contains path separators", name)
	}
	for _, r := range name {
		if r < 32 || r == 127 {
			return fmt.Errorf("name %q contains control characters", name)
		}
	}
	if strings.ContainsAny(name, "~|&;$`()[]{}<> ") {
		return fmt.Errorf("name %q contains reserved characters", name)
	}
	return nil
}

// Clone returns a deep copy.
func (m *PluginManifest) Clone() *PluginManifest {
	if m == nil {
		return nil
	}
	c := *m
	c.Dependencies = maps.Clone(m.Dependencies)
	c.Conflicts = slices.Clone(m.Conflicts)
	c.AllowedModules = slices.Clone(m.AllowedModules)
	c.ForbiddenModules = slices.Clone(m.ForbiddenModules)
	return &c
}

// findManifest returns the manifest file inside dir, if any.
func findManifest(dir string) (string, bool) {
	for _, name := range manifestFileNames {
		p := filepath.Join(dir, name)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, true
		}
	}
	return "", false
}
