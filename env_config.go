// env_config.go: Environment variable expansion and overrides for registry configuration
//
// Configuration files may reference environment variables with ${VAR} or
// ${VAR:-default}. After parsing, selected fields can be overridden by
// prefixed environment variables (GOSANDBOX_MAX_PLUGINS=20, ...).
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gosandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// EnvConfigOptions configures environment variable processing.
type EnvConfigOptions struct {
	// Prefix for environment variables (e.g., "GOSANDBOX_")
	Prefix string `json:"prefix" yaml:"prefix"`

	// Whether to fail when a referenced variable has no value
	FailOnMissing bool `json:"fail_on_missing" yaml:"fail_on_missing"`

	// Whether to reject values with null bytes, control characters or excessive length
	ValidateValues bool `json:"validate_values" yaml:"validate_values"`

	// Whether prefixed variables override parsed configuration fields
	AllowOverrides bool `json:"allow_overrides" yaml:"allow_overrides"`

	// Default values for undefined variables
	Defaults map[string]string `json:"defaults,omitempty" yaml:"defaults,omitempty"`
}

// DefaultEnvConfigOptions returns the options used by LoadRegistryConfig.
func DefaultEnvConfigOptions() EnvConfigOptions {
	return EnvConfigOptions{
		Prefix:         "GOSANDBOX_",
		FailOnMissing:  false,
		ValidateValues: true,
		AllowOverrides: true,
		Defaults:       make(map[string]string),
	}
}

var envVariablePattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// ExpandEnvironmentVariables expands ${VAR} and ${VAR:-default} in input.
//
// Resolution order: prefixed variable, plain variable, inline default,
// configured default, then empty string (or an error with FailOnMissing).
func ExpandEnvironmentVariables(input string, options EnvConfigOptions) (string, error) {
	if input == "" {
		return input, nil
	}

	var firstErr error
	result := envVariablePattern.ReplaceAllStringFunc(input, func(match string) string {
		submatches := envVariablePattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}
		inlineDefault := ""
		if len(submatches) >= 4 {
			inlineDefault = submatches[3]
		}

		expanded, err := expandSingleEnvironmentVariable(submatches[1], inlineDefault, options)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return match
		}
		return expanded
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

func expandSingleEnvironmentVariable(varName, inlineDefault string, options EnvConfigOptions) (string, error) {
	prefixedName := options.Prefix + varName
	if value := os.Getenv(prefixedName); value != "" {
		return validateAndSanitizeValue(value, options)
	}
	if value := os.Getenv(varName); value != "" {
		return validateAndSanitizeValue(value, options)
	}
	if inlineDefault != "" {
		return validateAndSanitizeValue(inlineDefault, options)
	}
	if value, exists := options.Defaults[varName]; exists {
		return validateAndSanitizeValue(value, options)
	}

	if options.FailOnMissing {
		return "", NewConfigValidationError(fmt.Sprintf("required environment variable not found: %s (also tried %s)", varName, prefixedName), nil)
	}
	return "", nil
}

func validateAndSanitizeValue(value string, options EnvConfigOptions) (string, error) {
	if !options.ValidateValues {
		return value, nil
	}
	if strings.Contains(value, "\x00") {
		return "", NewConfigValidationError("environment variable value contains null byte", nil)
	}

	maxLength := 4096
	if len(value) > maxLength {
		return "", NewConfigValidationError(fmt.Sprintf("environment variable value too long: %d bytes (max %d)", len(value), maxLength), nil)
	}
	for i, r := range value {
		if r < 32 && r != '\t' && r != '\n' && r != '\r' {
			return "", NewConfigValidationError(fmt.Sprintf("environment variable contains control character at position %d", i), nil)
		}
	}
	return value, nil
}

// applyEnvOverrides overrides configuration fields from prefixed variables.
func applyEnvOverrides(cfg *RegistryConfig, options EnvConfigOptions) error {
	if !options.AllowOverrides {
		return nil
	}
	lookup := func(key string) (string, bool) {
		v, ok := os.LookupEnv(options.Prefix + key)
		return v, ok && v != ""
	}

	if v, ok := lookup("PLUGIN_DIRS"); ok {
		cfg.PluginDirectories = filepath.SplitList(v)
	}
	if v, ok := lookup("PLATFORM_VERSION"); ok {
		cfg.PlatformVersion = v
	}
	if v, ok := lookup("API_VERSION"); ok {
		cfg.APIVersion = v
	}
	if v, ok := lookup("AUDIT_FILE"); ok {
		cfg.Audit.Enabled = true
		cfg.Audit.OutputFile = v
	}

	bools := map[string]*bool{
		"ALLOW_UNTRUSTED":   &cfg.AllowUntrusted,
		"DISABLE_OS_LIMITS": &cfg.DisableOSLimits,
		"HOT_RELOAD":        &cfg.HotReload.Enabled,
	}
	for key, target := range bools {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return NewConfigValidationError(options.Prefix+key+" must be a boolean", err)
			}
			*target = b
		}
	}

	ints := map[string]*int{
		"MAX_PLUGINS":          &cfg.MaxPlugins,
		"QUARANTINE_THRESHOLD": &cfg.QuarantineThreshold,
	}
	for key, target := range ints {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return NewConfigValidationError(options.Prefix+key+" must be an integer", err)
			}
			*target = n
		}
	}

	if v, ok := lookup("HEALTH_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return NewConfigValidationError(options.Prefix+"HEALTH_INTERVAL must be a duration", err)
		}
		cfg.Health.Interval = d
	}
	return nil
}
