// errors.go: structured error definitions for the plugin sandbox
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gosandbox

import (
	stderrors "errors"
	"strings"

	"github.com/agilira/go-errors"
)

// Error codes for the sandbox and registry
const (
	// Manifest errors (1000-1099)
	ErrCodeManifestLoad         = "MANIFEST_1001"
	ErrCodeStructuralValidation = "MANIFEST_1002"

	// Security errors (1200-1299)
	ErrCodeSecurityRejected = "SECURITY_1201"
	ErrCodeCapabilityDenied = "SECURITY_1202"

	// Plugin lifecycle errors (1300-1399)
	ErrCodeCompatibilityRejected = "PLUGIN_1301"
	ErrCodePluginNotFound        = "PLUGIN_1302"
	ErrCodePluginQuarantined     = "PLUGIN_1303"
	ErrCodePluginInErrorState    = "PLUGIN_1304"
	ErrCodeInitializationFailed  = "PLUGIN_1305"
	ErrCodeDuplicatePlugin       = "PLUGIN_1306"
	ErrCodeInvalidTransition     = "PLUGIN_1307"

	// Execution errors (1400-1499)
	ErrCodeExecutionTimeout  = "EXEC_1401"
	ErrCodeExecutionFailed   = "EXEC_1402"
	ErrCodeMethodNotFound    = "EXEC_1403"
	ErrCodeRateLimitExceeded = "EXEC_1404"
	ErrCodeSandboxClosed     = "EXEC_1405"
	ErrCodeCallFailed        = "EXEC_1406"

	// Configuration errors (1500-1599)
	ErrCodeConfigParse      = "CONFIG_1501"
	ErrCodeConfigValidation = "CONFIG_1502"

	// Registry errors (1600-1699)
	ErrCodeLoaderError   = "REGISTRY_1601"
	ErrCodeUpgradeFailed = "REGISTRY_1602"
	ErrCodeAuditError    = "REGISTRY_1603"
)

// wrapOrNew keeps constructors usable with a nil cause.
func wrapOrNew(cause error, code errors.ErrorCode, msg string) *errors.Error {
	if cause == nil {
		return errors.New(code, msg)
	}
	return errors.Wrap(cause, code, msg)
}

// HasErrorCode reports whether err or any error in its cause chain carries code.
func HasErrorCode(err error, code string) bool {
	for err != nil {
		if e, ok := err.(*errors.Error); ok {
			if e.ErrorCode() == errors.ErrorCode(code) {
				return true
			}
			err = e.Cause
			continue
		}
		err = stderrors.Unwrap(err)
	}
	return false
}

// errorDetail is err's message, completed with the root cause when the
// message does not already include it.
func errorDetail(err error) string {
	msg := err.Error()
	root, depth := err, 0
	for {
		var next error
		if e, ok := root.(*errors.Error); ok {
			next = e.Cause
		} else {
			next = stderrors.Unwrap(root)
		}
		if next == nil {
			break
		}
		root = next
		depth++
	}
	if depth > 0 && !strings.Contains(msg, root.Error()) {
		msg += ": " + root.Error()
	}
	return msg
}

// Manifest error constructors

func NewManifestLoadError(path string, cause error) *errors.Error {
	return wrapOrNew(cause, ErrCodeManifestLoad, "Failed to load plugin manifest").
		WithUserMessage("The plugin manifest could not be read or parsed").
		WithContext("manifest_path", path).
		WithSeverity("error")
}

func NewStructuralValidationError(name string, problems []string) *errors.Error {
	return errors.New(ErrCodeStructuralValidation, "Manifest failed structural validation: "+strings.Join(problems, "; ")).
		WithUserMessage("The plugin manifest is incomplete or references missing files").
		WithContext("plugin_name", name).
		WithContext("problems", problems).
		WithSeverity("error")
}

// Security error constructors

func NewSecurityRejectedError(name string, reason string) *errors.Error {
	return errors.New(ErrCodeSecurityRejected, "Plugin rejected by security policy: "+reason).
		WithUserMessage("The plugin does not satisfy the registry security policy").
		WithContext("plugin_name", name).
		WithContext("reason", reason).
		WithSeverity("error")
}

func NewCapabilityDeniedError(name string, capability string, reason string) *errors.Error {
	return errors.New(ErrCodeCapabilityDenied, "Capability denied: "+capability).
		WithUserMessage("The plugin attempted to use a capability it is not allowed to use").
		WithContext("plugin_name", name).
		WithContext("capability", capability).
		WithContext("reason", reason).
		WithSeverity("critical")
}

// Plugin lifecycle error constructors

// NewCompatibilityRejectedError carries every accumulated compatibility error.
func NewCompatibilityRejectedError(name string, problems []string) *errors.Error {
	return errors.New(ErrCodeCompatibilityRejected, "Plugin is not compatible: "+strings.Join(problems, "; ")).
		WithUserMessage("The plugin is not compatible with this platform or its dependencies").
		WithContext("plugin_name", name).
		WithContext("errors", problems).
		WithSeverity("error")
}

func NewPluginNotFoundError(name string) *errors.Error {
	return errors.New(ErrCodePluginNotFound, "Plugin not found").
		WithUserMessage("The requested plugin is not registered").
		WithContext("plugin_name", name).
		WithSeverity("error")
}

func NewPluginQuarantinedError(name string) *errors.Error {
	return errors.New(ErrCodePluginQuarantined, "Plugin is quarantined").
		WithUserMessage("The plugin has been quarantined and must be released before use").
		WithContext("plugin_name", name).
		WithSeverity("warning")
}

func NewPluginInErrorStateError(name string, lastError string) *errors.Error {
	return errors.New(ErrCodePluginInErrorState, "Plugin is in error state").
		WithUserMessage("The plugin failed previously and must be reset before loading").
		WithContext("plugin_name", name).
		WithContext("last_error", lastError).
		WithSeverity("error")
}

func NewInitializationFailedError(name string, cause error) *errors.Error {
	return wrapOrNew(cause, ErrCodeInitializationFailed, "Plugin initialization failed").
		WithUserMessage("The plugin could not be instantiated or initialized").
		WithContext("plugin_name", name).
		WithSeverity("error")
}

func NewDuplicatePluginError(name string) *errors.Error {
	return errors.New(ErrCodeDuplicatePlugin, "Plugin already registered").
		WithUserMessage("A plugin with the same name is already registered").
		WithContext("plugin_name", name).
		WithSeverity("warning")
}

func NewInvalidTransitionError(name string, from, to PluginState) *errors.Error {
	return errors.New(ErrCodeInvalidTransition, "Invalid plugin state transition").
		WithContext("plugin_name", name).
		WithContext("from", from.String()).
		WithContext("to", to.String()).
		WithSeverity("error")
}

// Execution error constructors

func NewExecutionTimeoutError(name string, timeout interface{}) *errors.Error {
	return errors.New(ErrCodeExecutionTimeout, "Plugin execution timed out").
		WithUserMessage("The plugin operation exceeded its time limit").
		WithContext("plugin_name", name).
		WithContext("timeout", timeout).
		WithSeverity("error")
}

func NewExecutionFailedError(name string, cause error) *errors.Error {
	return wrapOrNew(cause, ErrCodeExecutionFailed, "Plugin execution failed").
		WithUserMessage("The plugin failed to execute the requested operation").
		WithContext("plugin_name", name).
		WithSeverity("error")
}

func NewMethodNotFoundError(name, method string) *errors.Error {
	return errors.New(ErrCodeMethodNotFound, "Plugin method not found").
		WithUserMessage("The plugin does not expose the requested method").
		WithContext("plugin_name", name).
		WithContext("method", method).
		WithSeverity("error")
}

func NewRateLimitExceededError(name string, limit interface{}) *errors.Error {
	return errors.New(ErrCodeRateLimitExceeded, "Plugin rate limit exceeded").
		WithUserMessage("Too many calls to the plugin, retry later").
		WithContext("plugin_name", name).
		WithContext("limit", limit).
		WithSeverity("warning").
		AsRetryable()
}

func NewSandboxClosedError(name string) *errors.Error {
	return errors.New(ErrCodeSandboxClosed, "Sandbox is closed").
		WithContext("plugin_name", name).
		WithSeverity("error")
}

// NewCallFailedError is the registry-level wrapper around sandbox failures.
func NewCallFailedError(name, method string, cause error) *errors.Error {
	return wrapOrNew(cause, ErrCodeCallFailed, "Plugin call failed").
		WithUserMessage("The plugin call did not complete successfully").
		WithContext("plugin_name", name).
		WithContext("method", method).
		WithSeverity("error")
}

// Configuration error constructors

func NewConfigParseError(path string, cause error) *errors.Error {
	return wrapOrNew(cause, ErrCodeConfigParse, "Failed to parse configuration").
		WithUserMessage("Configuration file contains invalid syntax").
		WithContext("config_path", path).
		WithSeverity("error")
}

func NewConfigValidationError(message string, cause error) *errors.Error {
	return wrapOrNew(cause, ErrCodeConfigValidation, "Configuration validation failed: "+message).
		WithUserMessage("Configuration contains invalid values").
		WithSeverity("error")
}

// Registry error constructors

func NewLoaderError(kind string, message string, cause error) *errors.Error {
	return wrapOrNew(cause, ErrCodeLoaderError, "Code loader error: "+message).
		WithUserMessage("The plugin code could not be loaded").
		WithContext("loader", kind).
		WithSeverity("error")
}

func NewUpgradeFailedError(name string, message string, cause error) *errors.Error {
	return wrapOrNew(cause, ErrCodeUpgradeFailed, "Plugin upgrade failed: "+message).
		WithUserMessage("The plugin could not be upgraded").
		WithContext("plugin_name", name).
		WithSeverity("error")
}

func NewAuditError(message string, cause error) *errors.Error {
	return wrapOrNew(cause, ErrCodeAuditError, "Audit error: "+message).
		WithUserMessage("Security audit logging failed").
		WithSeverity("warning")
}
