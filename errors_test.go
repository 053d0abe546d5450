// errors_test.go: Tests for structured error definitions
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gosandbox

import (
	"context"
	"fmt"
	"testing"

	"github.com/agilira/go-errors"
)

func TestManifestErrorConstructors(t *testing.T) {
	t.Run("NewManifestLoadError", func(t *testing.T) {
		cause := fmt.Errorf("permission denied")
		err := NewManifestLoadError("/plugins/a/manifest.json", cause)

		if err.ErrorCode() != errors.ErrorCode(ErrCodeManifestLoad) {
			t.Errorf("Expected error code %s, got %s", ErrCodeManifestLoad, err.ErrorCode())
		}
		if err.Context["manifest_path"] != "/plugins/a/manifest.json" {
			t.Errorf("Expected manifest_path context, got %v", err.Context["manifest_path"])
		}
		if err.Cause == nil {
			t.Error("Expected cause to be preserved")
		}
	})

	t.Run("NewManifestLoadErrorWithoutCause", func(t *testing.T) {
		err := NewManifestLoadError("/x", nil)
		if err.ErrorCode() != errors.ErrorCode(ErrCodeManifestLoad) {
			t.Errorf("Expected error code %s, got %s", ErrCodeManifestLoad, err.ErrorCode())
		}
	})

	t.Run("NewStructuralValidationError", func(t *testing.T) {
		problems := []string{"version is required", "entry_point is required"}
		err := NewStructuralValidationError("calc", problems)

		if err.ErrorCode() != errors.ErrorCode(ErrCodeStructuralValidation) {
			t.Errorf("Expected error code %s, got %s", ErrCodeStructuralValidation, err.ErrorCode())
		}
		if err.Context["plugin_name"] != "calc" {
			t.Errorf("Expected plugin_name context calc, got %v", err.Context["plugin_name"])
		}
		got, ok := err.Context["problems"].([]string)
		if !ok || len(got) != 2 {
			t.Errorf("Expected two problems in context, got %v", err.Context["problems"])
		}
	})
}

func TestSecurityErrorConstructors(t *testing.T) {
	t.Run("NewSecurityRejectedError", func(t *testing.T) {
		err := NewSecurityRejectedError("evil", "untrusted plugins are not allowed")
		if err.ErrorCode() != errors.ErrorCode(ErrCodeSecurityRejected) {
			t.Errorf("Expected error code %s, got %s", ErrCodeSecurityRejected, err.ErrorCode())
		}
		if err.Context["reason"] != "untrusted plugins are not allowed" {
			t.Errorf("Unexpected reason context: %v", err.Context["reason"])
		}
	})

	t.Run("NewCapabilityDeniedError", func(t *testing.T) {
		err := NewCapabilityDeniedError("evil", "os/exec", "not in allow-list")
		if err.ErrorCode() != errors.ErrorCode(ErrCodeCapabilityDenied) {
			t.Errorf("Expected error code %s, got %s", ErrCodeCapabilityDenied, err.ErrorCode())
		}
		if err.Severity != "critical" {
			t.Errorf("Expected severity critical, got %q", err.Severity)
		}
		if err.Context["capability"] != "os/exec" {
			t.Errorf("Unexpected capability context: %v", err.Context["capability"])
		}
	})
}

func TestLifecycleErrorConstructors(t *testing.T) {
	tests := []struct {
		name string
		err  *errors.Error
		code string
	}{
		{"compatibility", NewCompatibilityRejectedError("a", []string{"missing dependency: b"}), ErrCodeCompatibilityRejected},
		{"not found", NewPluginNotFoundError("a"), ErrCodePluginNotFound},
		{"quarantined", NewPluginQuarantinedError("a"), ErrCodePluginQuarantined},
		{"error state", NewPluginInErrorStateError("a", "boom"), ErrCodePluginInErrorState},
		{"initialization", NewInitializationFailedError("a", fmt.Errorf("boom")), ErrCodeInitializationFailed},
		{"duplicate", NewDuplicatePluginError("a"), ErrCodeDuplicatePlugin},
		{"transition", NewInvalidTransitionError("a", StateLoaded, StateError), ErrCodeInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.ErrorCode() != errors.ErrorCode(tt.code) {
				t.Errorf("Expected error code %s, got %s", tt.code, tt.err.ErrorCode())
			}
			if tt.err.Context["plugin_name"] != "a" {
				t.Errorf("Expected plugin_name context a, got %v", tt.err.Context["plugin_name"])
			}
		})
	}

	t.Run("TransitionContext", func(t *testing.T) {
		err := NewInvalidTransitionError("a", StateLoaded, StateError)
		if err.Context["from"] != "loaded" || err.Context["to"] != "error" {
			t.Errorf("Unexpected transition context: %v", err.Context)
		}
	})
}

func TestExecutionErrorConstructors(t *testing.T) {
	t.Run("NewExecutionTimeoutError", func(t *testing.T) {
		err := NewExecutionTimeoutError("slow", "100ms")
		if err.ErrorCode() != errors.ErrorCode(ErrCodeExecutionTimeout) {
			t.Errorf("Expected error code %s, got %s", ErrCodeExecutionTimeout, err.ErrorCode())
		}
		if err.Context["timeout"] != "100ms" {
			t.Errorf("Unexpected timeout context: %v", err.Context["timeout"])
		}
	})

	t.Run("NewRateLimitExceededError", func(t *testing.T) {
		err := NewRateLimitExceededError("busy", 2.0)
		if !err.IsRetryable() {
			t.Error("Expected rate limit error to be retryable")
		}
		if err.Severity != "warning" {
			t.Errorf("Expected severity warning, got %q", err.Severity)
		}
	})

	t.Run("NewCallFailedError", func(t *testing.T) {
		inner := NewExecutionTimeoutError("slow", "1s")
		err := NewCallFailedError("slow", "run", inner)
		if err.ErrorCode() != errors.ErrorCode(ErrCodeCallFailed) {
			t.Errorf("Expected error code %s, got %s", ErrCodeCallFailed, err.ErrorCode())
		}
		if err.Context["method"] != "run" {
			t.Errorf("Unexpected method context: %v", err.Context["method"])
		}
		if err.IsRetryable() {
			t.Error("Expected call failure to not be retryable")
		}
	})
}

func TestHasErrorCode(t *testing.T) {
	inner := NewExecutionTimeoutError("slow", "1s")
	outer := NewCallFailedError("slow", "run", inner)

	if !HasErrorCode(outer, ErrCodeCallFailed) {
		t.Error("Expected outer code to match")
	}
	if !HasErrorCode(outer, ErrCodeExecutionTimeout) {
		t.Error("Expected cause code to match")
	}
	if HasErrorCode(outer, ErrCodePluginNotFound) {
		t.Error("Expected unrelated code not to match")
	}
	if HasErrorCode(nil, ErrCodeCallFailed) {
		t.Error("Expected nil error not to match")
	}

	wrapped := fmt.Errorf("context: %w", outer)
	if !HasErrorCode(wrapped, ErrCodeExecutionTimeout) {
		t.Error("Expected code to be found through fmt wrapping")
	}
	if HasErrorCode(context.Canceled, ErrCodeCallFailed) {
		t.Error("Expected plain error not to match")
	}
}

func TestConfigAndRegistryErrorConstructors(t *testing.T) {
	if err := NewConfigParseError("cfg.yaml", fmt.Errorf("bad")); err.Context["config_path"] != "cfg.yaml" {
		t.Errorf("Unexpected config_path context: %v", err.Context["config_path"])
	}
	if err := NewConfigValidationError("max_plugins must be positive", nil); err.ErrorCode() != errors.ErrorCode(ErrCodeConfigValidation) {
		t.Errorf("Expected error code %s, got %s", ErrCodeConfigValidation, err.ErrorCode())
	}
	if err := NewLoaderError(LoaderWasm, "failed", nil); err.Context["loader"] != LoaderWasm {
		t.Errorf("Unexpected loader context: %v", err.Context["loader"])
	}
	if err := NewUpgradeFailedError("a", "name mismatch", nil); err.ErrorCode() != errors.ErrorCode(ErrCodeUpgradeFailed) {
		t.Errorf("Expected error code %s, got %s", ErrCodeUpgradeFailed, err.ErrorCode())
	}
	if err := NewAuditError("write failed", nil); err.Severity != "warning" {
		t.Errorf("Expected severity warning, got %q", err.Severity)
	}
}
