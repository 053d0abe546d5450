// types_test.go: Tests for lifecycle states and violation records
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gosandbox

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/agilira/go-errors"
)

func TestPluginStateTransitions(t *testing.T) {
	legal := map[PluginState][]PluginState{
		StateUnloaded: {StateLoading, StateDisabled},
		StateLoading:  {StateLoaded, StateError, StateDisabled},
		StateLoaded:   {StateUnloaded, StateDisabled},
		StateError:    {StateUnloaded, StateDisabled},
		StateDisabled: {StateUnloaded},
	}
	all := []PluginState{StateUnloaded, StateLoading, StateLoaded, StateError, StateDisabled}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, ok := range legal[from] {
				if ok == to {
					want = true
				}
			}
			if got := from.CanTransitionTo(to); got != want {
				t.Errorf("%s -> %s: expected %v, got %v", from, to, want, got)
			}
		}
	}
}

func TestPluginInfoTransition(t *testing.T) {
	info := PluginInfo{Name: "a", State: StateLoaded}

	err := info.transition(StateError)
	if err == nil {
		t.Fatal("Expected loaded -> error to be rejected")
	}
	if e, ok := err.(*errors.Error); !ok || e.ErrorCode() != errors.ErrorCode(ErrCodeInvalidTransition) {
		t.Errorf("Expected invalid transition error, got %v", err)
	}
	if info.State != StateLoaded {
		t.Errorf("Expected state unchanged, got %s", info.State)
	}

	if err := info.transition(StateDisabled); err != nil {
		t.Fatalf("Expected loaded -> disabled to succeed: %v", err)
	}
	if info.State != StateDisabled {
		t.Errorf("Expected disabled, got %s", info.State)
	}
}

func TestStateAndSeverityText(t *testing.T) {
	if PluginState(42).String() != "unknown" {
		t.Error("Expected unknown state name")
	}
	if Severity(42).String() != "unknown" {
		t.Error("Expected unknown severity name")
	}

	data, err := json.Marshal(struct {
		State    PluginState `json:"state"`
		Severity Severity    `json:"severity"`
	}{StateLoaded, SeverityCritical})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"state":"loaded","severity":"critical"}` {
		t.Errorf("Unexpected JSON: %s", data)
	}
}

func TestSeverityRiskWeight(t *testing.T) {
	if SeverityWarning.riskWeight() != 1 || SeverityError.riskWeight() != 5 || SeverityCritical.riskWeight() != 20 {
		t.Error("Unexpected risk weights")
	}
}

func TestCompatibilityCheck(t *testing.T) {
	c := &CompatibilityCheck{Plugin: "a"}
	c.AddWarning("conflicting plugin %s is registered", "b")
	if !c.Compatible() {
		t.Error("Expected warnings alone to be compatible")
	}
	c.AddError("missing dependency: %s", "c")
	if c.Compatible() {
		t.Error("Expected an error to make the check incompatible")
	}
	if !strings.Contains(c.String(), "missing dependency: c") {
		t.Errorf("Expected summary to list the error, got %q", c.String())
	}
}

func TestPluginInfoErrorRate(t *testing.T) {
	if (PluginInfo{}).ErrorRate() != 0 {
		t.Error("Expected zero error rate without calls")
	}
	if got := (PluginInfo{CallCount: 3, ErrorCount: 1}).ErrorRate(); got != 0.25 {
		t.Errorf("Expected 0.25, got %v", got)
	}
	if got := (PluginInfo{ErrorCount: 2}).ErrorRate(); got != 1 {
		t.Errorf("Expected 1 when every call failed, got %v", got)
	}
}

func TestSecurityViolationError(t *testing.T) {
	v := SecurityViolation{Plugin: "a", Kind: ViolationTimeout, Severity: SeverityError, Description: "slow"}
	if !strings.Contains(v.Error(), `plugin "a"`) || !strings.Contains(v.Error(), "timeout") {
		t.Errorf("Unexpected violation message %q", v.Error())
	}
}
