// capability.go: Capability allow/deny policy and the sandbox environment
//
// Plugins never import host resources directly: files, network connections
// and subprocesses are acquired through the Environment of their sandbox,
// and every acquisition is checked against the plugin's capability policy.
// Capability names are Go import paths ("os", "net", "os/exec", ...).
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gosandbox

import (
	"context"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Capabilities guarding the Environment helpers.
const (
	CapabilityFilesystem = "os"
	CapabilityNetwork    = "net"
	CapabilityProcess    = "os/exec"
)

// CapabilityPolicy is the security profile a sandbox applies to capability requests.
type CapabilityPolicy struct {
	Level     SandboxLevel
	Trusted   bool
	Allowed   []string
	Forbidden []string
}

// policyFromManifest builds the capability policy of a manifest.
func policyFromManifest(m *PluginManifest) CapabilityPolicy {
	return CapabilityPolicy{
		Level:     m.SandboxLevel,
		Trusted:   m.Trusted,
		Allowed:   m.AllowedModules,
		Forbidden: m.ForbiddenModules,
	}
}

// CapabilityDecision is the outcome of evaluating one capability request.
// Kind and Severity are meaningful only when Violation is true.
type CapabilityDecision struct {
	Allowed   bool
	Violation bool
	Kind      string
	Severity  Severity
	Reason    string
}

// Evaluate decides a capability request.
//
// The deny-list always wins, even for trusted plugins. In strict mode anything
// outside the allow-list is blocked for untrusted plugins and permitted with a
// warning for trusted ones. Moderate and relaxed modes apply only the deny-list.
func (p CapabilityPolicy) Evaluate(name string) CapabilityDecision {
	if entry, ok := matchModuleList(name, p.Forbidden); ok {
		return CapabilityDecision{
			Violation: true,
			Kind:      ViolationForbiddenModule,
			Severity:  SeverityCritical,
			Reason:    "matches forbidden entry " + entry,
		}
	}

	if p.Level != SandboxStrict {
		return CapabilityDecision{Allowed: true}
	}
	if _, ok := matchModuleList(name, p.Allowed); ok {
		return CapabilityDecision{Allowed: true}
	}
	if p.Trusted {
		return CapabilityDecision{
			Allowed:   true,
			Violation: true,
			Kind:      ViolationModuleNotAllowed,
			Severity:  SeverityWarning,
			Reason:    "not in allow-list, permitted for trusted plugin",
		}
	}
	return CapabilityDecision{
		Violation: true,
		Kind:      ViolationModuleNotAllowed,
		Severity:  SeverityError,
		Reason:    "not in allow-list",
	}
}

// matchModuleList matches on import path boundaries: "encoding" covers
// "encoding/json" but "net" does not cover "netip".
func matchModuleList(name string, list []string) (string, bool) {
	for _, entry := range list {
		entry = strings.TrimSuffix(strings.TrimSpace(entry), "/")
		if entry == "" {
			continue
		}
		if name == entry || strings.HasPrefix(name, entry+"/") {
			return entry, true
		}
	}
	return "", false
}

// CapabilityChecker decides capability requests on behalf of one plugin.
// *Sandbox implements it.
type CapabilityChecker interface {
	CheckCapability(name string) error
}

type environmentContextKey struct{}

// Environment is the capability-checked gateway to host resources handed to
// plugin code through its context.
type Environment struct {
	plugin  string
	checker CapabilityChecker
	logger  Logger
}

// NewEnvironment creates an environment for plugin backed by checker.
func NewEnvironment(plugin string, checker CapabilityChecker, logger Logger) *Environment {
	if logger == nil {
		logger = DefaultLogger()
	}
	return &Environment{plugin: plugin, checker: checker, logger: logger}
}

// ContextWithEnvironment attaches env to ctx.
func ContextWithEnvironment(ctx context.Context, env *Environment) context.Context {
	return context.WithValue(ctx, environmentContextKey{}, env)
}

// EnvironmentFromContext returns the environment attached to ctx. Outside a
// sandbox it returns an environment that denies every capability.
func EnvironmentFromContext(ctx context.Context) *Environment {
	if env, ok := ctx.Value(environmentContextKey{}).(*Environment); ok && env != nil {
		return env
	}
	return &Environment{logger: DefaultLogger()}
}

// Plugin returns the owning plugin name.
func (e *Environment) Plugin() string { return e.plugin }

// Logger returns a logger scoped to the plugin.
func (e *Environment) Logger() Logger { return e.logger }

// Require checks every named capability and returns the first denial.
func (e *Environment) Require(names ...string) error {
	for _, name := range names {
		if e.checker == nil {
			return NewCapabilityDeniedError(e.plugin, name, "no sandbox environment")
		}
		if err := e.checker.CheckCapability(name); err != nil {
			return err
		}
	}
	return nil
}

// Open opens a file for reading.
func (e *Environment) Open(name string) (*os.File, error) {
	if err := e.Require(CapabilityFilesystem); err != nil {
		return nil, err
	}
	return os.Open(filepath.Clean(name)) // #nosec G304 - capability checked
}

// ReadFile reads a whole file.
func (e *Environment) ReadFile(name string) ([]byte, error) {
	if err := e.Require(CapabilityFilesystem); err != nil {
		return nil, err
	}
	return os.ReadFile(filepath.Clean(name)) // #nosec G304 - capability checked
}

// Dial opens a network connection.
func (e *Environment) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	if err := e.Require(CapabilityNetwork); err != nil {
		return nil, err
	}
	var d net.Dialer
	return d.DialContext(ctx, network, address)
}

// Command prepares a subprocess bound to ctx. The caller starts it.
func (e *Environment) Command(ctx context.Context, name string, args ...string) (*exec.Cmd, error) {
	if err := e.Require(CapabilityProcess); err != nil {
		return nil, err
	}
	return exec.CommandContext(ctx, name, args...), nil // #nosec G204 - capability checked
}
