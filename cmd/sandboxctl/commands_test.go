// commands_test.go: Tests for sandboxctl helpers and commands
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	gosandbox "github.com/agilira/go-sandbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCallArgs(t *testing.T) {
	got := parseCallArgs([]string{"42", "1.5", "true", `"quoted"`, "bare", `{"k":1}`})
	assert.Equal(t, []any{42.0, 1.5, true, "quoted", "bare", map[string]any{"k": 1.0}}, got)
	assert.Empty(t, parseCallArgs(nil))
}

func TestPrintPluginTable(t *testing.T) {
	plugins := []gosandbox.PluginInfo{
		{
			Name:  "calc",
			State: gosandbox.StateLoaded,
			Manifest: &gosandbox.PluginManifest{
				Name: "calc", Version: "1.2.0", Trusted: true, SandboxLevel: gosandbox.SandboxStrict,
				Dependencies: map[string]string{"math": ">=1.0", "base": "~=2.1"},
			},
		},
		{
			Name:     "echo",
			State:    gosandbox.StateUnloaded,
			Manifest: &gosandbox.PluginManifest{Name: "echo", Version: "0.1.0", SandboxLevel: gosandbox.SandboxRelaxed},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, printPluginTable(&buf, plugins))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"NAME", "VERSION", "STATE", "TRUSTED", "SANDBOX", "DEPENDENCIES"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"calc", "1.2.0", "loaded", "true", "strict", "base~=2.1,math>=1.0"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"echo", "0.1.0", "unloaded", "false", "relaxed"}, strings.Fields(lines[2]))
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeJSON(&buf, map[string]int{"calls": 3}))
	assert.JSONEq(t, `{"calls": 3}`, buf.String())
}

func runCommand(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.ExecuteContext(context.Background()))
	return out.String()
}

func TestVersionCommand(t *testing.T) {
	out := runCommand(t, "version")
	assert.Contains(t, out, "sandboxctl dev")
	assert.Contains(t, out, gosandbox.DefaultPlatformVersion)
}

func TestDiscoverAndOrderCommands(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "base", nil)
	writeManifest(t, dir, "app", map[string]string{"base": ">=1.0.0"})

	out := runCommand(t, "discover", "--plugin-dir", dir, "--log-level", "error")
	assert.Contains(t, out, "app")
	assert.Contains(t, out, "base")

	out = runCommand(t, "order", "--plugin-dir", dir, "--log-level", "error")
	assert.Equal(t, "1. base\n2. app\n", out)
}

func writeManifest(t *testing.T, dir, name string, deps map[string]string) {
	t.Helper()
	pluginDir := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(pluginDir, 0o750))
	data, err := json.Marshal(map[string]any{
		"name":                name,
		"version":             "1.0.0",
		"entry_point":         "plugin.go",
		"entry_symbol":        "New",
		"trusted":             true,
		"plugin_dependencies": deps,
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(pluginDir, gosandbox.ManifestFileName), data, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(pluginDir, "plugin.go"), []byte("package plugin\n"), 0o600))
}
