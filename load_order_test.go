// load_order_test.go: Tests for dependency-ordered loading
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gosandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticDeps(graph map[string][]string) func(string) (map[string]string, bool) {
	return func(name string) (map[string]string, bool) {
		deps, ok := graph[name]
		if !ok {
			return nil, false
		}
		out := make(map[string]string, len(deps))
		for _, d := range deps {
			out[d] = ""
		}
		return out, true
	}
}

func TestResolveLoadOrder(t *testing.T) {
	tests := []struct {
		name  string
		graph map[string][]string
		input []string
		want  []string
		cycle bool
	}{
		{
			name:  "dependency first",
			graph: map[string][]string{"A": nil, "B": {"A"}},
			input: []string{"B", "A"},
			want:  []string{"A", "B"},
		},
		{
			name:  "chain",
			graph: map[string][]string{"A": {"B"}, "B": {"C"}, "C": nil},
			input: []string{"A", "B", "C"},
			want:  []string{"C", "B", "A"},
		},
		{
			name:  "independent keep input order",
			graph: map[string][]string{"x": nil, "y": nil, "z": nil},
			input: []string{"z", "x", "y"},
			want:  []string{"z", "x", "y"},
		},
		{
			name:  "external dependency ignored",
			graph: map[string][]string{"A": {"outside"}},
			input: []string{"A"},
			want:  []string{"A"},
		},
		{
			name:  "self dependency",
			graph: map[string][]string{"A": {"A"}},
			input: []string{"A"},
			want:  []string{"A"},
		},
		{
			name:  "duplicates",
			graph: map[string][]string{"A": nil, "B": {"A"}},
			input: []string{"B", "B", "A", "A"},
			want:  []string{"A", "B"},
		},
		{
			name:  "cycle falls back to alphabetical",
			graph: map[string][]string{"C": {"B"}, "B": {"C"}, "A": nil},
			input: []string{"C", "B", "A"},
			want:  []string{"A", "B", "C"},
			cycle: true,
		},
		{
			name:  "cycle with dependent",
			graph: map[string][]string{"x": {"y"}, "y": {"x"}, "w": {"x"}},
			input: []string{"w", "y", "x"},
			want:  []string{"w", "x", "y"},
			cycle: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewTestLogger()
			got := resolveLoadOrder(tt.input, staticDeps(tt.graph), logger)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.cycle, logger.HasMessage("WARN", "Dependency cycle detected, using alphabetical order"))
		})
	}
}

func TestResolveLoadOrderDropsUnknown(t *testing.T) {
	logger := NewTestLogger()
	got := resolveLoadOrder([]string{"A", "ghost"}, staticDeps(map[string][]string{"A": nil}), logger)
	assert.Equal(t, []string{"A"}, got)
	assert.True(t, logger.HasMessage("WARN", "Plugin not found, dropped from load order"))
}

func TestRegistryResolveLoadOrder(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	require.NoError(t, r.Register(newTestPlugin("A", "1.0.0")))
	m := manifestFor("B", func(m *PluginManifest) { m.Dependencies = map[string]string{"A": ">=1.0"} })
	require.NoError(t, r.Register(newTestPlugin("B", "1.0.0"), WithManifest(m)))

	assert.Equal(t, []string{"A", "B"}, r.ResolveLoadOrder([]string{"B", "A"}))
	assert.Equal(t, []string{"A"}, r.ResolveLoadOrder([]string{"A", "Z"}))
}
