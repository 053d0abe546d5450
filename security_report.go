// security_report.go: Registry-wide security summary
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gosandbox

import (
	"sort"
	"time"

	"github.com/agilira/go-timecache"
	"google.golang.org/protobuf/types/known/structpb"
)

// recentViolationLimit caps SecurityReport.RecentViolations.
const recentViolationLimit = 20

// PluginSecuritySummary is the security posture of one plugin.
type PluginSecuritySummary struct {
	Name             string         `json:"name"`
	Version          string         `json:"version"`
	State            PluginState    `json:"state"`
	Trusted          bool           `json:"trusted"`
	SandboxLevel     SandboxLevel   `json:"sandbox_level"`
	Quarantined      bool           `json:"quarantined"`
	QuarantineReason string         `json:"quarantine_reason,omitempty"`
	Violations       int            `json:"violations"`
	BySeverity       map[string]int `json:"by_severity"`
	ByKind           map[string]int `json:"by_kind"`
	RiskScore        int            `json:"risk_score"`
	ErrorCount       int64          `json:"error_count"`
	ImportedModules  []string       `json:"imported_modules,omitempty"`
}

// SecurityReport aggregates violations across the registry. Plugins are
// ordered by descending risk score, then name.
type SecurityReport struct {
	GeneratedAt          time.Time               `json:"generated_at"`
	TotalPlugins         int                     `json:"total_plugins"`
	LoadedPlugins        int                     `json:"loaded_plugins"`
	TrustedPlugins       int                     `json:"trusted_plugins"`
	QuarantinedPlugins   []string                `json:"quarantined_plugins"`
	TotalViolations      int                     `json:"total_violations"`
	ViolationsBySeverity map[string]int          `json:"violations_by_severity"`
	Plugins              []PluginSecuritySummary `json:"plugins"`
	RecentViolations     []SecurityViolation     `json:"recent_violations"`
}

// GetSecurityReport summarizes the violation history. Risk scores weigh each
// violation by severity: warning 1, error 5, critical 20.
func (r *Registry) GetSecurityReport() SecurityReport {
	r.mu.RLock()
	violations := make([]SecurityViolation, len(r.violations))
	copy(violations, r.violations)

	report := SecurityReport{
		GeneratedAt:          timecache.CachedTime(),
		TotalPlugins:         len(r.plugins),
		QuarantinedPlugins:   make([]string, 0, len(r.quarantined)),
		ViolationsBySeverity: map[string]int{},
	}
	summaries := make(map[string]*PluginSecuritySummary, len(r.plugins))
	sandboxes := make(map[string]*Sandbox)
	for name, rec := range r.plugins {
		reason, quarantined := r.quarantined[name]
		s := &PluginSecuritySummary{
			Name:             name,
			Version:          rec.info.Manifest.Version,
			State:            rec.info.State,
			Trusted:          rec.info.Manifest.Trusted,
			SandboxLevel:     rec.info.Manifest.SandboxLevel,
			Quarantined:      quarantined,
			QuarantineReason: reason,
			BySeverity:       map[string]int{},
			ByKind:           map[string]int{},
			ErrorCount:       rec.info.ErrorCount,
		}
		for m := range rec.imported {
			s.ImportedModules = append(s.ImportedModules, m)
		}
		if rec.sandbox != nil {
			sandboxes[name] = rec.sandbox
		}
		if rec.info.State == StateLoaded {
			report.LoadedPlugins++
		}
		if s.Trusted {
			report.TrustedPlugins++
		}
		summaries[name] = s
	}
	for name := range r.quarantined {
		report.QuarantinedPlugins = append(report.QuarantinedPlugins, name)
	}
	r.mu.RUnlock()

	for name, sb := range sandboxes {
		s := summaries[name]
		s.ImportedModules = mergeSorted(s.ImportedModules, sb.ImportedModules())
	}

	report.TotalViolations = len(violations)
	for _, v := range violations {
		report.ViolationsBySeverity[v.Severity.String()]++
		if s, ok := summaries[v.Plugin]; ok {
			s.Violations++
			s.BySeverity[v.Severity.String()]++
			s.ByKind[v.Kind]++
			s.RiskScore += v.Severity.riskWeight()
		}
	}

	report.Plugins = make([]PluginSecuritySummary, 0, len(summaries))
	for _, s := range summaries {
		sort.Strings(s.ImportedModules)
		report.Plugins = append(report.Plugins, *s)
	}
	sort.Slice(report.Plugins, func(i, j int) bool {
		a, b := report.Plugins[i], report.Plugins[j]
		if a.RiskScore != b.RiskScore {
			return a.RiskScore > b.RiskScore
		}
		return a.Name < b.Name
	})
	sort.Strings(report.QuarantinedPlugins)

	start := len(violations) - recentViolationLimit
	if start < 0 {
		start = 0
	}
	report.RecentViolations = violations[start:]
	return report
}

// mergeSorted returns the distinct union of a and b.
func mergeSorted(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if _, dup := seen[s]; !dup {
				seen[s] = struct{}{}
				out = append(out, s)
			}
		}
	}
	sort.Strings(out)
	return out
}

// ToStruct converts the report to a protobuf Struct, for hosts that ship
// reports over gRPC or render them with protojson.
func (rep SecurityReport) ToStruct() (*structpb.Struct, error) {
	plugins := make([]any, 0, len(rep.Plugins))
	for _, p := range rep.Plugins {
		plugins = append(plugins, map[string]any{
			"name":              p.Name,
			"version":           p.Version,
			"state":             p.State.String(),
			"trusted":           p.Trusted,
			"sandbox_level":     string(p.SandboxLevel),
			"quarantined":       p.Quarantined,
			"quarantine_reason": p.QuarantineReason,
			"violations":        p.Violations,
			"by_severity":       countsToAny(p.BySeverity),
			"by_kind":           countsToAny(p.ByKind),
			"risk_score":        p.RiskScore,
			"error_count":       p.ErrorCount,
			"imported_modules":  stringsToAny(p.ImportedModules),
		})
	}
	recent := make([]any, 0, len(rep.RecentViolations))
	for _, v := range rep.RecentViolations {
		recent = append(recent, map[string]any{
			"id":          v.ID,
			"plugin":      v.Plugin,
			"kind":        v.Kind,
			"description": v.Description,
			"severity":    v.Severity.String(),
			"timestamp":   v.Timestamp.UTC().Format(time.RFC3339Nano),
		})
	}

	return structpb.NewStruct(map[string]any{
		"generated_at":           rep.GeneratedAt.UTC().Format(time.RFC3339Nano),
		"total_plugins":          rep.TotalPlugins,
		"loaded_plugins":         rep.LoadedPlugins,
		"trusted_plugins":        rep.TrustedPlugins,
		"quarantined_plugins":    stringsToAny(rep.QuarantinedPlugins),
		"total_violations":       rep.TotalViolations,
		"violations_by_severity": countsToAny(rep.ViolationsBySeverity),
		"plugins":                plugins,
		"recent_violations":      recent,
	})
}

func countsToAny(m map[string]int) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func stringsToAny(list []string) []any {
	out := make([]any, len(list))
	for i, s := range list {
		out[i] = s
	}
	return out
}
