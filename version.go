// version.go: version parsing, ordering and requirement matching
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gosandbox

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a major.minor.patch triple. Missing components are zero.
type Version struct {
	Major int `json:"major" yaml:"major"`
	Minor int `json:"minor" yaml:"minor"`
	Patch int `json:"patch" yaml:"patch"`
}

// ParseVersion parses a version string such as "1.2.3", "v1.2" or "2".
//
// Parsing never fails: unparsable input yields the zero version (0.0.0).
// Pre-release and build suffixes ("1.2.3-beta+exp") are ignored.
func ParseVersion(s string) Version {
	v, _ := parseVersion(s)
	return v
}

// parseVersion is ParseVersion with a flag reporting whether s was valid.
func parseVersion(s string) (Version, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "v")
	if i := strings.IndexAny(s, "-+"); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return Version{}, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 3 {
		return Version{}, false
	}

	var nums [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Version{}, false
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, true
}

// String returns the canonical "major.minor.patch" form.
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0 or 1 using tuple ordering.
func (v Version) Compare(other Version) int {
	switch {
	case v.Major != other.Major:
		return cmpInt(v.Major, other.Major)
	case v.Minor != other.Minor:
		return cmpInt(v.Minor, other.Minor)
	default:
		return cmpInt(v.Patch, other.Patch)
	}
}

func cmpInt(a, b int) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

// CompareVersions compares two version strings.
func CompareVersions(a, b string) int {
	return ParseVersion(a).Compare(ParseVersion(b))
}

// requirement operators, longest first so that ">=" wins over ">"
var requirementOperators = []string{">=", "<=", "==", "!=", "~=", ">", "<"}

// SatisfiesRequirement reports whether version satisfies requirement.
//
// A requirement is one or more comma-separated clauses that must all hold,
// e.g. ">=1.0, <2.0". Supported clauses:
//   - ">=X", "<=X", ">X", "<X", "==X", "!=X": tuple comparison
//   - "~=X.Y.Z": same major.minor and patch >= Z
//   - "~=X.Y": same major and minor.patch >= Y.0
//   - "X": exact match
//
// An empty requirement is satisfied by any version. A clause whose version
// cannot be parsed is never satisfied.
func SatisfiesRequirement(version, requirement string) bool {
	requirement = strings.TrimSpace(requirement)
	if requirement == "" || requirement == "*" {
		return true
	}

	v := ParseVersion(version)
	matched := false
	for _, clause := range strings.Split(requirement, ",") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		if !satisfiesClause(v, clause) {
			return false
		}
		matched = true
	}
	return matched
}

func satisfiesClause(v Version, clause string) bool {
	op := ""
	for _, candidate := range requirementOperators {
		if strings.HasPrefix(clause, candidate) {
			op = candidate
			break
		}
	}
	target := strings.TrimSpace(strings.TrimPrefix(clause, op))

	t, ok := parseVersion(target)
	if !ok {
		return false
	}
	c := v.Compare(t)

	switch op {
	case ">=":
		return c >= 0
	case "<=":
		return c <= 0
	case ">":
		return c > 0
	case "<":
		return c < 0
	case "!=":
		return c != 0
	case "~=":
		return satisfiesCompatibleRelease(v, t, target)
	default:
		return c == 0
	}
}

// satisfiesCompatibleRelease implements "~=". The number of components written
// in the requirement decides which prefix must stay fixed.
func satisfiesCompatibleRelease(v, t Version, raw string) bool {
	raw = strings.TrimPrefix(raw, "v")
	if i := strings.IndexAny(raw, "-+"); i >= 0 {
		raw = raw[:i]
	}
	if strings.Count(raw, ".") >= 2 {
		return v.Major == t.Major && v.Minor == t.Minor && v.Patch >= t.Patch
	}
	return v.Major == t.Major && v.Compare(t) >= 0
}

// IsCompatibleAPIVersion reports whether a plugin built against pluginAPI can run
// on a platform exposing current. The plugin API must not be newer than current
// and must fall inside the optional [minAPI, maxAPI] window; empty bounds are open.
func IsCompatibleAPIVersion(pluginAPI, current, minAPI, maxAPI string) bool {
	p := ParseVersion(pluginAPI)
	if p.Compare(ParseVersion(current)) > 0 {
		return false
	}
	if minAPI != "" && p.Compare(ParseVersion(minAPI)) < 0 {
		return false
	}
	if maxAPI != "" && p.Compare(ParseVersion(maxAPI)) > 0 {
		return false
	}
	return true
}
