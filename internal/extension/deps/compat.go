package deps

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver"
	lua "github.com/yuin/gopher-lua"
)

var rangeClause = regexp.MustCompile(`([^,\s])\s+([<>=!^~])`)

// NormalizeRange rewrites space-separated AND clauses (">=1.2.0 <2.0.0")
// into the comma form the constraint parser expects. "||" alternatives are
// preserved; already comma-separated ranges pass through unchanged.
func NormalizeRange(r string) string {
	parts := strings.Split(r, "||")
	for i, p := range parts {
		parts[i] = rangeClause.ReplaceAllString(strings.TrimSpace(p), "$1, $2")
	}
	return strings.Join(parts, " || ")
}

// CompatInfo is the slice of a manifest the compatibility check needs.
type CompatInfo struct {
	Extension        string
	HostVersionRange string
	LuaVersion       string // optional declared runtime version, e.g. "Lua 5.1"
}

// IncompatibleHostError is returned when the running host version falls
// outside an extension's declared range.
type IncompatibleHostError struct {
	Extension   string
	HostVersion string
	Range       string
}

func (e *IncompatibleHostError) Error() string {
	return fmt.Sprintf("extension %q requires host %s, running %s",
		e.Extension, e.Range, e.HostVersion)
}

// CheckCompatibility verifies the host version satisfies the extension's
// declared range. Runtime-version mismatches are reported as warnings, never
// as errors.
func CheckCompatibility(hostVersion string, info CompatInfo) ([]string, error) {
	c, err := semver.NewConstraint(NormalizeRange(info.HostVersionRange))
	if err != nil {
		return nil, fmt.Errorf("extension %q: invalid host version range %q: %w",
			info.Extension, info.HostVersionRange, err)
	}
	v, err := semver.NewVersion(hostVersion)
	if err != nil {
		return nil, fmt.Errorf("invalid host version %q: %w", hostVersion, err)
	}
	if !c.Check(v) {
		return nil, &IncompatibleHostError{
			Extension:   info.Extension,
			HostVersion: hostVersion,
			Range:       info.HostVersionRange,
		}
	}

	var warnings []string
	if info.LuaVersion != "" && info.LuaVersion != lua.LuaVersion {
		warnings = append(warnings, fmt.Sprintf(
			"extension %q targets %s, host runs %s",
			info.Extension, info.LuaVersion, lua.LuaVersion))
	}
	return warnings, nil
}
