package deps

import (
	"errors"
	"fmt"
	"sort"

	"github.com/Masterminds/semver"
)

// Strategy selects how a shared-dependency version conflict is resolved.
type Strategy string

// Resolution strategies.
const (
	// StrategyFail aborts the installation.
	StrategyFail Strategy = "fail"
	// StrategyUpgrade picks the highest of the conflicting constraints.
	StrategyUpgrade Strategy = "upgrade"
	// StrategyDowngrade picks the lowest of the conflicting constraints.
	StrategyDowngrade Strategy = "downgrade"
	// StrategySkip leaves the installed package untouched.
	StrategySkip Strategy = "skip"
	// StrategyUserChoice surfaces the conflict to the caller. The default.
	StrategyUserChoice Strategy = "user-choice"
)

// ParseStrategy validates a strategy name from configuration.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyFail, StrategyUpgrade, StrategyDowngrade, StrategySkip, StrategyUserChoice:
		return Strategy(s), nil
	case "":
		return StrategyUserChoice, nil
	default:
		return "", fmt.Errorf("unknown conflict strategy %q", s)
	}
}

// ErrConflictFailed is returned when StrategyFail meets a conflict.
var ErrConflictFailed = errors.New("dependency conflict: installation aborted")

// Requirement is one extension's claim on a package.
type Requirement struct {
	Extension  string
	Dependency Dependency
}

// Conflict is produced when the same package is required at differing
// constraints by independently authored extensions. It is transient;
// nothing persists it.
type Conflict struct {
	Package          string
	Requirements     []Requirement
	InstalledVersion string // empty if not installed
	Candidates       []Strategy
}

// Extensions returns the names of the extensions party to the conflict.
func (c Conflict) Extensions() []string {
	names := make([]string, 0, len(c.Requirements))
	for _, r := range c.Requirements {
		names = append(names, r.Extension)
	}
	sort.Strings(names)
	return names
}

func (c Conflict) String() string {
	return fmt.Sprintf("conflict on %q between %v", c.Package, c.Extensions())
}

// Resolution is the outcome of applying a strategy to a conflict.
type Resolution struct {
	Package string
	// Version to install; empty when the package is left untouched.
	Version string
	// NeedsUserChoice is set under StrategyUserChoice: the caller must pick
	// from Conflict.Candidates and re-apply.
	NeedsUserChoice bool
	Strategy        Strategy
}

// Apply resolves the conflict under the given strategy.
func (c Conflict) Apply(strategy Strategy) (Resolution, error) {
	switch strategy {
	case StrategyFail:
		return Resolution{}, fmt.Errorf("%w: %s", ErrConflictFailed, c)

	case StrategyUpgrade:
		v := c.extremeVersion(true)
		return Resolution{Package: c.Package, Version: v, Strategy: strategy}, nil

	case StrategyDowngrade:
		v := c.extremeVersion(false)
		return Resolution{Package: c.Package, Version: v, Strategy: strategy}, nil

	case StrategySkip:
		return Resolution{Package: c.Package, Strategy: strategy}, nil

	case StrategyUserChoice:
		return Resolution{Package: c.Package, NeedsUserChoice: true, Strategy: strategy}, nil

	default:
		return Resolution{}, fmt.Errorf("unknown conflict strategy %q", strategy)
	}
}

// extremeVersion returns the highest (or lowest) version named by any of the
// conflicting constraints. Unversioned requirements are ignored; if none
// carries a version the installed version wins, else empty means latest.
func (c Conflict) extremeVersion(highest bool) string {
	var best *semver.Version
	for _, r := range c.Requirements {
		if r.Dependency.Version == "" {
			continue
		}
		v, err := semver.NewVersion(r.Dependency.Version)
		if err != nil {
			continue
		}
		if best == nil ||
			(highest && v.GreaterThan(best)) ||
			(!highest && v.LessThan(best)) {
			best = v
		}
	}
	if best == nil {
		return c.InstalledVersion
	}
	return best.String()
}

// DetectConflicts compares the requester's dependencies against every
// requirement already registered. A conflict arises when another extension
// requires the same package at a different constraint.
func DetectConflicts(requester string, deps []Dependency, existing []Requirement, installed map[string]string) []Conflict {
	byPackage := make(map[string][]Requirement)
	for _, r := range existing {
		if r.Extension == requester {
			continue // Re-installs don't conflict with themselves
		}
		byPackage[r.Dependency.Name] = append(byPackage[r.Dependency.Name], r)
	}

	var conflicts []Conflict
	for _, d := range deps {
		if d.Kind != KindLibrary {
			continue
		}
		others := byPackage[d.Name]
		if len(others) == 0 {
			continue
		}

		var clashing []Requirement
		for _, other := range others {
			if other.Dependency.Constraint() != d.Constraint() {
				clashing = append(clashing, other)
			}
		}
		if len(clashing) == 0 {
			continue
		}

		conflicts = append(conflicts, Conflict{
			Package:          d.Name,
			Requirements:     append(clashing, Requirement{Extension: requester, Dependency: d}),
			InstalledVersion: installed[d.Name],
			Candidates: []Strategy{
				StrategyFail, StrategyUpgrade, StrategyDowngrade, StrategySkip,
			},
		})
	}
	return conflicts
}
