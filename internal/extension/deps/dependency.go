// Package deps parses extension dependency declarations, detects version
// conflicts across installed extensions, and drives library installation.
package deps

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver"
)

// Kind distinguishes what a dependency refers to.
type Kind string

// Dependency kinds.
const (
	// KindLibrary is a shared Lua library installed under extensions/lib/.
	KindLibrary Kind = "library"
	// KindExtension is another extension that must already be registered.
	KindExtension Kind = "extension"
)

// extensionPrefix marks a dependency on another extension, e.g.
// "ext:anki-import>=1.2.0".
const extensionPrefix = "ext:"

// Parse errors.
var (
	ErrEmptyDependency   = errors.New("dependency spec is empty")
	ErrMalformedSpec     = errors.New("malformed dependency spec")
	ErrOperatorNoVersion = errors.New("dependency operator without version")
)

// Dependency is one declared requirement of an extension.
type Dependency struct {
	Name     string
	Operator string // "", "=", "!=", ">", ">=", "<", "<="
	Version  string // empty means any version
	Kind     Kind
	Optional bool
}

// specPattern matches name[<op><version>][?].
var specPattern = regexp.MustCompile(
	`^([A-Za-z0-9][A-Za-z0-9._-]*)\s*(==|>=|<=|!=|>|<)?\s*([0-9][0-9A-Za-z.+-]*)?\s*(\?)?$`)

// Parse parses a declaration string such as "libX>=2.0" or "markdown?".
// A trailing "?" marks the dependency optional; no operator means any
// version satisfies it.
func Parse(spec string) (Dependency, error) {
	trimmed := strings.TrimSpace(spec)
	if trimmed == "" {
		return Dependency{}, ErrEmptyDependency
	}

	kind := KindLibrary
	if strings.HasPrefix(trimmed, extensionPrefix) {
		kind = KindExtension
		trimmed = strings.TrimPrefix(trimmed, extensionPrefix)
	}

	m := specPattern.FindStringSubmatch(trimmed)
	if m == nil {
		return Dependency{}, fmt.Errorf("%w: %q", ErrMalformedSpec, spec)
	}

	op, version := m[2], m[3]
	if op != "" && version == "" {
		return Dependency{}, fmt.Errorf("%w: %q", ErrOperatorNoVersion, spec)
	}
	if op == "" && version != "" {
		op = "=" // Bare version pins exactly
	}
	if op == "==" {
		op = "="
	}

	return Dependency{
		Name:     m[1],
		Operator: op,
		Version:  version,
		Kind:     kind,
		Optional: m[4] == "?",
	}, nil
}

// ParseAll parses every declaration, failing on the first malformed one.
func ParseAll(specs []string) ([]Dependency, error) {
	deps := make([]Dependency, 0, len(specs))
	for _, spec := range specs {
		d, err := Parse(spec)
		if err != nil {
			return nil, err
		}
		deps = append(deps, d)
	}
	return deps, nil
}

// Constraint returns the dependency as a semver constraint string,
// or "*" for any version.
func (d Dependency) Constraint() string {
	if d.Version == "" {
		return "*"
	}
	return d.Operator + d.Version
}

// Satisfies reports whether the given installed version satisfies the
// dependency. Unparseable inputs never satisfy.
func (d Dependency) Satisfies(installed string) bool {
	if d.Version == "" {
		return true
	}
	c, err := semver.NewConstraint(d.Constraint())
	if err != nil {
		return false
	}
	v, err := semver.NewVersion(installed)
	if err != nil {
		return false
	}
	return c.Check(v)
}

// String renders the dependency back into declaration form.
func (d Dependency) String() string {
	var b strings.Builder
	if d.Kind == KindExtension {
		b.WriteString(extensionPrefix)
	}
	b.WriteString(d.Name)
	if d.Version != "" {
		op := d.Operator
		if op == "=" {
			op = "=="
		}
		b.WriteString(op)
		b.WriteString(d.Version)
	}
	if d.Optional {
		b.WriteString("?")
	}
	return b.String()
}
