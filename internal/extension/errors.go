package extension

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for registry operations.
var (
	// ErrNotFound is returned when no extension with the given name is
	// registered.
	ErrNotFound = errors.New("extension not found")

	// ErrDuplicateName is returned when registering a name that is already
	// taken. Names are unique across all categories.
	ErrDuplicateName = errors.New("extension name already registered")

	// ErrNilManifest is returned when an operation receives no manifest.
	ErrNilManifest = errors.New("manifest is nil")

	// ErrNotEnabled is returned when a live instance is requested for an
	// extension that is not running.
	ErrNotEnabled = errors.New("extension is not enabled")
)

// ManifestError reports a manifest that could not be read or validated.
type ManifestError struct {
	Path string
	Err  error
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("manifest %s: %v", e.Path, e.Err)
}

func (e *ManifestError) Unwrap() error { return e.Err }

// LoadError reports a failed load pipeline. Stage names the step that
// failed: entry, state, compile, execute, contract, or init.
type LoadError struct {
	Name  string
	Stage string
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading %q (%s): %v", e.Name, e.Stage, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// ReloadError reports a failed hot reload. RolledBack indicates the
// previous instance was kept running.
type ReloadError struct {
	Name       string
	Err        error
	RolledBack bool
}

func (e *ReloadError) Error() string {
	if e.RolledBack {
		return fmt.Sprintf("reloading %q: %v (previous instance kept)", e.Name, e.Err)
	}
	return fmt.Sprintf("reloading %q: %v", e.Name, e.Err)
}

func (e *ReloadError) Unwrap() error { return e.Err }

// CapabilityError reports an extension whose code does not define the
// functions its declared type requires.
type CapabilityError struct {
	Name    string
	Type    Type
	Missing []string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("extension %q declares type %s but does not define: %s",
		e.Name, e.Type, strings.Join(e.Missing, ", "))
}
