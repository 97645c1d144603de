package lua

import "errors"

// Runtime errors.
var (
	// ErrStateClosed is returned when operating on a closed state.
	ErrStateClosed = errors.New("lua state is closed")

	// ErrFunctionNotFound is returned when a named global function is missing.
	ErrFunctionNotFound = errors.New("lua function not found")
)

// PermissionError is returned when an extension uses a module gated behind
// a permission it never declared.
type PermissionError struct {
	Permission Permission
}

func (e *PermissionError) Error() string {
	return "permission not granted: " + string(e.Permission)
}
