// Package watch provides filesystem change notification for the extension
// runtime. It reports create/write/remove/rename events on watched
// directory trees; debouncing and interpretation of events belong to the
// hot-swap controller.
package watch

import (
	"errors"
	"time"
)

// Common errors returned by watch operations.
var (
	ErrWatcherClosed   = errors.New("watcher is closed")
	ErrAlreadyWatching = errors.New("path is already being watched")
	ErrNotWatching     = errors.New("path is not being watched")
	ErrPathNotExist    = errors.New("path does not exist")
)

// Op is the type of filesystem operation.
type Op uint32

const (
	// OpCreate indicates a file or directory was created.
	OpCreate Op = 1 << iota
	// OpWrite indicates a file was written to.
	OpWrite
	// OpRemove indicates a file or directory was removed.
	OpRemove
	// OpRename indicates a file or directory was renamed.
	OpRename
)

// String returns a human-readable representation of the operation.
func (op Op) String() string {
	switch {
	case op.Has(OpCreate):
		return "CREATE"
	case op.Has(OpWrite):
		return "WRITE"
	case op.Has(OpRemove):
		return "REMOVE"
	case op.Has(OpRename):
		return "RENAME"
	default:
		return "UNKNOWN"
	}
}

// Has reports whether the operation includes the given op.
func (op Op) Has(o Op) bool {
	return op&o == o
}

// Event is a single filesystem change.
type Event struct {
	// Path is the absolute path of the affected file or directory.
	Path string

	// Op is the operation that occurred.
	Op Op

	// Timestamp is when the event was observed.
	Timestamp time.Time
}

// Watcher monitors filesystem changes.
type Watcher interface {
	// WatchRecursive starts watching a directory and all subdirectories.
	WatchRecursive(path string) error

	// Events returns the channel of change events.
	// The channel is closed when the watcher is closed.
	Events() <-chan Event

	// Errors returns the channel of watcher errors.
	Errors() <-chan error

	// Close stops the watcher and releases resources.
	Close() error
}
