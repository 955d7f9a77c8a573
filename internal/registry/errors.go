package registry

import "errors"

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("registry: entry not found")

// ErrDowngrade is returned when the on-disk schema version is newer than
// the migrations this binary knows about — requires
// forward-only migration and treats downgrade as an error.
var ErrDowngrade = errors.New("registry: database schema is newer than this build supports")

// ErrClosed is returned by any operation attempted after Close.
var ErrClosed = errors.New("registry: registry is closed")

// ConflictError reports that one or more destination paths are already
// owned by a different entry. It is
// recoverable: the caller aborts only the offending task.
type ConflictError struct {
	Paths []string
}

func (e *ConflictError) Error() string {
	if len(e.Paths) == 1 {
		return "registry: path already owned by another package: " + e.Paths[0]
	}
	return "registry: multiple paths already owned by other packages"
}
