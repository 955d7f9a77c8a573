package registry

import "github.com/reapack/reapack-core/internal/index"

// Entry is the installed state of one package.
type Entry struct {
	ID       int64
	Remote   string
	Category string
	Name     string
	Type     index.PackageType
	Version  string
	Pinned   bool
}

// File is one path owned by an Entry.
type File struct {
	EntryID   int64
	Path      string
	IsMain    bool
	IsSection bool
}

// FullName formats "category/name" matching index.Package.FullName, so
// receipts can cite either interchangeably.
func (e *Entry) FullName() string {
	return e.Category + "/" + e.Name
}
