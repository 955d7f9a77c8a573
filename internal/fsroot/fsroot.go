// Package fsroot implements root-relative path arithmetic and the atomic
// filesystem primitives the transaction engine relies on: temp-file
// staging, atomic rename/replace, and recursive removal. All package
// destinations are expressed relative to an install root chosen once at
// process startup (the host's resource path) and resolved through here so
// the rest of the core never touches an absolute path directly.
package fsroot

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

// ErrOutsideRoot is returned when a relative path would escape the root
// via ".." components.
var ErrOutsideRoot = errors.New("fsroot: path escapes install root")

// Root resolves package-relative paths against an install root and
// performs filesystem mutations through an afero.Fs, so tests can swap in
// an in-memory filesystem without touching disk.
type Root struct {
	fs   afero.Fs
	base string
}

// NewOSRoot creates a Root backed by the real filesystem rooted at base.
func NewOSRoot(base string) *Root {
	return &Root{fs: afero.NewOsFs(), base: filepath.Clean(base)}
}

// NewMemRoot creates a Root backed by an in-memory filesystem, for tests
// that need the atomicity/removal semantics without disk I/O.
func NewMemRoot(base string) *Root {
	return &Root{fs: afero.NewMemMapFs(), base: filepath.Clean(base)}
}

// Fs exposes the underlying afero.Fs for callers that need direct access
// (e.g. the registry opening its database file under the root).
func (r *Root) Fs() afero.Fs { return r.fs }

// Base returns the install root's absolute path.
func (r *Root) Base() string { return r.base }

// Resolve validates a root-relative path and returns its absolute form.
// Rejects any path containing ".." components once cleaned, so a
// maliciously crafted index entry cannot write outside the install root.
func (r *Root) Resolve(rel string) (string, error) {
	cleaned := filepath.Clean(rel)
	if strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) || cleaned == ".." {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, rel)
	}
	return filepath.Join(r.base, cleaned), nil
}

// Exists reports whether a root-relative path exists.
func (r *Root) Exists(rel string) bool {
	abs, err := r.Resolve(rel)
	if err != nil {
		return false
	}
	_, err = r.fs.Stat(abs)
	return err == nil
}

// MkdirAll creates the directory containing a root-relative path.
func (r *Root) MkdirAll(rel string) error {
	abs, err := r.Resolve(rel)
	if err != nil {
		return err
	}
	return r.fs.MkdirAll(filepath.Dir(abs), 0o755)
}

// TempName returns the staging name for a download destined for rel: the
// same path with a ".new" suffix appended to the final path element, per
// the Install task's staging contract.
func TempName(rel string) string {
	return rel + ".new"
}

// PartName returns the in-progress download name for a FileDownload: the
// destination with a ".part" suffix, renamed away on completion.
func PartName(rel string) string {
	return rel + ".part"
}

// AtomicReplace renames tempRel onto destRel, creating destRel's parent
// directory first. On platforms where the rename syscall itself refuses
// to replace an existing file, it falls back to moving the existing file
// aside to a ".old" sibling before retrying, leaving that sibling behind
// for manual recovery rather than risking a window with no destination
// file at all.
func (r *Root) AtomicReplace(tempRel, destRel string) error {
	tempAbs, err := r.Resolve(tempRel)
	if err != nil {
		return err
	}
	destAbs, err := r.Resolve(destRel)
	if err != nil {
		return err
	}

	if err := r.fs.MkdirAll(filepath.Dir(destAbs), 0o755); err != nil {
		return fmt.Errorf("fsroot: create destination dir: %w", err)
	}

	if err := r.fs.Rename(tempAbs, destAbs); err != nil {
		oldAbs := destAbs + ".old"
		if exists, _ := afero.Exists(r.fs, destAbs); exists {
			_ = r.fs.Remove(oldAbs)
			if renameErr := r.fs.Rename(destAbs, oldAbs); renameErr != nil {
				return fmt.Errorf("fsroot: rename %s to %s: %w", tempRel, destRel, err)
			}
			if err := r.fs.Rename(tempAbs, destAbs); err != nil {
				return fmt.Errorf("fsroot: rename %s to %s after .old fallback: %w", tempRel, destRel, err)
			}
			return nil
		}
		return fmt.Errorf("fsroot: rename %s to %s: %w", tempRel, destRel, err)
	}

	return nil
}

// RemoveRecursive deletes a root-relative file or directory tree. Missing
// paths are not an error: cleanup during rollback must be idempotent.
func (r *Root) RemoveRecursive(rel string) error {
	abs, err := r.Resolve(rel)
	if err != nil {
		return err
	}
	if err := r.fs.RemoveAll(abs); err != nil {
		return fmt.Errorf("fsroot: remove %s: %w", rel, err)
	}
	return nil
}

// Remove deletes a single root-relative file. Missing files are not an
// error.
func (r *Root) Remove(rel string) error {
	abs, err := r.Resolve(rel)
	if err != nil {
		return err
	}
	if exists, _ := afero.Exists(r.fs, abs); !exists {
		return nil
	}
	if err := r.fs.Remove(abs); err != nil {
		return fmt.Errorf("fsroot: remove %s: %w", rel, err)
	}
	return nil
}

// WriteFile writes contents to a root-relative path, creating parent
// directories as needed. Used by index-cache persistence.
func (r *Root) WriteFile(rel string, data []byte) error {
	if err := r.MkdirAll(rel); err != nil {
		return err
	}
	abs, err := r.Resolve(rel)
	if err != nil {
		return err
	}
	return afero.WriteFile(r.fs, abs, data, 0o644)
}

// ReadFile reads a root-relative path.
func (r *Root) ReadFile(rel string) ([]byte, error) {
	abs, err := r.Resolve(rel)
	if err != nil {
		return nil, err
	}
	return afero.ReadFile(r.fs, abs)
}

// defaultRoot is the process-wide root, set once at startup by the host
// bootstrap. Tests never mutate it directly; they acquire a scoped
// replacement via Acquire. defaultMu is held only while a root is read
// or swapped, not between Acquire and its restore func.
var (
	defaultMu   sync.Mutex
	defaultRoot *Root
)

// SetDefault installs the process-wide root. Called once by the host
// bootstrap (or a CLI's startup path) before any Transaction opens.
func SetDefault(r *Root) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultRoot = r
}

// Default returns the process-wide root.
func Default() *Root {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultRoot
}

// Acquire swaps the process-wide root and returns a func restoring the
// previous root. Tests using this guard must not run in parallel with
// each other, since there is exactly one process-wide default.
func Acquire(r *Root) func() {
	defaultMu.Lock()
	previous := defaultRoot
	defaultRoot = r
	defaultMu.Unlock()

	return func() {
		defaultMu.Lock()
		defaultRoot = previous
		defaultMu.Unlock()
	}
}
