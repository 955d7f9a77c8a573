// Package index parses repository indexes and selects installable
// versions for the host platform.
package index

import (
	"fmt"
	"path"
	"sync"
	"time"
)

// PackageType determines which install root a package's files resolve
// under.
type PackageType string

const (
	TypeScript       PackageType = "script"
	TypeExtension    PackageType = "extension"
	TypeEffect       PackageType = "effect"
	TypeData         PackageType = "data"
	TypeTheme        PackageType = "theme"
	TypeLangPack     PackageType = "langpack"
	TypeWebInterface PackageType = "webinterface"
)

// Source is one platform-tagged download location for a Version.
type Source struct {
	version *Version

	URL      string
	Platform Platform
	File     string // explicit relative path, empty if implicit
	Main     bool
	Sections []string // REAPER action-list sections this source registers under
}

// Version returns the owning Version (back-reference, not ownership).
func (s *Source) Version() *Version { return s.version }

// TargetPath resolves the root-relative destination path for this
// source, using the explicit File if given or deriving one from the
// package name otherwise.
func (s *Source) TargetPath() (string, error) {
	pkg := s.version.pkg
	cat := pkg.category

	file := s.File
	if file == "" {
		file = path.Base(s.URL)
		if file == "" || file == "." || file == "/" {
			file = pkg.Name
		}
	}

	switch pkg.Type {
	case TypeScript:
		return path.Join("Scripts", cat.index.Name, cat.Name, file), nil
	case TypeEffect:
		return path.Join("Effects", cat.index.Name, cat.Name, file), nil
	case TypeData:
		return path.Join("Data", cat.index.Name, cat.Name, file), nil
	case TypeExtension:
		return path.Join("UserPlugins", file), nil
	case TypeTheme:
		return path.Join("ColorThemes", file), nil
	case TypeLangPack:
		return path.Join("LangPack", file), nil
	case TypeWebInterface:
		return path.Join("reaper_www_root", cat.index.Name, file), nil
	default:
		return "", fmt.Errorf("index: unknown package type %q", pkg.Type)
	}
}

// Version is one releasable state of a Package.
type Version struct {
	pkg *Package

	Name      string // semver-ish, totally ordered via Compare
	Author    string
	Changelog string
	Sources   []*Source
}

// Package returns the owning Package (back-reference, not ownership).
func (v *Version) Package() *Package { return v.pkg }

// FullName formats "category/name v1.0" for receipts and error messages.
func (v *Version) FullName() string {
	return fmt.Sprintf("%s v%s", v.pkg.FullName(), v.Name)
}

// SourcesFor returns the sources of v usable on host, preserving index
// order.
func (v *Version) SourcesFor(host Platform) []*Source {
	var out []*Source
	for _, s := range v.Sources {
		if s.Platform.IsKnown() && s.Platform.Matches(host) {
			out = append(out, s)
		}
	}
	return out
}

// InstallableOn reports whether v yields at least one Source for host,
// the invariant every installable Version must satisfy.
func (v *Version) InstallableOn(host Platform) bool {
	return len(v.SourcesFor(host)) > 0
}

// MainSource returns the source flagged main, or the sole source when
// there is exactly one, for the host registration ticket.
func (v *Version) MainSource(host Platform) *Source {
	sources := v.SourcesFor(host)
	if len(sources) == 0 {
		return nil
	}
	for _, s := range sources {
		if s.Main {
			return s
		}
	}
	if len(sources) == 1 {
		return sources[0]
	}
	return nil
}

// Package is a named installable unit belonging to a Category.
type Package struct {
	category *Category

	Type     PackageType
	Name     string
	Versions []*Version // ordered ascending by Compare, unique names
}

// Category returns the owning Category (back-reference, not ownership).
func (p *Package) Category() *Category { return p.category }

// FullName formats "category/name" for receipts and diagnostics.
func (p *Package) FullName() string {
	return fmt.Sprintf("%s/%s", p.category.Name, p.Name)
}

// LastVersion returns the highest Version, or nil if the package somehow
// has none (the parser rejects this, but callers should not assume it).
func (p *Package) LastVersion() *Version {
	if len(p.Versions) == 0 {
		return nil
	}
	return p.Versions[len(p.Versions)-1]
}

// LastVersionFor returns the highest Version installable on host, or nil.
func (p *Package) LastVersionFor(host Platform) *Version {
	for i := len(p.Versions) - 1; i >= 0; i-- {
		if p.Versions[i].InstallableOn(host) {
			return p.Versions[i]
		}
	}
	return nil
}

// Category is an ordered group of Packages within an Index.
type Category struct {
	index *Index

	Name     string
	Packages []*Package
}

// Index returns the owning Index (back-reference, not ownership).
func (c *Category) Index() *Index { return c.index }

// Index is the parsed content of one Remote, shared by every Task staged
// from the same synchronize call. Callers hold it behind *SharedIndex;
// the Index itself never outlives all its holders.
type Index struct {
	Name       string // index name attribute, or the remote name when absent
	FormatVer  int
	Categories []*Category
	FetchedAt  time.Time
}

// Package looks up a package by category and name.
func (ix *Index) Package(category, name string) *Package {
	for _, c := range ix.Categories {
		if c.Name != category {
			continue
		}
		for _, p := range c.Packages {
			if p.Name == name {
				return p
			}
		}
	}
	return nil
}

// AllPackages flattens every package across every category, in index
// order.
func (ix *Index) AllPackages() []*Package {
	var out []*Package
	for _, c := range ix.Categories {
		out = append(out, c.Packages...)
	}
	return out
}

// SharedIndex is a reference-counted handle to an Index, so every Task
// staged from one synchronize call can hold the same parsed Index and the
// last holder to release it frees the underlying tree.
type SharedIndex struct {
	mu    sync.Mutex
	index *Index
	count int
}

// NewSharedIndex wraps ix with a single initial holder.
func NewSharedIndex(ix *Index) *SharedIndex {
	return &SharedIndex{index: ix, count: 1}
}

// Acquire adds a holder and returns the shared Index.
func (s *SharedIndex) Acquire() *Index {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	return s.index
}

// Release removes a holder. It is a no-op beyond the refcount decrement:
// the Index is garbage collected normally once every holder has
// released, there being no external resource to close.
func (s *SharedIndex) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count > 0 {
		s.count--
	}
}

// Holders returns the current reference count, for tests.
func (s *SharedIndex) Holders() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}
