package index

import (
	"encoding/xml"
	"fmt"
)

// ErrInvalidIndex wraps any structural problem with a parsed index
// document.
type ErrInvalidIndex struct {
	Remote string
	Reason string
}

func (e *ErrInvalidIndex) Error() string {
	return fmt.Sprintf("index: invalid index for remote %q: %s", e.Remote, e.Reason)
}

// xmlIndex through xmlSource are the raw unmarshalling targets. Unknown
// elements and attributes are silently ignored by encoding/xml, matching
// ("Unknown elements are ignored").
type xmlIndex struct {
	XMLName    xml.Name      `xml:"index"`
	Version    int           `xml:"version,attr"`
	Name       string        `xml:"name,attr"`
	Categories []xmlCategory `xml:"category"`
}

type xmlCategory struct {
	Name     string       `xml:"name,attr"`
	Packages []xmlPackage `xml:"reapack"`
}

type xmlPackage struct {
	Name     string       `xml:"name,attr"`
	Type     string       `xml:"type,attr"`
	Versions []xmlVersion `xml:"version"`
}

type xmlVersion struct {
	Name      string      `xml:"name,attr"`
	Author    string      `xml:"author,attr"`
	Changelog string      `xml:"changelog"`
	Sources   []xmlSource `xml:"source"`
}

type xmlSource struct {
	Platform string `xml:"platform,attr"`
	File     string `xml:"file,attr"`
	Main     bool   `xml:"main,attr"`
	Section  string `xml:"section,attr"`
	URL      string `xml:",chardata"`
}

// Parse decodes a repository index document for remoteName, building the
// back-referenced Index/Category/Package/Version/Source tree and
// enforcing the invariants in: unique, strictly ordered
// version names within a package, and at least one Source per Version.
// An unknown platform value on a <source> disqualifies that source
// rather than failing the whole parse.
func Parse(data []byte, remoteName string) (*Index, error) {
	var raw xmlIndex
	if err := xml.Unmarshal(data, &raw); err != nil {
		return nil, &ErrInvalidIndex{Remote: remoteName, Reason: err.Error()}
	}

	if raw.Name == "" {
		raw.Name = remoteName
	}

	ix := &Index{Name: raw.Name, FormatVer: raw.Version}

	for _, rc := range raw.Categories {
		cat := &Category{index: ix, Name: rc.Name}

		for _, rp := range rc.Packages {
			pkg := &Package{category: cat, Type: PackageType(rp.Type), Name: rp.Name}

			for _, rv := range rp.Versions {
				ver := &Version{
					pkg:       pkg,
					Name:      rv.Name,
					Author:    rv.Author,
					Changelog: rv.Changelog,
				}

				for _, rs := range rv.Sources {
					platform := Platform(rs.Platform)
					if platform == "" {
						platform = PlatformGeneric
					}
					if !platform.IsKnown() {
						continue
					}

					sections := []string(nil)
					if rs.Section != "" {
						sections = []string{rs.Section}
					}

					ver.Sources = append(ver.Sources, &Source{
						version:  ver,
						URL:      rs.URL,
						Platform: platform,
						File:     rs.File,
						Main:     rs.Main,
						Sections: sections,
					})
				}

				if len(ver.Sources) == 0 {
					return nil, &ErrInvalidIndex{
						Remote: remoteName,
						Reason: fmt.Sprintf("%s v%s has no usable source", pkg.FullName(), ver.Name),
					}
				}

				pkg.Versions = append(pkg.Versions, ver)
			}

			if err := sortAndValidateVersions(pkg, remoteName); err != nil {
				return nil, err
			}

			cat.Packages = append(cat.Packages, pkg)
		}

		ix.Categories = append(ix.Categories, cat)
	}

	return ix, nil
}

// sortAndValidateVersions orders pkg.Versions ascending and rejects
// duplicate version names, which would break the registry's "pinned
// upgrade vs reinstall" comparison.
func sortAndValidateVersions(pkg *Package, remoteName string) error {
	seen := make(map[string]bool, len(pkg.Versions))
	for _, v := range pkg.Versions {
		if seen[v.Name] {
			return &ErrInvalidIndex{
				Remote: remoteName,
				Reason: fmt.Sprintf("%s has duplicate version %q", pkg.FullName(), v.Name),
			}
		}
		seen[v.Name] = true
	}

	insertionSort(pkg.Versions)
	return nil
}

// insertionSort keeps the parse deterministic and avoids pulling in
// sort.Slice's reflection-based comparator for what's typically a list
// of a handful of versions.
func insertionSort(versions []*Version) {
	for i := 1; i < len(versions); i++ {
		j := i
		for j > 0 && Less(versions[j].Name, versions[j-1].Name) {
			versions[j], versions[j-1] = versions[j-1], versions[j]
			j--
		}
	}
}

// Emit re-serializes ix back into the same XML shape it was parsed from,
// so that parse(emit(parse(x))) == parse(x).
func Emit(ix *Index) ([]byte, error) {
	raw := xmlIndex{Version: ix.FormatVer, Name: ix.Name}

	for _, c := range ix.Categories {
		rc := xmlCategory{Name: c.Name}
		for _, p := range c.Packages {
			rp := xmlPackage{Name: p.Name, Type: string(p.Type)}
			for _, v := range p.Versions {
				rv := xmlVersion{Name: v.Name, Author: v.Author, Changelog: v.Changelog}
				for _, s := range v.Sources {
					section := ""
					if len(s.Sections) > 0 {
						section = s.Sections[0]
					}
					rv.Sources = append(rv.Sources, xmlSource{
						Platform: string(s.Platform),
						File:     s.File,
						Main:     s.Main,
						Section:  section,
						URL:      s.URL,
					})
				}
				rp.Versions = append(rp.Versions, rv)
			}
			rc.Packages = append(rc.Packages, rp)
		}
		raw.Categories = append(raw.Categories, rc)
	}

	out, err := xml.MarshalIndent(raw, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("index: emit: %w", err)
	}
	return out, nil
}
