package index

import (
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Compare returns -1, 0, or 1 as a is less than, equal to, or greater
// than b, per their Name field. ReaPack version strings are "semver-ish"
// rather than strict semver (e.g. "1.0", "2015.03.12-beta"), so a strict
// semver.Version parse is attempted first and a component-wise fallback
// comparator is used when either string fails to parse — the fallback
// still yields a total, transitive order.
func Compare(a, b string) int {
	if a == b {
		return 0
	}

	sa, errA := semver.NewVersion(normalizeForSemver(a))
	sb, errB := semver.NewVersion(normalizeForSemver(b))
	if errA == nil && errB == nil {
		return sa.Compare(sb)
	}

	return compareComponents(a, b)
}

// normalizeForSemver pads a two-component version ("1.0") out to three
// components so Masterminds/semver accepts it; it already accepts
// pre-release/build suffixes attached beyond that.
func normalizeForSemver(v string) string {
	core, rest := splitSuffix(v)
	parts := strings.Split(core, ".")
	for len(parts) < 3 {
		parts = append(parts, "0")
	}
	return strings.Join(parts, ".") + rest
}

func splitSuffix(v string) (core, rest string) {
	if i := strings.IndexAny(v, "-+"); i >= 0 {
		return v[:i], v[i:]
	}
	return v, ""
}

// compareComponents splits both strings on '.' and compares component by
// component: numerically when both sides parse as integers, lexically
// otherwise. Shorter version strings are padded with zero/empty
// components so "1.2" < "1.2.1".
func compareComponents(a, b string) int {
	pa := strings.Split(a, ".")
	pb := strings.Split(b, ".")

	n := len(pa)
	if len(pb) > n {
		n = len(pb)
	}

	for i := 0; i < n; i++ {
		var ca, cb string
		if i < len(pa) {
			ca = pa[i]
		}
		if i < len(pb) {
			cb = pb[i]
		}

		if ca == cb {
			continue
		}

		na, errA := strconv.Atoi(ca)
		nb, errB := strconv.Atoi(cb)
		if errA == nil && errB == nil {
			if na != nb {
				if na < nb {
					return -1
				}
				return 1
			}
			continue
		}

		if ca < cb {
			return -1
		}
		return 1
	}

	return 0
}

// Less reports whether a orders before b.
func Less(a, b string) bool { return Compare(a, b) < 0 }
