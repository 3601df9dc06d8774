// Package versions parses semantic versions and classifies upgrades between
// them. Everything here is pure; malformed input never panics, it degrades to
// an invalid SemVer that compares with nothing.
package versions

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// looseTriple accepts a numeric triple followed by a free-form suffix that
// strict semver rejects (e.g. "1.2.3-beta_1").
var looseTriple = regexp.MustCompile(`^(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)([-+].*)$`)

// SemVer is a (major, minor, patch) triple with an optional suffix.
// The suffix is kept verbatim and ignored by ordering.
type SemVer struct {
	Major  uint64
	Minor  uint64
	Patch  uint64
	Suffix string

	raw   string
	valid bool
}

// Parse parses s as a semantic version. A single leading "v" is accepted.
// Anything that is not three dot-separated numbers (plus optional "-" or "+"
// suffix) yields an opaque, invalid SemVer that still remembers s.
func Parse(s string) SemVer {
	raw := strings.TrimSpace(s)
	trimmed := strings.TrimPrefix(strings.TrimPrefix(raw, "v"), "V")

	if sv, err := semver.StrictNewVersion(trimmed); err == nil {
		out := SemVer{Major: sv.Major(), Minor: sv.Minor(), Patch: sv.Patch(), raw: raw, valid: true}
		if sv.Prerelease() != "" {
			out.Suffix = "-" + sv.Prerelease()
		}
		if sv.Metadata() != "" {
			out.Suffix += "+" + sv.Metadata()
		}
		return out
	}

	m := looseTriple.FindStringSubmatch(trimmed)
	if m == nil {
		return SemVer{raw: raw}
	}
	major, err1 := strconv.ParseUint(m[1], 10, 64)
	minor, err2 := strconv.ParseUint(m[2], 10, 64)
	patch, err3 := strconv.ParseUint(m[3], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return SemVer{raw: raw}
	}
	return SemVer{Major: major, Minor: minor, Patch: patch, Suffix: m[4], raw: raw, valid: true}
}

// MustParse is Parse for literals known to be well formed; it panics otherwise.
func MustParse(s string) SemVer {
	v := Parse(s)
	if !v.valid {
		panic("versions: malformed version " + strconv.Quote(s))
	}
	return v
}

// Valid reports whether v parsed as a numeric triple.
func (v SemVer) Valid() bool { return v.valid }

// String returns the version exactly as it was given to Parse. Versions
// built by hand render as major.minor.patch plus suffix.
func (v SemVer) String() string {
	if v.raw != "" || !v.valid {
		return v.raw
	}
	return v.Canonical()
}

// Canonical renders major.minor.patch plus suffix without any "v" prefix.
func (v SemVer) Canonical() string {
	if !v.valid {
		return v.raw
	}
	return strconv.FormatUint(v.Major, 10) + "." +
		strconv.FormatUint(v.Minor, 10) + "." +
		strconv.FormatUint(v.Patch, 10) + v.Suffix
}

// Compare orders two well-formed versions by (major, minor, patch).
// ok is false when either side is malformed; such pairs are incomparable.
func (v SemVer) Compare(o SemVer) (cmp int, ok bool) {
	if !v.valid || !o.valid {
		return 0, false
	}
	for _, pair := range [][2]uint64{{v.Major, o.Major}, {v.Minor, o.Minor}, {v.Patch, o.Patch}} {
		switch {
		case pair[0] < pair[1]:
			return -1, true
		case pair[0] > pair[1]:
			return 1, true
		}
	}
	return 0, true
}

// Less reports whether v orders strictly before o. Malformed versions are
// never less than anything.
func (v SemVer) Less(o SemVer) bool {
	c, ok := v.Compare(o)
	return ok && c < 0
}

// Equal reports whether both versions are well formed and order equally.
func (v SemVer) Equal(o SemVer) bool {
	c, ok := v.Compare(o)
	return ok && c == 0
}

// ParseAll parses every string, keeping malformed entries so callers can
// report them.
func ParseAll(ss []string) []SemVer {
	out := make([]SemVer, 0, len(ss))
	for _, s := range ss {
		out = append(out, Parse(s))
	}
	return out
}
