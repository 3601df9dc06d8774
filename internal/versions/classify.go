package versions

import "sort"

// UpdateType categorizes an upgrade by the most significant component that changes.
type UpdateType string

const (
	Major   UpdateType = "major"
	Minor   UpdateType = "minor"
	Patch   UpdateType = "patch"
	Unknown UpdateType = "unknown"
)

// Classify reports which component differs between current and latest.
// Equal versions are a zero-delta patch. Malformed input is Unknown.
func Classify(current, latest SemVer) UpdateType {
	if !current.valid || !latest.valid {
		return Unknown
	}
	switch {
	case current.Major != latest.Major:
		return Major
	case current.Minor != latest.Minor:
		return Minor
	default:
		return Patch
	}
}

// ClassifyStrings is Classify over unparsed version strings.
func ClassifyStrings(current, latest string) UpdateType {
	return Classify(Parse(current), Parse(latest))
}

// HighestInMajor returns the greatest well-formed candidate whose major
// component equals majorLine. Malformed candidates are skipped.
func HighestInMajor(candidates []SemVer, majorLine uint64) (SemVer, bool) {
	var (
		best  SemVer
		found bool
	)
	for _, c := range candidates {
		if !c.valid || c.Major != majorLine {
			continue
		}
		if !found || best.Less(c) {
			best = c
			found = true
		}
	}
	return best, found
}

// Sort orders well-formed versions ascending and drops malformed ones.
func Sort(vs []SemVer) []SemVer {
	out := make([]SemVer, 0, len(vs))
	for _, v := range vs {
		if v.valid {
			out = append(out, v)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Latest returns the greatest well-formed version, if any.
func Latest(vs []SemVer) (SemVer, bool) {
	sorted := Sort(vs)
	if len(sorted) == 0 {
		return SemVer{}, false
	}
	return sorted[len(sorted)-1], true
}

// rank orders update types from most to least disruptive.
func (t UpdateType) rank() int {
	switch t {
	case Major:
		return 0
	case Minor:
		return 1
	case Patch:
		return 2
	default:
		return 3
	}
}

// MoreDisruptive reports whether t should be listed before o.
func (t UpdateType) MoreDisruptive(o UpdateType) bool {
	return t.rank() < o.rank()
}
