package manifest

import (
	"bytes"
	"regexp"
)

// requirementLine matches "name[extras] <op> version" at the start of a
// requirements.txt line. Group 3 is the first specifier, if any, and group
// 4 the further comma-separated specifiers.
var requirementLine = regexp.MustCompile(
	`^\s*([A-Za-z0-9][A-Za-z0-9._-]*)\s*(\[[^\]]*\])?\s*` +
		`(` + pipSpecifier + `)?` +
		`((?:\s*,\s*` + pipSpecifier + `)*)`)

const pipSpecifier = `(?:===|==|~=|>=|<=|!=|>|<)\s*[^\s;#,]+`

// pipLocator scans requirements.txt line by line. Comments, blank lines and
// pip options (-r, -e, --hash) are never touched.
type pipLocator struct{}

func (pipLocator) locate(content []byte, name string) ([]span, error) {
	want := normalizePythonName(name)

	var spans []span
	offset := 0
	for _, line := range bytes.SplitAfter(content, []byte("\n")) {
		lineStart := offset
		offset += len(line)

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 || trimmed[0] == '#' || trimmed[0] == '-' {
			continue
		}
		m := requirementLine.FindSubmatchIndex(line)
		if m == nil {
			continue
		}
		if normalizePythonName(string(line[m[2]:m[3]])) != want {
			continue
		}
		switch {
		case m[6] >= 0 && m[9] > m[8]:
			// A range like ">=1.0,<2.0" is pinned as a whole.
			spans = append(spans, span{start: lineStart + m[6], end: lineStart + m[7], pinEnd: lineStart + m[9]})
		case m[6] >= 0:
			spans = append(spans, span{start: lineStart + m[6], end: lineStart + m[7]})
		case m[4] >= 0:
			spans = append(spans, span{start: lineStart + m[5], end: lineStart + m[5]})
		default:
			spans = append(spans, span{start: lineStart + m[3], end: lineStart + m[3]})
		}
	}
	return spans, nil
}
