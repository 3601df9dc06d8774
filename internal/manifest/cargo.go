package manifest

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

var (
	tomlHeader     = regexp.MustCompile(`^\s*\[([^\[\]]+)\]\s*(?:#.*)?$`)
	tomlVersionKey = regexp.MustCompile(`^\s*version\s*=\s*"([^"]*)"`)
)

// cargoLocator finds a crate's version string in any dependency table:
//
//	name = "1.0"
//	name = { version = "1.0", features = [...] }
//	[dependencies.name]
//	version = "1.0"
type cargoLocator struct{}

func (cargoLocator) locate(content []byte, name string) ([]span, error) {
	var doc map[string]any
	if err := toml.Unmarshal(content, &doc); err != nil {
		return nil, errors.Wrap(err, "Cargo.toml")
	}
	if !cargoDeclares(doc, name) {
		return nil, nil
	}

	quoted := regexp.QuoteMeta(name)
	simple := regexp.MustCompile(`^\s*` + quoted + `\s*=\s*"([^"]*)"`)
	inline := regexp.MustCompile(`^\s*` + quoted + `\s*=\s*\{[^}]*\bversion\s*=\s*"([^"]*)"`)

	var (
		spans      []span
		inDeps     bool
		inCrateTbl bool
	)
	offset := 0
	for _, line := range bytes.SplitAfter(content, []byte("\n")) {
		lineStart := offset
		offset += len(line)

		if h := tomlHeader.FindSubmatch(line); h != nil {
			table := strings.TrimSpace(string(h[1]))
			inDeps = isCargoDependencyTable(table)
			inCrateTbl = false
			if i := strings.LastIndex(table, "."); i >= 0 {
				inCrateTbl = isCargoDependencyTable(table[:i]) && strings.Trim(table[i+1:], `"' `) == name
			}
			continue
		}

		var m []int
		switch {
		case inCrateTbl:
			m = tomlVersionKey.FindSubmatchIndex(line)
		case inDeps:
			if m = simple.FindSubmatchIndex(line); m == nil {
				m = inline.FindSubmatchIndex(line)
			}
		}
		if m != nil {
			spans = append(spans, span{start: lineStart + m[2], end: lineStart + m[3]})
		}
	}
	return spans, nil
}

// cargoDeclares reports whether the decoded manifest lists name in a
// dependency table, including workspace and target-specific ones.
func cargoDeclares(doc map[string]any, name string) bool {
	if declaredIn(doc, name) {
		return true
	}
	if ws, ok := doc["workspace"].(map[string]any); ok && declaredIn(ws, name) {
		return true
	}
	if targets, ok := doc["target"].(map[string]any); ok {
		for _, t := range targets {
			if platform, ok := t.(map[string]any); ok && declaredIn(platform, name) {
				return true
			}
		}
	}
	return false
}

// declaredIn checks the dependency tables directly under table.
func declaredIn(table map[string]any, name string) bool {
	for _, key := range []string{"dependencies", "dev-dependencies", "build-dependencies"} {
		if deps, ok := table[key].(map[string]any); ok {
			if _, ok := deps[name]; ok {
				return true
			}
		}
	}
	return false
}

func isCargoDependencyTable(table string) bool {
	last := table
	if i := strings.LastIndex(table, "."); i >= 0 {
		last = table[i+1:]
	}
	switch last {
	case "dependencies", "dev-dependencies", "build-dependencies":
		return true
	}
	return false
}
