package manifest

import (
	"regexp"
	"strings"

	pep440 "github.com/aquasecurity/go-pep440-version"
	"github.com/pkg/errors"

	"github.com/moeryomenko/bumpguard/internal/versions"
)

var constraintPattern = regexp.MustCompile(`^(\s*(?:\^|~>|~=|~|===|==|>=|<=|!=|>|<|=)?\s*v?)(.*)$`)

// Constraint is a declared version requirement split into its operator
// prefix (e.g. "^", "~", ">=", "==", "v") and the version text.
type Constraint struct {
	Prefix  string
	Version string
}

// ParseConstraint splits raw into prefix and version.
func ParseConstraint(raw string) Constraint {
	m := constraintPattern.FindStringSubmatch(raw)
	if m == nil {
		return Constraint{Version: raw}
	}
	return Constraint{Prefix: m[1], Version: m[2]}
}

// String reassembles the constraint.
func (c Constraint) String() string {
	return c.Prefix + c.Version
}

// SemVer parses the version part.
func (c Constraint) SemVer() versions.SemVer {
	return versions.Parse(c.Version)
}

// span is the byte range of one declared constraint. When pinEnd is set
// the constraint is the first of several, and a rewrite replaces the whole
// range up to pinEnd with an exact pin.
type span struct {
	start, end int
	pinEnd     int
}

// locator finds every constraint span declared for name.
type locator interface {
	locate(content []byte, name string) ([]span, error)
}

// spanEditor rewrites constraints located by byte range, so nothing outside
// those ranges changes.
type spanEditor struct {
	locator       locator
	defaultPrefix string
	// pinPrefix replaces a multi-specifier range.
	pinPrefix string
	validate  func(string) error
}

func (e spanEditor) constraint(content []byte, name string) (string, bool, error) {
	spans, err := e.locator.locate(content, name)
	if err != nil || len(spans) == 0 {
		return "", false, err
	}
	return string(content[spans[0].start:spans[0].end]), true, nil
}

func (e spanEditor) rewrite(content []byte, name, version string) ([]byte, bool, error) {
	spans, err := e.locator.locate(content, name)
	if err != nil || len(spans) == 0 {
		return content, false, err
	}
	if e.validate != nil {
		if err := e.validate(version); err != nil {
			return nil, true, err
		}
	}

	out := append([]byte(nil), content...)
	for i := len(spans) - 1; i >= 0; i-- {
		s := spans[i]
		c := ParseConstraint(string(out[s.start:s.end]))
		prefix := c.Prefix
		end := s.end
		switch {
		case s.pinEnd > s.end:
			prefix, end = e.pinPrefix, s.pinEnd
		case c.String() == "":
			prefix = e.defaultPrefix
		}
		replacement := []byte(prefix + version)

		next := make([]byte, 0, len(out)-(end-s.start)+len(replacement))
		next = append(next, out[:s.start]...)
		next = append(next, replacement...)
		next = append(next, out[end:]...)
		out = next
	}
	return out, true, nil
}

func validatePEP440(v string) error {
	if _, err := pep440.Parse(v); err != nil {
		return errors.Wrapf(err, "invalid PEP 440 version %q", v)
	}
	return nil
}

// normalizePythonName applies PEP 503 name normalization.
func normalizePythonName(name string) string {
	return strings.ToLower(pythonNameSeparators.ReplaceAllString(name, "-"))
}

var pythonNameSeparators = regexp.MustCompile(`[-_.]+`)
