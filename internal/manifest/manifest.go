// Package manifest reads, edits and writes dependency manifests. Each format
// is parsed into just enough structure to locate a package's version
// constraint; every byte outside that constraint is left untouched.
package manifest

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/moeryomenko/bumpguard/internal/versions"
)

// Format identifies a manifest dialect by its conventional file name.
type Format string

const (
	FormatPackageJSON  Format = "package.json"
	FormatRequirements Format = "requirements.txt"
	FormatCargo        Format = "Cargo.toml"
	FormatGoMod        Format = "go.mod"
)

var (
	// ErrUnsupportedFormat is returned for manifests no editor understands.
	ErrUnsupportedFormat = errors.New("unsupported manifest format")
	// ErrPackageNotFound is returned when a rollback targets an undeclared package.
	ErrPackageNotFound = errors.New("package not declared in manifest")
)

// editor knows how to find and replace one package's constraint in a format.
type editor interface {
	constraint(content []byte, name string) (string, bool, error)
	rewrite(content []byte, name, version string) ([]byte, bool, error)
}

func editorFor(f Format) (editor, error) {
	switch f {
	case FormatPackageJSON:
		return spanEditor{locator: npmLocator{}}, nil
	case FormatRequirements:
		return spanEditor{locator: pipLocator{}, defaultPrefix: "==", pinPrefix: "==", validate: validatePEP440}, nil
	case FormatCargo:
		return spanEditor{locator: cargoLocator{}}, nil
	case FormatGoMod:
		return goModEditor{}, nil
	default:
		return nil, errors.Wrapf(ErrUnsupportedFormat, "%q", f)
	}
}

// DetectFormat maps a file path to its manifest format.
func DetectFormat(path string) (Format, error) {
	base := filepath.Base(path)
	switch {
	case base == "package.json":
		return FormatPackageJSON, nil
	case base == "Cargo.toml":
		return FormatCargo, nil
	case base == "go.mod":
		return FormatGoMod, nil
	case strings.HasPrefix(base, "requirements") && strings.HasSuffix(base, ".txt"):
		return FormatRequirements, nil
	default:
		return "", errors.Wrapf(ErrUnsupportedFormat, "%s", base)
	}
}

// Manifest is an immutable snapshot of one manifest file. Edits return a
// new Manifest.
type Manifest struct {
	Path    string
	Format  Format
	content []byte
	ed      editor
}

// New wraps content of the given format.
func New(path string, format Format, content []byte) (*Manifest, error) {
	ed, err := editorFor(format)
	if err != nil {
		return nil, err
	}
	return &Manifest{
		Path:    path,
		Format:  format,
		content: append([]byte(nil), content...),
		ed:      ed,
	}, nil
}

// Load reads a manifest from disk, detecting its format from the file name.
func Load(path string) (*Manifest, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	return New(path, format, content)
}

// Bytes returns a copy of the serialized manifest.
func (m *Manifest) Bytes() []byte {
	return append([]byte(nil), m.content...)
}

// Equal reports whether both manifests serialize identically.
func (m *Manifest) Equal(o *Manifest) bool {
	return o != nil && m.Format == o.Format && bytes.Equal(m.content, o.content)
}

// Constraint returns the declared constraint for name, e.g. "^1.2.3".
func (m *Manifest) Constraint(name string) (Constraint, bool, error) {
	raw, ok, err := m.ed.constraint(m.content, name)
	if err != nil || !ok {
		return Constraint{}, ok, err
	}
	return ParseConstraint(raw), true, nil
}

// SetVersion returns a copy of m whose constraint for name points at v,
// keeping the declared prefix convention. found is false when name is not
// declared; the returned manifest is then m itself.
func (m *Manifest) SetVersion(name string, v versions.SemVer) (out *Manifest, found bool, err error) {
	content, found, err := m.ed.rewrite(m.content, name, versionText(v))
	if err != nil {
		return nil, false, errors.Wrapf(err, "failed to set %s to %s in %s", name, v, m.Format)
	}
	if !found {
		return m, false, nil
	}
	return &Manifest{Path: m.Path, Format: m.Format, content: content, ed: m.ed}, true, nil
}

// WriteFile persists the manifest to its Path.
func (m *Manifest) WriteFile() error {
	if m.Path == "" {
		return errors.New("manifest has no path")
	}
	info, err := os.Stat(m.Path)
	mode := os.FileMode(0o644)
	if err == nil {
		mode = info.Mode().Perm()
	}
	return errors.Wrapf(os.WriteFile(m.Path, m.content, mode), "failed to write %s", m.Path)
}

// versionText renders v without any "v" prefix; the declared prefix
// convention supplies it where the format wants one.
func versionText(v versions.SemVer) string {
	if v.Valid() {
		return v.Canonical()
	}
	return strings.TrimPrefix(strings.TrimSpace(v.String()), "v")
}
