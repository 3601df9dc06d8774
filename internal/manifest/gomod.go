package manifest

import (
	"github.com/pkg/errors"
	"golang.org/x/mod/modfile"
	"golang.org/x/mod/semver"
)

// goModEditor edits require directives through modfile so comments such as
// "// indirect" survive.
type goModEditor struct{}

func (goModEditor) constraint(content []byte, name string) (string, bool, error) {
	f, err := modfile.Parse("go.mod", content, nil)
	if err != nil {
		return "", false, errors.Wrap(err, "go.mod")
	}
	for _, r := range f.Require {
		if r.Mod.Path == name {
			return r.Mod.Version, true, nil
		}
	}
	return "", false, nil
}

func (goModEditor) rewrite(content []byte, name, version string) ([]byte, bool, error) {
	f, err := modfile.Parse("go.mod", content, nil)
	if err != nil {
		return nil, false, errors.Wrap(err, "go.mod")
	}

	found := false
	for _, r := range f.Require {
		if r.Mod.Path == name {
			found = true
			break
		}
	}
	if !found {
		return content, false, nil
	}

	v := "v" + version
	if !semver.IsValid(v) {
		return nil, true, errors.Errorf("invalid module version %q", v)
	}
	if err := f.AddRequire(name, v); err != nil {
		return nil, true, errors.Wrapf(err, "go.mod require %s", name)
	}
	f.Cleanup()

	out, err := f.Format()
	if err != nil {
		return nil, true, errors.Wrap(err, "go.mod format")
	}
	return out, true, nil
}
