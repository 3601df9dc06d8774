package main

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/moeryomenko/bumpguard/internal/manifest"
)

// lockFiles are written back with the manifest when the build regenerated
// them.
var lockFiles = map[manifest.Format][]string{
	manifest.FormatGoMod:       {"go.sum"},
	manifest.FormatPackageJSON: {"package-lock.json"},
	manifest.FormatCargo:       {"Cargo.lock"},
}

// copyTree copies src into the existing directory dst, keeping file modes
// and symlinks. Version control metadata is skipped.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		default:
			return nil
		}
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// commitFiles copies a passing working copy's manifest and lock file back
// into the directory it was made from.
func commitFiles(workDir, origin string, m *manifest.Manifest) error {
	names := append([]string{filepath.Base(m.Path)}, lockFiles[m.Format]...)
	for _, name := range names {
		src := filepath.Join(workDir, name)
		info, err := os.Stat(src)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", name, err)
		}
		if err := copyFile(src, filepath.Join(origin, name), info.Mode().Perm()); err != nil {
			return fmt.Errorf("failed to write %s back to %s: %w", name, origin, err)
		}
	}
	return nil
}
