// Package pipeline runs a project's own install/build/test commands and
// detects which commands a repository uses.
package pipeline

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// Commands are the conventional steps for one package manager. Empty
// fields are skipped.
type Commands struct {
	PackageManager string `json:"package_manager"`
	Install        string `json:"install,omitempty"`
	Build          string `json:"build,omitempty"`
	Test           string `json:"test,omitempty"`
	Lint           string `json:"lint,omitempty"`
	TypeCheck      string `json:"type_check,omitempty"`
	// Manifest is the file the package manager reads its requirements from.
	Manifest string `json:"manifest,omitempty"`
}

// Steps returns install, build, type-check and test in that order.
// Lint is advisory and never gates an update.
func (c Commands) Steps() []string {
	var steps []string
	for _, s := range []string{c.Install, c.Build, c.TypeCheck, c.Test} {
		if s != "" {
			steps = append(steps, s)
		}
	}
	return steps
}

// Detect inspects repoPath for a known package manager. ok is false when
// nothing is recognized.
func Detect(repoPath string) (cmds Commands, ok bool) {
	exists := func(name string) bool {
		_, err := os.Stat(filepath.Join(repoPath, name))
		return err == nil
	}

	switch {
	case exists("package.json"):
		return detectNode(repoPath, exists), true
	case exists("pyproject.toml") && fileContains(filepath.Join(repoPath, "pyproject.toml"), "[tool.poetry]"):
		return Commands{
			PackageManager: "poetry",
			Install:        "poetry install",
			Build:          "poetry build",
			Test:           "poetry run pytest",
			Manifest:       "pyproject.toml",
		}, true
	case exists("Pipfile"):
		return Commands{
			PackageManager: "pipenv",
			Install:        "pipenv install",
			Test:           "pipenv run pytest",
			Manifest:       "Pipfile",
		}, true
	case exists("requirements.txt"):
		c := Commands{
			PackageManager: "pip",
			Install:        "pip install -r requirements.txt",
			Test:           "pytest",
			Manifest:       "requirements.txt",
		}
		if exists("setup.py") {
			c.Build = "python setup.py build"
		}
		return c, true
	case exists("Cargo.toml"):
		return Commands{
			PackageManager: "cargo",
			Build:          "cargo build",
			Test:           "cargo test",
			Lint:           "cargo clippy",
			Manifest:       "Cargo.toml",
		}, true
	case exists("go.mod"):
		return Commands{
			PackageManager: "go",
			Install:        "go mod download",
			Build:          "go build ./...",
			Test:           "go test ./...",
			Lint:           "go vet ./...",
			Manifest:       "go.mod",
		}, true
	case exists("Gemfile"):
		return Commands{
			PackageManager: "bundler",
			Install:        "bundle install",
			Test:           "bundle exec rspec",
			Manifest:       "Gemfile",
		}, true
	case exists("composer.json"):
		return Commands{
			PackageManager: "composer",
			Install:        "composer install",
			Test:           "composer test",
			Manifest:       "composer.json",
		}, true
	}
	return Commands{}, false
}

func detectNode(repoPath string, exists func(string) bool) Commands {
	pm := "npm"
	switch {
	case exists("pnpm-lock.yaml"):
		pm = "pnpm"
	case exists("yarn.lock"):
		pm = "yarn"
	}

	c := Commands{PackageManager: pm, Install: pm + " install", Manifest: "package.json"}

	var pkg struct {
		Scripts map[string]string `json:"scripts"`
	}
	data, err := os.ReadFile(filepath.Join(repoPath, "package.json"))
	if err != nil || json.Unmarshal(data, &pkg) != nil {
		return c
	}
	if _, ok := pkg.Scripts["build"]; ok {
		c.Build = pm + " run build"
	}
	if _, ok := pkg.Scripts["test"]; ok {
		c.Test = pm + " test"
	}
	if _, ok := pkg.Scripts["lint"]; ok {
		c.Lint = pm + " run lint"
	}
	if _, ok := pkg.Scripts["type-check"]; ok {
		c.TypeCheck = pm + " run type-check"
	} else if _, ok := pkg.Scripts["typecheck"]; ok {
		c.TypeCheck = pm + " run typecheck"
	}
	return c
}

func fileContains(path, needle string) bool {
	data, err := os.ReadFile(path)
	return err == nil && strings.Contains(string(data), needle)
}
