package dependencies

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/mod/modfile"

	"github.com/moeryomenko/bumpguard/internal/manifest"
	"github.com/moeryomenko/bumpguard/internal/utils"
	"github.com/moeryomenko/bumpguard/internal/versions"
)

// OutdatedPackage is one entry of an ecosystem's outdated report.
type OutdatedPackage struct {
	Name    string `json:"name"`
	Current string `json:"current"`
	Latest  string `json:"latest"`
}

// Fetcher reports outdated packages of a project and lists the published
// versions of a package.
type Fetcher interface {
	Outdated(ctx context.Context) ([]OutdatedPackage, error)
	Versions(ctx context.Context, name string) ([]versions.SemVer, error)
}

// commandFunc runs a program in dir and returns its stdout. When the
// program exits non-zero the stdout read so far is returned with the error.
type commandFunc func(ctx context.Context, dir, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), fmt.Errorf("%s %s failed: %w\nOutput: %s", name, strings.Join(args, " "), err, stderr.String())
	}
	return stdout.Bytes(), nil
}

// NewFetcher picks the fetcher for a manifest format. Cargo manifests have
// no outdated source; their updates must be given explicitly.
func NewFetcher(format manifest.Format, projectPath string, logger *utils.Logger) (Fetcher, error) {
	switch format {
	case manifest.FormatGoMod:
		return NewGoModules(projectPath, logger), nil
	case manifest.FormatPackageJSON:
		return NewNPM(projectPath, logger), nil
	case manifest.FormatRequirements:
		return NewPip(projectPath, logger), nil
	default:
		return nil, fmt.Errorf("%w: no outdated source for %s", manifest.ErrUnsupportedFormat, format)
	}
}

// GoModules handles retrieving dependency information of a Go module
type GoModules struct {
	projectPath string
	run         commandFunc
	logger      *utils.Logger
}

// NewGoModules creates a new Go module fetcher
func NewGoModules(projectPath string, logger *utils.Logger) *GoModules {
	return &GoModules{projectPath: projectPath, run: runCommand, logger: logger}
}

// Outdated lists direct requirements with a newer release on the same
// module path.
func (g *GoModules) Outdated(ctx context.Context) ([]OutdatedPackage, error) {
	direct, err := g.directDependencies()
	if err != nil {
		return nil, fmt.Errorf("failed to get direct dependencies: %w", err)
	}

	output, err := g.run(ctx, g.projectPath, "go", "list", "-u", "-m", "-json", "all")
	if err != nil {
		return nil, fmt.Errorf("failed to get dependency versions: %w", err)
	}

	var outdated []OutdatedPackage
	decoder := json.NewDecoder(bytes.NewReader(output))
	for {
		var module struct {
			Path    string
			Version string
			Main    bool
			Update  *struct{ Version string }
		}
		if err := decoder.Decode(&module); errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return nil, fmt.Errorf("failed to decode module info: %w", err)
		}
		if module.Main || module.Update == nil || !direct[module.Path] {
			continue
		}
		outdated = append(outdated, OutdatedPackage{
			Name:    module.Path,
			Current: module.Version,
			Latest:  module.Update.Version,
		})
	}

	sort.Slice(outdated, func(i, j int) bool {
		return outdated[i].Name < outdated[j].Name
	})
	return outdated, nil
}

// directDependencies returns the require directives not marked indirect.
func (g *GoModules) directDependencies() (map[string]bool, error) {
	path := filepath.Join(g.projectPath, "go.mod")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open go.mod: %w", err)
	}
	f, err := modfile.Parse(path, data, nil)
	if err != nil {
		return nil, fmt.Errorf("error reading go.mod: %w", err)
	}

	direct := make(map[string]bool, len(f.Require))
	for _, r := range f.Require {
		if !r.Indirect {
			direct[r.Mod.Path] = true
		}
	}
	return direct, nil
}

// Versions lists the published versions of a module.
func (g *GoModules) Versions(ctx context.Context, name string) ([]versions.SemVer, error) {
	output, err := g.run(ctx, g.projectPath, "go", "list", "-m", "-versions", name)
	if err != nil {
		return nil, fmt.Errorf("failed to get versions for %s: %w", name, err)
	}

	parts := strings.Fields(string(output))
	if len(parts) < 2 {
		return nil, fmt.Errorf("no versions found for %s", name)
	}
	return versions.ParseAll(parts[1:]), nil
}

// NPM reads outdated packages and published versions from the npm registry.
type NPM struct {
	projectPath string
	run         commandFunc
	logger      *utils.Logger
}

// NewNPM creates an npm fetcher for the project at projectPath.
func NewNPM(projectPath string, logger *utils.Logger) *NPM {
	return &NPM{projectPath: projectPath, run: runCommand, logger: logger}
}

// Outdated parses `npm outdated --json`. npm exits 1 whenever something is
// outdated, so a failed command with a JSON report is still a result.
func (n *NPM) Outdated(ctx context.Context) ([]OutdatedPackage, error) {
	output, runErr := n.run(ctx, n.projectPath, "npm", "outdated", "--json")
	if len(bytes.TrimSpace(output)) == 0 {
		if runErr != nil {
			return nil, fmt.Errorf("failed to list outdated packages: %w", runErr)
		}
		return nil, nil
	}

	var report map[string]struct {
		Current string `json:"current"`
		Wanted  string `json:"wanted"`
		Latest  string `json:"latest"`
	}
	if err := json.Unmarshal(output, &report); err != nil {
		if runErr != nil {
			return nil, fmt.Errorf("failed to list outdated packages: %w", runErr)
		}
		return nil, fmt.Errorf("failed to decode npm outdated report: %w", err)
	}

	outdated := make([]OutdatedPackage, 0, len(report))
	for name, info := range report {
		current := info.Current
		if current == "" {
			// Not installed; npm's "wanted" is what the constraint resolves to.
			current = info.Wanted
		}
		if current == "" || info.Latest == "" || current == info.Latest {
			n.logger.Debug("Skipping %s: current=%q latest=%q", name, info.Current, info.Latest)
			continue
		}
		outdated = append(outdated, OutdatedPackage{Name: name, Current: current, Latest: info.Latest})
	}
	sort.Slice(outdated, func(i, j int) bool {
		return outdated[i].Name < outdated[j].Name
	})
	return outdated, nil
}

// Versions runs `npm view <name> versions --json`, which prints a bare
// string when only one version exists.
func (n *NPM) Versions(ctx context.Context, name string) ([]versions.SemVer, error) {
	output, err := n.run(ctx, n.projectPath, "npm", "view", name, "versions", "--json")
	if err != nil {
		return nil, fmt.Errorf("failed to get versions for %s: %w", name, err)
	}

	var list []string
	if err := json.Unmarshal(output, &list); err != nil {
		var single string
		if err2 := json.Unmarshal(output, &single); err2 != nil {
			return nil, fmt.Errorf("failed to decode versions of %s: %w", name, err)
		}
		list = []string{single}
	}
	return versions.ParseAll(list), nil
}

// Pip reads outdated packages from pip.
type Pip struct {
	projectPath string
	run         commandFunc
	logger      *utils.Logger
}

// NewPip creates a pip fetcher for the project at projectPath.
func NewPip(projectPath string, logger *utils.Logger) *Pip {
	return &Pip{projectPath: projectPath, run: runCommand, logger: logger}
}

// Outdated parses `pip list --outdated --format json`.
func (p *Pip) Outdated(ctx context.Context) ([]OutdatedPackage, error) {
	output, err := p.run(ctx, p.projectPath, "pip", "list", "--outdated", "--format", "json")
	if err != nil {
		return nil, fmt.Errorf("failed to list outdated packages: %w", err)
	}

	var report []struct {
		Name          string `json:"name"`
		Version       string `json:"version"`
		LatestVersion string `json:"latest_version"`
	}
	if err := json.Unmarshal(output, &report); err != nil {
		return nil, fmt.Errorf("failed to decode pip outdated report: %w", err)
	}

	outdated := make([]OutdatedPackage, 0, len(report))
	for _, r := range report {
		outdated = append(outdated, OutdatedPackage{Name: r.Name, Current: r.Version, Latest: r.LatestVersion})
	}
	sort.Slice(outdated, func(i, j int) bool {
		return outdated[i].Name < outdated[j].Name
	})
	return outdated, nil
}

// Versions parses the "Available versions:" line of `pip index versions`.
func (p *Pip) Versions(ctx context.Context, name string) ([]versions.SemVer, error) {
	output, err := p.run(ctx, p.projectPath, "pip", "index", "versions", name)
	if err != nil {
		return nil, fmt.Errorf("failed to get versions for %s: %w", name, err)
	}

	for _, line := range strings.Split(string(output), "\n") {
		rest, ok := strings.CutPrefix(strings.TrimSpace(line), "Available versions:")
		if !ok {
			continue
		}
		var list []string
		for _, v := range strings.Split(rest, ",") {
			if v = strings.TrimSpace(v); v != "" {
				list = append(list, v)
			}
		}
		return versions.ParseAll(list), nil
	}
	return nil, fmt.Errorf("no versions found for %s", name)
}
