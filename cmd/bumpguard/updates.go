package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/moeryomenko/bumpguard/internal/manifest"
	"github.com/moeryomenko/bumpguard/internal/models"
	"github.com/moeryomenko/bumpguard/internal/rollback"
	"github.com/moeryomenko/bumpguard/internal/versions"
)

// splitUpdate parses "name@version". The last @ separates the version so
// scoped npm names like @types/node@20.0.0 work.
func splitUpdate(s string) (name, version string, err error) {
	i := strings.LastIndex(s, "@")
	if i <= 0 || i == len(s)-1 {
		return "", "", fmt.Errorf("invalid update %q, expected name@version", s)
	}
	return s[:i], s[i+1:], nil
}

// explicitBatch builds a batch from --update arguments. "latest" resolves
// through source.
func explicitBatch(ctx context.Context, m *manifest.Manifest, specs []string, source rollback.VersionSource) (*models.UpdateBatch, error) {
	updates := make([]models.DependencyUpdate, 0, len(specs))
	for _, spec := range specs {
		name, target, err := splitUpdate(spec)
		if err != nil {
			return nil, err
		}
		c, found, err := m.Constraint(name)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("%w: %s in %s", manifest.ErrPackageNotFound, name, m.Path)
		}

		if target == "latest" {
			if source == nil {
				return nil, fmt.Errorf("cannot resolve latest %s: no version listing for %s", name, m.Format)
			}
			list, err := source.Versions(ctx, name)
			if err != nil {
				return nil, fmt.Errorf("failed to list versions of %s: %w", name, err)
			}
			latest, ok := versions.Latest(stableOnly(list))
			if !ok {
				return nil, fmt.Errorf("no stable release of %s found", name)
			}
			target = latest.String()
		}
		updates = append(updates, models.NewDependencyUpdate(name, c.Version, target))
	}
	return models.NewUpdateBatch(updates)
}

func stableOnly(vs []versions.SemVer) []versions.SemVer {
	out := vs[:0:0]
	for _, v := range vs {
		if !strings.HasPrefix(v.Suffix, "-") {
			out = append(out, v)
		}
	}
	return out
}
