// Package dependencies is the analysis stage: it checks out repositories,
// finds their manifest, asks the package manager what is outdated and turns
// the answer into an update batch, memoizing the expensive parts in the
// repository cache.
package dependencies

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/moeryomenko/bumpguard/internal/cache"
	"github.com/moeryomenko/bumpguard/internal/manifest"
	"github.com/moeryomenko/bumpguard/internal/models"
	"github.com/moeryomenko/bumpguard/internal/utils"
	"github.com/moeryomenko/bumpguard/internal/versions"
)

// manifestNames are tried in this order by FindManifest.
var manifestNames = []manifest.Format{
	manifest.FormatGoMod,
	manifest.FormatPackageJSON,
	manifest.FormatRequirements,
	manifest.FormatCargo,
}

// DependencyUpdater coordinates the analysis stage
type DependencyUpdater struct {
	gitOps     *GitOperations
	analyzer   *CommitAnalyzer
	cache      *cache.Cache
	cacheTTL   time.Duration
	cloneDir   string
	newFetcher func(manifest.Format, string, *utils.Logger) (Fetcher, error)
	logger     *utils.Logger
}

// NewDependencyUpdater creates a new dependency updater. Shared clones are
// kept under cloneDir.
func NewDependencyUpdater(c *cache.Cache, cacheTTL time.Duration, cloneDir string, logger *utils.Logger) *DependencyUpdater {
	return &DependencyUpdater{
		gitOps:     NewGitOperations(logger),
		analyzer:   NewCommitAnalyzer(logger),
		cache:      c,
		cacheTTL:   cacheTTL,
		cloneDir:   cloneDir,
		newFetcher: NewFetcher,
		logger:     logger,
	}
}

// Checkout clones repoURL into dest, a working copy private to one run, and
// returns the checked out revision.
func (du *DependencyUpdater) Checkout(ctx context.Context, repoURL, dest string) (string, error) {
	if _, err := du.gitOps.Clone(ctx, repoURL, dest); err != nil {
		return "", err
	}
	return du.gitOps.HeadRevision(dest)
}

// SharedCheckout returns a read-only clone of repoURL at its current HEAD,
// reusing a cached clone of the same revision.
func (du *DependencyUpdater) SharedCheckout(ctx context.Context, repoURL string) (dir, revision string, err error) {
	revision, err = du.gitOps.RemoteHead(ctx, repoURL)
	if err != nil {
		return "", "", err
	}
	key := cache.Key(repoURL, revision, cache.KindClone)

	if cached, ok := du.cache.Get(key); ok {
		if _, err := os.Stat(string(cached)); err == nil {
			du.logger.Info("Using cached clone of %s at %s", repoURL, shortRev(revision))
			return string(cached), revision, nil
		}
		du.cache.Delete(key)
	}

	path, err := du.cache.GetOrLoad(ctx, key, du.cacheTTL, func(ctx context.Context) ([]byte, error) {
		dest := filepath.Join(du.cloneDir, key)
		if err := os.RemoveAll(dest); err != nil {
			return nil, fmt.Errorf("failed to clear stale clone: %w", err)
		}
		if _, err := du.gitOps.Clone(ctx, repoURL, dest); err != nil {
			return nil, err
		}
		return []byte(dest), nil
	})
	if err != nil {
		return "", "", err
	}
	return string(path), revision, nil
}

// Revision returns the HEAD commit of a local working copy, or "" when dir
// is not a git repository.
func (du *DependencyUpdater) Revision(dir string) string {
	rev, err := du.gitOps.HeadRevision(dir)
	if err != nil {
		du.logger.Debug("No revision for %s: %v", dir, err)
		return ""
	}
	return rev
}

// FindManifest returns the first supported manifest at the root of dir.
func FindManifest(dir string) (string, error) {
	for _, name := range manifestNames {
		path := filepath.Join(dir, string(name))
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: no manifest found in %s", manifest.ErrUnsupportedFormat, dir)
}

// Outdated reports the outdated packages of the project whose manifest is
// at manifestPath. Reports are cached per (repository, revision); an empty
// revision disables caching.
func (du *DependencyUpdater) Outdated(ctx context.Context, manifestPath, repository, revision string) ([]OutdatedPackage, error) {
	format, err := manifest.DetectFormat(manifestPath)
	if err != nil {
		return nil, err
	}
	fetcher, err := du.newFetcher(format, filepath.Dir(manifestPath), du.logger)
	if err != nil {
		return nil, err
	}

	if revision == "" {
		return fetcher.Outdated(ctx)
	}

	key := cache.Key(repository, revision, cache.KindOutdated)
	var report []OutdatedPackage
	if ok, err := du.cache.GetJSON(key, &report); err == nil && ok {
		du.logger.Info("Using cached outdated report for %s at %s", repository, shortRev(revision))
		return report, nil
	} else if err != nil {
		du.logger.Warn("Ignoring unreadable cache entry: %v", err)
		du.cache.Delete(key)
	}

	report, err = fetcher.Outdated(ctx)
	if err != nil {
		return nil, err
	}
	if err := du.cache.PutJSON(key, report, du.cacheTTL); err != nil {
		du.logger.Warn("Failed to cache outdated report: %v", err)
	}
	return report, nil
}

// Batch classifies an outdated report into an update batch. Entries whose
// latest version is not newer are dropped.
func Batch(report []OutdatedPackage) (*models.UpdateBatch, error) {
	updates := make([]models.DependencyUpdate, 0, len(report))
	for _, p := range report {
		u := models.NewDependencyUpdate(p.Name, p.Current, p.Latest)
		if cmp, ok := u.CurrentVersion.Compare(u.LatestVersion); ok && cmp >= 0 {
			continue
		}
		updates = append(updates, u)
	}
	return models.NewUpdateBatch(updates)
}

// VersionSource lists published versions for the manifest's ecosystem,
// caching each package's list. It returns nil when the ecosystem has no
// version listing, in which case rollbacks go to the pre-update version.
func (du *DependencyUpdater) VersionSource(manifestPath string) *CachedVersions {
	format, err := manifest.DetectFormat(manifestPath)
	if err != nil {
		return nil
	}
	fetcher, err := du.newFetcher(format, filepath.Dir(manifestPath), du.logger)
	if err != nil {
		du.logger.Debug("No version source: %v", err)
		return nil
	}
	return &CachedVersions{
		registry: string(format),
		fetcher:  fetcher,
		cache:    du.cache,
		ttl:      du.cacheTTL,
	}
}

// CachedVersions memoizes a Fetcher's version listings.
type CachedVersions struct {
	registry string
	fetcher  Fetcher
	cache    *cache.Cache
	ttl      time.Duration
}

// Versions implements rollback.VersionSource.
func (cv *CachedVersions) Versions(ctx context.Context, name string) ([]versions.SemVer, error) {
	if cv == nil {
		return nil, errors.New("no version listing for this ecosystem")
	}
	key := cache.Key(cv.registry+"/"+name, "", cache.KindVersions)

	var raw []string
	if ok, err := cv.cache.GetJSON(key, &raw); err == nil && ok {
		return versions.ParseAll(raw), nil
	}

	list, err := cv.fetcher.Versions(ctx, name)
	if err != nil {
		return nil, err
	}
	raw = make([]string, 0, len(list))
	for _, v := range list {
		raw = append(raw, v.String())
	}
	_ = cv.cache.PutJSON(key, raw, cv.ttl)
	return list, nil
}

// ReleaseNotes analyzes the upstream commits of every Go module update in
// batch. Failures are logged and the update is skipped.
func (du *DependencyUpdater) ReleaseNotes(ctx context.Context, batch *models.UpdateBatch) []*models.UpdateAnalysis {
	var notes []*models.UpdateAnalysis
	for _, u := range batch.Ordered() {
		if !isModulePath(u.Name) {
			continue
		}
		commits, err := du.gitOps.GetCommitsBetweenVersions(ctx, u)
		if err != nil {
			du.logger.Warn("Failed to get commits for %s: %v", u.Name, err)
			continue
		}
		notes = append(notes, du.analyzer.AnalyzeUpdate(u, commits))
	}
	return notes
}

func isModulePath(name string) bool {
	host, _, ok := strings.Cut(name, "/")
	return ok && strings.Contains(host, ".")
}

func shortRev(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

// WorkingCopyStore writes manifests into a run's working copy. For go.mod it
// runs `go mod tidy` afterwards so go.sum follows the edit.
type WorkingCopyStore struct {
	Tidy   bool
	run    commandFunc
	logger *utils.Logger
}

// NewWorkingCopyStore creates a store.
func NewWorkingCopyStore(tidy bool, logger *utils.Logger) *WorkingCopyStore {
	return &WorkingCopyStore{Tidy: tidy, run: runCommand, logger: logger}
}

// Write implements rollback.ManifestStore.
func (s *WorkingCopyStore) Write(ctx context.Context, m *manifest.Manifest) error {
	if err := m.WriteFile(); err != nil {
		return err
	}
	if !s.Tidy || m.Format != manifest.FormatGoMod {
		return nil
	}
	return s.RunModTidy(ctx, filepath.Dir(m.Path))
}

// RunModTidy runs go mod tidy to clean up dependencies
func (s *WorkingCopyStore) RunModTidy(ctx context.Context, dir string) error {
	if _, err := s.run(ctx, dir, "go", "mod", "tidy"); err != nil {
		var exitErr interface{ ExitCode() int }
		if errors.As(err, &exitErr) {
			// The pipeline reports it as a build failure.
			s.logger.Warn("go mod tidy failed: %v", err)
			return nil
		}
		return fmt.Errorf("go mod tidy failed: %w", err)
	}
	return nil
}
