package dependencies

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/moeryomenko/bumpguard/internal/models"
	"github.com/moeryomenko/bumpguard/internal/utils"
)

const (
	maxCommitsBetween = 200
	maxRecentCommits  = 300
)

var (
	errBoundary   = errors.New("reached boundary commit")
	errCommitCap  = errors.New("reached maximum commit limit")
	errNoHeadInfo = errors.New("remote did not advertise HEAD")
)

// GitOperations handles Git-related operations
type GitOperations struct {
	logger *utils.Logger
}

// NewGitOperations creates a new GitOperations instance
func NewGitOperations(logger *utils.Logger) *GitOperations {
	return &GitOperations{
		logger: logger,
	}
}

// RemoteHead returns the commit the remote's HEAD points at without
// cloning. It lets callers build cache keys before doing any heavy work.
func (g *GitOperations) RemoteHead(ctx context.Context, repoURL string) (string, error) {
	remote := git.NewRemote(memory.NewStorage(), &config.RemoteConfig{
		Name: "origin",
		URLs: []string{repoURL},
	})
	refs, err := remote.ListContext(ctx, &git.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to list remote %s: %w", repoURL, err)
	}

	byName := make(map[plumbing.ReferenceName]*plumbing.Reference, len(refs))
	for _, ref := range refs {
		byName[ref.Name()] = ref
	}
	head, ok := byName[plumbing.HEAD]
	for hops := 0; ok && head.Type() == plumbing.SymbolicReference && hops < 5; hops++ {
		head, ok = byName[head.Target()]
	}
	if !ok || head.Type() != plumbing.HashReference {
		return "", fmt.Errorf("%s: %w", repoURL, errNoHeadInfo)
	}
	return head.Hash().String(), nil
}

// Clone makes a shallow single-branch working copy of repoURL in destDir.
func (g *GitOperations) Clone(ctx context.Context, repoURL, destDir string) (*git.Repository, error) {
	g.logger.Info("Cloning %s into %s", repoURL, destDir)
	repo, err := git.PlainCloneContext(ctx, destDir, false, &git.CloneOptions{
		URL:               repoURL,
		Depth:             1,
		SingleBranch:      true,
		RecurseSubmodules: git.NoRecurseSubmodules,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to clone repository %s: %w", repoURL, err)
	}
	return repo, nil
}

// HeadRevision returns the commit hash checked out in the working copy at
// path.
func (g *GitOperations) HeadRevision(path string) (string, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return "", fmt.Errorf("failed to open repository %s: %w", path, err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to get HEAD reference: %w", err)
	}
	return head.Hash().String(), nil
}

// GetCommitsBetweenVersions lists the upstream commits between an update's
// current and latest version. Only Go module paths can be mapped to a
// repository.
func (g *GitOperations) GetCommitsBetweenVersions(ctx context.Context, u models.DependencyUpdate) ([]models.CommitInfo, error) {
	if u.CurrentVersion.Equal(u.LatestVersion) {
		return []models.CommitInfo{}, nil
	}

	tempDir, err := os.MkdirTemp("", "dependency-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer os.RemoveAll(tempDir)

	repo, err := g.Clone(ctx, g.determineRepositoryURL(u.Name), tempDir)
	if err != nil {
		return nil, err
	}

	commits, err := g.getCommitLog(ctx, repo, u)
	if err != nil {
		return nil, err
	}

	g.logger.Info("Found %d commits between versions for %s", len(commits), u.Name)
	return commits, nil
}

// determineRepositoryURL derives the git repository URL from the module path
func (g *GitOperations) determineRepositoryURL(modulePath string) string {
	// Drop the major version suffix of /vN module paths.
	if i := strings.LastIndex(modulePath, "/v"); i > 0 && isDigits(modulePath[i+2:]) {
		modulePath = modulePath[:i]
	}

	if strings.HasPrefix(modulePath, "github.com/") ||
		strings.HasPrefix(modulePath, "gitlab.com/") ||
		strings.HasPrefix(modulePath, "bitbucket.org/") {
		parts := strings.SplitN(modulePath, "/", 4)
		if len(parts) > 3 {
			modulePath = strings.Join(parts[:3], "/")
		}
		return "https://" + modulePath + ".git"
	}

	// gopkg.in/pkg.v3 lives at github.com/go-pkg/pkg, gopkg.in/user/pkg.v3 at
	// github.com/user/pkg.
	if strings.HasPrefix(modulePath, "gopkg.in/") {
		parts := strings.Split(modulePath, "/")
		switch len(parts) {
		case 2:
			name, _, _ := strings.Cut(parts[1], ".")
			return "https://github.com/go-" + name + "/" + name + ".git"
		case 3:
			name, _, _ := strings.Cut(parts[2], ".")
			return "https://github.com/" + parts[1] + "/" + name + ".git"
		}
	}

	g.logger.Warn("Unknown repository host for %s, using best guess", modulePath)
	return "https://" + modulePath + ".git"
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// fetchTags attempts to fetch git tags for the repository
func (g *GitOperations) fetchTags(ctx context.Context, repo *git.Repository) error {
	err := repo.FetchContext(ctx, &git.FetchOptions{
		RefSpecs: []config.RefSpec{"refs/tags/*:refs/tags/*"},
		Force:    true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return err
	}
	return nil
}

// resolveVersionRef tries the usual tag spellings of a version.
func (g *GitOperations) resolveVersionRef(repo *git.Repository, version string) (*plumbing.Hash, error) {
	version = strings.TrimPrefix(version, "v")
	for _, ref := range []string{
		"refs/tags/v" + version,
		"refs/tags/" + version,
		"v" + version,
		version,
	} {
		if hash, err := repo.ResolveRevision(plumbing.Revision(ref)); err == nil {
			return hash, nil
		}
	}
	return nil, fmt.Errorf("could not resolve version reference for %s", version)
}

// getCommitLog retrieves the commits between the update's versions, or the
// most recent commits when the tags cannot be resolved.
func (g *GitOperations) getCommitLog(ctx context.Context, repo *git.Repository, u models.DependencyUpdate) ([]models.CommitInfo, error) {
	if err := g.fetchTags(ctx, repo); err != nil {
		g.logger.Warn("Failed to fetch tags for %s: %v", u.Name, err)
	}

	currentHash, currentErr := g.resolveVersionRef(repo, u.CurrentVersion.String())
	latestHash, latestErr := g.resolveVersionRef(repo, u.LatestVersion.String())
	if currentErr != nil || latestErr != nil {
		g.logger.Warn("Could not resolve version references: current=%v, latest=%v", currentErr, latestErr)
		return g.getRecentCommits(repo, maxRecentCommits)
	}

	commits, err := g.getCommitsBetweenHashes(repo, *currentHash, *latestHash)
	if err != nil {
		g.logger.Warn("Failed to get commits between versions: %v", err)
		return g.getRecentCommits(repo, maxRecentCommits)
	}

	if len(commits) == 0 {
		g.logger.Info("No commits found between %s %s and %s", u.Name, u.CurrentVersion, u.LatestVersion)
	}
	return commits, nil
}

// getCommitsBetweenHashes walks back from to until it reaches from.
func (g *GitOperations) getCommitsBetweenHashes(repo *git.Repository, from, to plumbing.Hash) ([]models.CommitInfo, error) {
	fromCommit, err := repo.CommitObject(from)
	if err != nil {
		return nil, fmt.Errorf("failed to get 'from' commit: %w", err)
	}
	toCommit, err := repo.CommitObject(to)
	if err != nil {
		return nil, fmt.Errorf("failed to get 'to' commit: %w", err)
	}

	commitIter, err := repo.Log(&git.LogOptions{From: toCommit.Hash})
	if err != nil {
		return nil, fmt.Errorf("failed to get commit log: %w", err)
	}

	commits := []models.CommitInfo{}
	err = commitIter.ForEach(func(c *object.Commit) error {
		if c.Hash == fromCommit.Hash {
			return errBoundary
		}
		if len(commits) >= maxCommitsBetween {
			return errCommitCap
		}
		commits = append(commits, commitInfo(c))
		return nil
	})
	if err != nil && !errors.Is(err, errBoundary) && !errors.Is(err, errCommitCap) {
		return nil, fmt.Errorf("error iterating commits: %w", err)
	}
	return commits, nil
}

// getRecentCommits gets a limited number of recent commits
func (g *GitOperations) getRecentCommits(repo *git.Repository, limit int) ([]models.CommitInfo, error) {
	headRef, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("failed to get HEAD reference: %w", err)
	}

	commitIter, err := repo.Log(&git.LogOptions{From: headRef.Hash()})
	if err != nil {
		return nil, fmt.Errorf("failed to get commit log: %w", err)
	}

	commits := []models.CommitInfo{}
	err = commitIter.ForEach(func(c *object.Commit) error {
		if len(commits) >= limit {
			return errCommitCap
		}
		commits = append(commits, commitInfo(c))
		return nil
	})
	if err != nil && !errors.Is(err, errCommitCap) {
		return nil, fmt.Errorf("error iterating commits: %w", err)
	}
	return commits, nil
}

func commitInfo(c *object.Commit) models.CommitInfo {
	return models.CommitInfo{
		Hash:    c.Hash.String(),
		Message: c.Message,
		Date:    c.Author.When,
	}
}
