package cache

import (
	"strings"

	"github.com/opencontainers/go-digest"
)

// Analysis kinds stored in the cache.
const (
	KindClone    = "clone"
	KindOutdated = "outdated"
	KindVersions = "versions"
)

// Key derives the cache key for one analysis of a repository at a revision.
// Equal inputs always give equal keys; equivalent spellings of the same
// repository URL normalize to the same identity first.
func Key(repository, revision, kind string) string {
	d := digest.FromString(NormalizeRepository(repository) + "\x00" + revision + "\x00" + kind)
	return kind + "-" + d.Encoded()
}

// NormalizeRepository reduces the usual spellings of a repository to
// host/owner/name: scheme, credentials, scp-style "git@host:" syntax, a
// trailing ".git" and trailing slashes are dropped. A bare "owner/name" is
// taken to live on github.com.
func NormalizeRepository(repo string) string {
	r := strings.TrimSpace(repo)
	if i := strings.Index(r, "://"); i >= 0 {
		r = r[i+3:]
	}
	if at := strings.Index(r, "@"); at >= 0 && at < strings.IndexAny(r+"/", "/") {
		r = r[at+1:]
	}
	if colon := strings.Index(r, ":"); colon >= 0 && !strings.Contains(r[:colon], "/") {
		r = r[:colon] + "/" + r[colon+1:]
	}
	r = strings.TrimRight(r, "/")
	r = strings.TrimSuffix(r, ".git")
	if strings.Count(r, "/") == 1 && !strings.Contains(strings.SplitN(r, "/", 2)[0], ".") {
		r = "github.com/" + r
	}
	return strings.ToLower(r)
}
