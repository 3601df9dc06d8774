package dependencies

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/moeryomenko/bumpguard/internal/models"
	"github.com/moeryomenko/bumpguard/internal/utils"
)

// Commit message categories, checked in this order.
const (
	categoryFix     = "fix"
	categoryPerf    = "perf"
	categoryBreak   = "break"
	categoryFeature = "feature"
)

var commitPatterns = []struct {
	category string
	pattern  *regexp.Regexp
}{
	{categoryFix, regexp.MustCompile(`(?i)\b(fix|bug|patch|resolve|correct)`)},
	{categoryPerf, regexp.MustCompile(`(?i)\b(perf|optimi[sz]e|performance|speed|faster)`)},
	{categoryBreak, regexp.MustCompile(`(?i)(\bbreaking|\bbreak\b|\bremove|\bdeprecate|!:)`)},
	{categoryFeature, regexp.MustCompile(`(?i)\b(feat|feature|add|new)\b`)},
}

// CommitAnalyzer turns upstream commit messages into a short risk summary
// used as release notes.
type CommitAnalyzer struct {
	logger *utils.Logger
}

// NewCommitAnalyzer creates a new commit analyzer
func NewCommitAnalyzer(logger *utils.Logger) *CommitAnalyzer {
	return &CommitAnalyzer{
		logger: logger,
	}
}

// AnalyzeCommits reports whether the commits look like a safe update and
// why.
func (ca *CommitAnalyzer) AnalyzeCommits(commits []models.CommitInfo) (shouldUpdate bool, reason, rejection string) {
	counts := make(map[string]int, len(commitPatterns))
	for _, commit := range commits {
		for _, p := range commitPatterns {
			if p.pattern.MatchString(commit.Message) {
				counts[p.category]++
			}
		}
	}
	ca.logger.Debug("Commit categories: %v", counts)

	switch {
	case counts[categoryBreak] > 0:
		return false, "", fmt.Sprintf("Contains %d breaking changes", counts[categoryBreak])
	case counts[categoryFix] > 0 || counts[categoryPerf] > 0:
		return true, formatApprovalReason(counts), ""
	case counts[categoryFeature] > 0:
		return true, fmt.Sprintf("%d new features", counts[categoryFeature]), ""
	default:
		return false, "", "No significant improvements found"
	}
}

func formatApprovalReason(counts map[string]int) string {
	var reasons []string
	if counts[categoryFix] > 0 {
		reasons = append(reasons, fmt.Sprintf("%d fixes", counts[categoryFix]))
	}
	if counts[categoryPerf] > 0 {
		reasons = append(reasons, fmt.Sprintf("%d optimizations", counts[categoryPerf]))
	}
	return strings.Join(reasons, ", ")
}

// AnalyzeUpdate performs complete analysis for a dependency update
func (ca *CommitAnalyzer) AnalyzeUpdate(u models.DependencyUpdate, commits []models.CommitInfo) *models.UpdateAnalysis {
	shouldUpdate, reason, rejection := ca.AnalyzeCommits(commits)

	return &models.UpdateAnalysis{
		Update:          u,
		Commits:         commits,
		ShouldUpdate:    shouldUpdate,
		UpdateReason:    reason,
		RejectionReason: rejection,
	}
}
