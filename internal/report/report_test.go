package report

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moeryomenko/bumpguard/internal/manifest"
	"github.com/moeryomenko/bumpguard/internal/models"
	"github.com/moeryomenko/bumpguard/internal/versions"
)

const before = `{
  "dependencies": {
    "react": "^17.0.2",
    "lodash": "^4.17.20"
  }
}
`

func manifests(t *testing.T) (*manifest.Manifest, *manifest.Manifest) {
	t.Helper()
	m, err := manifest.New("package.json", manifest.FormatPackageJSON, []byte(before))
	require.NoError(t, err)
	next, found, err := m.SetVersion("lodash", versions.MustParse("4.17.21"))
	require.NoError(t, err)
	require.True(t, found)
	return m, next
}

func batch(t *testing.T) *models.UpdateBatch {
	t.Helper()
	b, err := models.NewUpdateBatch([]models.DependencyUpdate{
		models.NewDependencyUpdate("react", "17.0.2", "18.2.0"),
		models.NewDependencyUpdate("lodash", "4.17.20", "4.17.21"),
	})
	require.NoError(t, err)
	return b
}

func TestSummarizeSuccess(t *testing.T) {
	b := batch(t)
	b.MarkReverted("react", versions.MustParse("17.0.2"))
	o := &models.Outcome{
		Succeeded:         true,
		FinalBatch:        b,
		TerminationReason: models.AllPassed,
		Attempts: []models.RollbackAttempt{{
			AttemptNumber: 1,
			TargetPackage: "react",
			FromVersion:   versions.MustParse("18.2.0"),
			ToVersion:     versions.MustParse("17.0.2"),
			PipelineRun:   models.PipelineRun{{Command: "npm test"}},
		}},
	}
	m, next := manifests(t)

	s := Summarize(o, m, next, []*models.UpdateAnalysis{{
		Update:       models.NewDependencyUpdate("lodash", "4.17.20", "4.17.21"),
		Commits:      []models.CommitInfo{{Message: "fix: prototype pollution"}},
		ShouldUpdate: true,
		UpdateReason: "1 fixes",
	}})

	assert.Equal(t, PullRequest, s.Kind)
	assert.Equal(t, "Update lodash to 4.17.21", s.Title)
	assert.Equal(t, []string{"dependencies"}, s.Labels)
	assert.Contains(t, s.Body, "after 1 rollback(s)")
	assert.Contains(t, s.Body, "| react | 17.0.2 | 17.0.2 (rolled back from 18.2.0) | major |")
	assert.Contains(t, s.Body, "| 1 | react | 18.2.0 | 17.0.2 | passed |")
	assert.Contains(t, s.Body, "```diff")
	assert.Contains(t, s.Body, `+    "lodash": "^4.17.21"`)
	assert.Contains(t, s.Body, "1 fixes (1 commits)")
}

func TestPullRequestTitleCountsAppliedUpdates(t *testing.T) {
	o := &models.Outcome{Succeeded: true, FinalBatch: batch(t), TerminationReason: models.AllPassed}
	assert.Equal(t, "Update 2 dependencies", Summarize(o, nil, nil, nil).Title)

	b := batch(t)
	b.MarkReverted("react", versions.MustParse("17.0.2"))
	o.FinalBatch = b
	assert.Equal(t, "Update lodash to 4.17.21", Summarize(o, nil, nil, nil).Title)
}

func TestSummarizeFailure(t *testing.T) {
	long := strings.Repeat("x", 5000) + "TypeError: react.render is not a function"
	o := &models.Outcome{
		FinalBatch:        batch(t),
		TerminationReason: models.NoCulpritIdentified,
		Detail:            "no package could be blamed for the failure",
		Attempts:          []models.RollbackAttempt{},
		LastRun: models.PipelineRun{
			{Command: "npm ci"},
			{Command: "npm test", ExitCode: 1, Stderr: long},
		},
	}

	s := Summarize(o, nil, nil, nil)
	assert.Equal(t, Issue, s.Kind)
	assert.Equal(t, "Automated dependency update failed: no culprit identified", s.Title)
	assert.Equal(t, []string{"dependencies", "automated-update-failed"}, s.Labels)
	assert.Contains(t, s.Body, "`NoCulpritIdentified`")
	assert.Contains(t, s.Body, "`npm test` exited with code 1")
	assert.Contains(t, s.Body, "TypeError: react.render is not a function")
	assert.Less(t, len(s.Body), 4000)
	assert.NotContains(t, s.Body, "```diff")
}

func TestIssueTitles(t *testing.T) {
	tests := []struct {
		outcome models.Outcome
		want    string
	}{
		{models.Outcome{Cancelled: true, TerminationReason: models.BudgetExhausted}, "Automated dependency update cancelled"},
		{models.Outcome{InfrastructureFault: true, TerminationReason: models.BudgetExhausted}, "Automated dependency update could not run the build"},
		{models.Outcome{TerminationReason: models.BudgetExhausted}, "Automated dependency update failed: rollback budget exhausted"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Summarize(&tt.outcome, nil, nil, nil).Title)
	}
}

func TestDiff(t *testing.T) {
	m, next := manifests(t)
	assert.Empty(t, Diff(m, m))
	assert.Empty(t, Diff(nil, next))

	d := Diff(m, next)
	assert.Contains(t, d, "package.json (current)")
	assert.Contains(t, d, `-    "lodash": "^4.17.20"`)
}

func TestFileSink(t *testing.T) {
	dir := t.TempDir()
	path, err := FileSink{Dir: dir}.Publish(context.Background(), Summary{
		Kind:   Issue,
		Title:  "Broken",
		Body:   "body\n",
		Labels: issueLabels,
	})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "# Broken\n\nLabels: dependencies, automated-update-failed\n\nbody\n", string(data))
}
