// Package report turns a run's outcome into the pull request or issue that
// the surrounding system files.
package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aymanbagabas/go-udiff"

	"github.com/moeryomenko/bumpguard/internal/manifest"
	"github.com/moeryomenko/bumpguard/internal/models"
)

// Kind is the type of document to file.
type Kind string

const (
	PullRequest Kind = "pull_request"
	Issue       Kind = "issue"
)

// maxFailureOutput bounds the failing step output quoted in an issue.
const maxFailureOutput = 3000

var (
	pullRequestLabels = []string{"dependencies"}
	issueLabels       = []string{"dependencies", "automated-update-failed"}
)

// Summary is a rendered pull request or issue.
type Summary struct {
	Kind   Kind     `json:"kind"`
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Labels []string `json:"labels"`
}

// Summarize renders o. A successful outcome becomes a pull request carrying
// the manifest diff; anything else becomes an issue narrating the attempts.
// before and after may be nil, notes may be empty.
func Summarize(o *models.Outcome, before, after *manifest.Manifest, notes []*models.UpdateAnalysis) Summary {
	var b strings.Builder
	if o.Succeeded {
		writePullRequest(&b, o)
	} else {
		writeIssue(&b, o)
	}
	writeDiff(&b, before, after)
	writeNotes(&b, notes)

	s := Summary{Body: strings.TrimRight(b.String(), "\n") + "\n"}
	if o.Succeeded {
		s.Kind = PullRequest
		s.Title = pullRequestTitle(o)
		s.Labels = append([]string(nil), pullRequestLabels...)
	} else {
		s.Kind = Issue
		s.Title = issueTitle(o)
		s.Labels = append([]string(nil), issueLabels...)
	}
	return s
}

func pullRequestTitle(o *models.Outcome) string {
	applied := appliedUpdates(o.FinalBatch)
	if len(applied) == 1 {
		u := applied[0]
		return fmt.Sprintf("Update %s to %s", u.Name, u.LatestVersion)
	}
	return fmt.Sprintf("Update %d dependencies", len(applied))
}

func issueTitle(o *models.Outcome) string {
	switch {
	case o.Cancelled:
		return "Automated dependency update cancelled"
	case o.InfrastructureFault:
		return "Automated dependency update could not run the build"
	case o.TerminationReason == models.NoCulpritIdentified:
		return "Automated dependency update failed: no culprit identified"
	default:
		return "Automated dependency update failed: rollback budget exhausted"
	}
}

func appliedUpdates(batch *models.UpdateBatch) []models.DependencyUpdate {
	if batch == nil {
		return nil
	}
	return batch.Pending()
}

func writePullRequest(b *strings.Builder, o *models.Outcome) {
	applied := appliedUpdates(o.FinalBatch)
	fmt.Fprintf(b, "## Dependency updates\n\n")
	fmt.Fprintf(b, "The build and tests pass with %d updated dependencies", len(applied))
	if n := len(o.Attempts); n > 0 {
		fmt.Fprintf(b, " after %d rollback(s)", n)
	}
	b.WriteString(".\n\n")

	writeUpdateTable(b, o.FinalBatch)
	writeAttempts(b, o.Attempts)
}

func writeIssue(b *strings.Builder, o *models.Outcome) {
	fmt.Fprintf(b, "## Dependency update failed\n\n")
	fmt.Fprintf(b, "- Termination: `%s`\n", o.TerminationReason)
	if o.Cancelled {
		b.WriteString("- The run was cancelled.\n")
	}
	if o.InfrastructureFault {
		b.WriteString("- The build could not be started; this is an environment problem, not a test failure.\n")
	}
	if o.Detail != "" {
		fmt.Fprintf(b, "- %s\n", o.Detail)
	}
	b.WriteString("\n")

	writeUpdateTable(b, o.FinalBatch)
	writeAttempts(b, o.Attempts)

	if failed, ok := o.LastRun.Failure(); ok {
		fmt.Fprintf(b, "### Last failure\n\n`%s` ", failed.Command)
		if failed.TimedOut {
			b.WriteString("timed out")
		} else {
			fmt.Fprintf(b, "exited with code %d", failed.ExitCode)
		}
		b.WriteString(".\n\n")
		if out := strings.TrimSpace(failed.Output()); out != "" {
			if len(out) > maxFailureOutput {
				out = "..." + out[len(out)-maxFailureOutput:]
			}
			fmt.Fprintf(b, "```\n%s\n```\n\n", out)
		}
	}
}

func writeUpdateTable(b *strings.Builder, batch *models.UpdateBatch) {
	if batch == nil || len(batch.Updates) == 0 {
		return
	}
	b.WriteString("| Package | From | To | Type |\n|---|---|---|---|\n")
	for _, u := range batch.Ordered() {
		to := u.LatestVersion.String()
		if v, ok := batch.RevertedTo(u.Name); ok {
			to = fmt.Sprintf("%s (rolled back from %s)", v, u.LatestVersion)
		}
		fmt.Fprintf(b, "| %s | %s | %s | %s |\n", u.Name, u.CurrentVersion, to, u.UpdateType)
	}
	b.WriteString("\n")
}

func writeAttempts(b *strings.Builder, attempts []models.RollbackAttempt) {
	if len(attempts) == 0 {
		return
	}
	b.WriteString("### Rollback attempts\n\n| # | Package | From | To | Retest |\n|---|---|---|---|---|\n")
	for _, a := range attempts {
		result := "failed"
		switch {
		case len(a.PipelineRun) == 0:
			result = "not run"
		case a.PipelineRun.Passed():
			result = "passed"
		}
		fmt.Fprintf(b, "| %d | %s | %s | %s | %s |\n", a.AttemptNumber, a.TargetPackage, a.FromVersion, a.ToVersion, result)
	}
	b.WriteString("\n")
}

func writeDiff(b *strings.Builder, before, after *manifest.Manifest) {
	diff := Diff(before, after)
	if diff == "" {
		return
	}
	fmt.Fprintf(b, "### Manifest changes\n\n```diff\n%s\n```\n\n", diff)
}

func writeNotes(b *strings.Builder, notes []*models.UpdateAnalysis) {
	if len(notes) == 0 {
		return
	}
	b.WriteString("### Release notes\n\n")
	for _, n := range notes {
		verdict := n.UpdateReason
		if !n.ShouldUpdate {
			verdict = n.RejectionReason
		}
		fmt.Fprintf(b, "- **%s** %s -> %s: %s (%d commits)\n", n.Update.Name, n.Update.CurrentVersion, n.Update.LatestVersion, verdict, len(n.Commits))
	}
	b.WriteString("\n")
}

// Diff is the unified diff from before to after, or "" when either is
// missing or nothing changed.
func Diff(before, after *manifest.Manifest) string {
	if before == nil || after == nil || before.Equal(after) {
		return ""
	}
	name := filepath.Base(after.Path)
	return strings.TrimSpace(udiff.Unified(
		name+" (current)",
		name+" (proposed)",
		string(before.Bytes()),
		string(after.Bytes()),
	))
}

// Sink files a summary somewhere and returns where it went.
type Sink interface {
	Publish(ctx context.Context, s Summary) (string, error)
}

// FileSink writes each summary as a markdown file in Dir.
type FileSink struct {
	Dir string
}

// Publish implements Sink.
func (f FileSink) Publish(_ context.Context, s Summary) (string, error) {
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}
	file, err := os.CreateTemp(f.Dir, string(s.Kind)+"-*.md")
	if err != nil {
		return "", fmt.Errorf("failed to create report: %w", err)
	}
	defer file.Close()

	_, err = fmt.Fprintf(file, "# %s\n\nLabels: %s\n\n%s", s.Title, strings.Join(s.Labels, ", "), s.Body)
	if err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	return file.Name(), nil
}
