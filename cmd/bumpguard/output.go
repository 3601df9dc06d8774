package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/moeryomenko/bumpguard/internal/cache"
	"github.com/moeryomenko/bumpguard/internal/models"
	"github.com/moeryomenko/bumpguard/internal/report"
)

var (
	diffColorAdded   = color.New(color.FgGreen)
	diffColorRemoved = color.New(color.FgRed)
	diffColorHunk    = color.New(color.FgCyan)
)

func printOutcome(out io.Writer, target string, o *models.Outcome, s report.Summary) {
	var status string
	switch {
	case o.Succeeded:
		status = color.GreenString("PASSED")
	case o.Cancelled:
		status = color.YellowString("CANCELLED")
	default:
		status = color.RedString("FAILED")
	}
	_, _ = fmt.Fprintf(out, "\n%s %s (%s, %s)\n", status, target, o.TerminationReason, o.Duration.Round(time.Millisecond))
	if o.Detail != "" {
		_, _ = fmt.Fprintf(out, "  %s\n", o.Detail)
	}

	if o.FinalBatch != nil {
		for _, u := range o.FinalBatch.Ordered() {
			if to, ok := o.FinalBatch.RevertedTo(u.Name); ok {
				_, _ = fmt.Fprintf(out, "  %s %s %s -> %s (rolled back from %s)\n",
					color.YellowString("↩"), u.Name, u.CurrentVersion, to, u.LatestVersion)
				continue
			}
			_, _ = fmt.Fprintf(out, "  %s %s %s -> %s [%s]\n",
				color.GreenString("↑"), u.Name, u.CurrentVersion, u.LatestVersion, u.UpdateType)
		}
	}
	_, _ = fmt.Fprintf(out, "  %s: %s\n", strings.ReplaceAll(string(s.Kind), "_", " "), s.Title)
}

func printDiff(out io.Writer, diff string) {
	if diff == "" {
		return
	}
	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
			_, _ = fmt.Fprintln(out, line)
		case strings.HasPrefix(line, "+"):
			_, _ = diffColorAdded.Fprintln(out, line)
		case strings.HasPrefix(line, "-"):
			_, _ = diffColorRemoved.Fprintln(out, line)
		case strings.HasPrefix(line, "@@"):
			_, _ = diffColorHunk.Fprintln(out, line)
		default:
			_, _ = fmt.Fprintln(out, line)
		}
	}
}

func printStats(out io.Writer, s cache.Stats) {
	_, _ = fmt.Fprintf(out, "Entries: %d\n", s.TotalEntries)
	expired := fmt.Sprintf("%d", s.ExpiredEntries)
	if s.ExpiredEntries > 0 {
		expired = color.YellowString(expired)
	}
	_, _ = fmt.Fprintf(out, "Expired: %s\n", expired)
	_, _ = fmt.Fprintf(out, "Size:    %d bytes\n", s.SizeBytes)
}
