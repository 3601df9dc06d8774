package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/moeryomenko/bumpguard/internal/dependencies"
	"github.com/moeryomenko/bumpguard/internal/models"
	"github.com/moeryomenko/bumpguard/internal/versions"
)

func newAnalyzeCmd() *cobra.Command {
	var notes bool
	cmd := &cobra.Command{
		Use:   "analyze [target]",
		Short: "Show outdated dependencies without changing anything",
		Long: "Reports the update batch a run would apply, grouped by update type. " +
			"Remote targets use a shared cached clone.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			target := "."
			if len(args) == 1 {
				target = args[0]
			}

			c := openCache(cfg, logger)
			defer saveCache(c, cfg, logger)
			updater := dependencies.NewDependencyUpdater(c, cfg.CacheTTL, cfg.ClonesDir(), logger)

			req := targetRequest(target)
			dir, repository, revision := req.Dir, req.Repository, ""
			if dir == "" {
				logger.Print("🔍 Resolving %s...", repository)
				dir, revision, err = updater.SharedCheckout(cmd.Context(), repository)
				if err != nil {
					return err
				}
			}

			manifestPath, err := dependencies.FindManifest(dir)
			if err != nil {
				return err
			}
			logger.Print("📡 Checking %s for updates...", manifestPath)
			outdated, err := updater.Outdated(cmd.Context(), manifestPath, repository, revision)
			if err != nil {
				return err
			}
			batch, err := dependencies.Batch(outdated)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			printBatch(out, batch)
			if notes {
				printNotes(out, updater.ReleaseNotes(cmd.Context(), batch))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&notes, "notes", true, "analyze upstream commits of Go module updates")
	return cmd
}

func printBatch(out io.Writer, batch *models.UpdateBatch) {
	if len(batch.Updates) == 0 {
		_, _ = fmt.Fprintln(out, color.GreenString("All dependencies are up to date"))
		return
	}
	groups := batch.Categorize()
	for _, t := range []versions.UpdateType{versions.Major, versions.Minor, versions.Patch, versions.Unknown} {
		updates := groups[t]
		if len(updates) == 0 {
			continue
		}
		heading := color.New(color.Bold)
		if t == versions.Major {
			heading.Add(color.FgYellow)
		}
		_, _ = heading.Fprintf(out, "\n%s (%d)\n", t, len(updates))
		for _, u := range updates {
			_, _ = fmt.Fprintf(out, "  %s %s -> %s\n", u.Name, u.CurrentVersion, u.LatestVersion)
		}
	}
}

func printNotes(out io.Writer, notes []*models.UpdateAnalysis) {
	if len(notes) == 0 {
		return
	}
	_, _ = fmt.Fprintln(out, "\nRelease notes:")
	for _, n := range notes {
		verdict := color.GreenString("✅ %s", n.UpdateReason)
		if !n.ShouldUpdate {
			verdict = color.RedString("❌ %s", n.RejectionReason)
		}
		_, _ = fmt.Fprintf(out, "  %s (%d commits): %s\n", n.Update.Name, len(n.Commits), verdict)
		for i, commit := range n.Commits {
			if i >= 5 {
				break
			}
			_, _ = fmt.Fprintf(out, "    - %s\n", commit.Message)
		}
	}
}
