package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/moeryomenko/bumpguard/internal/config"
	"github.com/moeryomenko/bumpguard/internal/jobs"
)

const janitorInterval = 10 * time.Minute

func newRunCmd() *cobra.Command {
	var (
		updates []string
		keep    bool
	)
	cmd := &cobra.Command{
		Use:   "run [target...]",
		Short: "Update, test and roll back each target",
		Long: "Each target is a local directory or a git repository URL. Every job works in a private " +
			"copy; a local target receives the updated manifest only when its build passes. " +
			"Targets run as concurrent jobs. " +
			"With no target the current directory is used.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			if len(args) == 0 {
				args = []string{"."}
			}
			if len(updates) > 0 && len(args) > 1 {
				return fmt.Errorf("--update applies to a single target")
			}

			c := openCache(cfg, logger)
			defer saveCache(c, cfg, logger)
			janitorCtx, stopJanitor := context.WithCancel(cmd.Context())
			defer stopJanitor()
			go c.Janitor(janitorCtx, janitorInterval)

			e := newEngine(cfg, c, updates, keep, cmd.OutOrStdout(), logger)
			o := jobs.NewOrchestrator(cmd.Context(), e, jobs.Options{Workers: cfg.Workers, QueueSize: len(args)}, logger)

			ids := make([]string, 0, len(args))
			for _, arg := range args {
				id, err := o.Submit(targetRequest(arg))
				if err != nil {
					_ = o.Close()
					return err
				}
				ids = append(ids, id)
			}

			failed := 0
			for _, id := range ids {
				job, err := o.Await(context.Background(), id)
				if err != nil {
					return err
				}
				if job.Status == jobs.Failed {
					logger.Error("Job %s for %s failed: %s", job.ID, describeTarget(job.Request), job.Error)
				}
				if job.Status == jobs.Failed || !job.Outcome.Succeeded {
					failed++
				}
			}
			if err := o.Close(); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d runs did not pass", failed, len(ids))
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringArrayVar(&updates, "update", nil, "update to apply as name@version or name@latest, instead of the outdated report (repeatable)")
	flags.BoolVar(&keep, "keep", false, "keep cloned working copies")
	flags.Int(config.KeyMaxAttempts, config.DefaultMaxAttempts, "maximum number of rollbacks per run")
	flags.Duration(config.KeyStepTimeout, config.DefaultStepTimeout, "timeout of each build step")
	flags.Duration(config.KeyClassifierTimeout, config.DefaultClassifierTimeout, "timeout of one failure diagnosis")
	flags.Int(config.KeyClassifierRetries, config.DefaultClassifierRetries, "retries of a failing diagnosis")
	flags.String(config.KeyClassifierCommand, "", "external diagnosis command, reads JSON on stdin")
	flags.String(config.KeyInstallCommand, "", "install command, overrides detection")
	flags.String(config.KeyBuildCommand, "", "build command, overrides detection")
	flags.String(config.KeyTestCommand, "", "test command, overrides detection")
	flags.Int(config.KeyOutputTail, config.DefaultOutputTail, "bytes of step output kept")
	flags.Int(config.KeyWorkers, config.DefaultWorkers, "targets processed concurrently")
	flags.String(config.KeyReportDir, "", "directory for pull request and issue documents (default <cache-dir>/reports)")
	return cmd
}

// targetRequest treats arg as a directory when one exists at that path.
func targetRequest(arg string) jobs.Request {
	if info, err := os.Stat(arg); err == nil && info.IsDir() {
		if abs, err := filepath.Abs(arg); err == nil {
			arg = abs
		}
		return jobs.Request{Dir: arg}
	}
	return jobs.Request{Repository: arg}
}

func describeTarget(req jobs.Request) string {
	if req.Dir != "" {
		return req.Dir
	}
	return req.Repository
}
