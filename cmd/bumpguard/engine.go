package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/moeryomenko/bumpguard/internal/cache"
	"github.com/moeryomenko/bumpguard/internal/classifier"
	"github.com/moeryomenko/bumpguard/internal/config"
	"github.com/moeryomenko/bumpguard/internal/dependencies"
	"github.com/moeryomenko/bumpguard/internal/jobs"
	"github.com/moeryomenko/bumpguard/internal/manifest"
	"github.com/moeryomenko/bumpguard/internal/models"
	"github.com/moeryomenko/bumpguard/internal/pipeline"
	"github.com/moeryomenko/bumpguard/internal/report"
	"github.com/moeryomenko/bumpguard/internal/rollback"
	"github.com/moeryomenko/bumpguard/internal/utils"
)

// engine runs one update job end to end: working copy, batch, state
// machine, report.
type engine struct {
	cfg      *config.Config
	updater  *dependencies.DependencyUpdater
	explicit []string
	keep     bool
	sink     report.Sink
	logger   *utils.Logger

	outMu sync.Mutex
	out   io.Writer
}

func newEngine(cfg *config.Config, c *cache.Cache, explicit []string, keep bool, out io.Writer, logger *utils.Logger) *engine {
	return &engine{
		cfg:      cfg,
		updater:  dependencies.NewDependencyUpdater(c, cfg.CacheTTL, cfg.ClonesDir(), logger),
		explicit: explicit,
		keep:     keep,
		sink:     report.FileSink{Dir: cfg.ReportDir},
		logger:   logger,
		out:      out,
	}
}

// Run implements jobs.Engine.
func (e *engine) Run(ctx context.Context, req jobs.Request) (*models.Outcome, error) {
	target := req.Dir
	if target == "" {
		target = req.Repository
	}
	logger := e.logger.WithField("target", target)

	dir, revision, cleanup, err := e.workingCopy(ctx, req, logger)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	manifestPath, err := dependencies.FindManifest(dir)
	if err != nil {
		return nil, err
	}
	before, err := manifest.Load(manifestPath)
	if err != nil {
		return nil, err
	}

	var source rollback.VersionSource
	if cv := e.updater.VersionSource(manifestPath); cv != nil {
		source = cv
	}

	batch, err := e.batch(ctx, before, req.Repository, revision, source)
	if err != nil {
		return nil, err
	}
	if len(batch.Updates) == 0 {
		logger.Success("All dependencies are up to date")
		return &models.Outcome{
			Succeeded:         true,
			FinalBatch:        batch,
			Attempts:          []models.RollbackAttempt{},
			TerminationReason: models.AllPassed,
			Detail:            "all dependencies are up to date",
		}, nil
	}
	logger.Print("📦 %d updates for %s", len(batch.Updates), manifestPath)

	steps, err := e.steps(dir)
	if err != nil {
		return nil, err
	}
	notes := e.updater.ReleaseNotes(ctx, batch)

	ctrl := rollback.NewController(
		manifest.NewUpdateApplier(logger),
		pipeline.NewShellRunner(pipeline.Options{
			Dir:         dir,
			StepTimeout: e.cfg.StepTimeout,
			OutputTail:  e.cfg.OutputTail,
		}, logger),
		classifier.NewBounded(e.classifier(), e.cfg.ClassifierTimeout, uint64(e.cfg.ClassifierRetries), logger),
		source,
		dependencies.NewWorkingCopyStore(true, logger),
		rollback.Config{Steps: steps, MaxAttempts: e.cfg.MaxAttempts},
		logger,
	)
	outcome, runErr := ctrl.Run(ctx, before, batch)
	if runErr == nil && outcome.Succeeded && req.Dir != "" {
		if err := commitFiles(dir, req.Dir, before); err != nil {
			return outcome, err
		}
		logger.Success("Updated %s", filepath.Join(req.Dir, filepath.Base(manifestPath)))
	}

	after, err := manifest.Load(manifestPath)
	if err != nil {
		logger.Warn("Failed to reload %s: %v", manifestPath, err)
		after = nil
	}
	summary := report.Summarize(outcome, before, after, notes)
	if path, err := e.sink.Publish(ctx, summary); err != nil {
		logger.Warn("Failed to write report: %v", err)
	} else {
		logger.Info("Wrote %s to %s", summary.Kind, path)
	}

	e.outMu.Lock()
	printOutcome(e.out, target, outcome, summary)
	printDiff(e.out, report.Diff(before, after))
	e.outMu.Unlock()

	return outcome, runErr
}

// workingCopy returns the private directory a job edits, removed
// afterwards unless keep is set. Remote repositories are cloned; local
// directories are copied and never cached by revision.
func (e *engine) workingCopy(ctx context.Context, req jobs.Request, logger *utils.Logger) (dir, revision string, cleanup func(), err error) {
	dir, err = os.MkdirTemp("", "bumpguard-")
	if err != nil {
		return "", "", nil, fmt.Errorf("failed to create working copy: %w", err)
	}
	cleanup = func() {
		if e.keep {
			logger.Print("📁 Working copy kept at %s", dir)
			return
		}
		_ = os.RemoveAll(dir)
	}

	if req.Dir != "" {
		logger.Print("📋 Copying %s...", req.Dir)
		if err := copyTree(req.Dir, dir); err != nil {
			cleanup()
			return "", "", nil, err
		}
		return dir, "", cleanup, nil
	}

	logger.Print("📥 Cloning %s...", req.Repository)
	revision, err = e.updater.Checkout(ctx, req.Repository, dir)
	if err != nil {
		cleanup()
		return "", "", nil, err
	}
	return dir, revision, cleanup, nil
}

func (e *engine) batch(ctx context.Context, m *manifest.Manifest, repository, revision string, source rollback.VersionSource) (*models.UpdateBatch, error) {
	if len(e.explicit) > 0 {
		return explicitBatch(ctx, m, e.explicit, source)
	}
	outdated, err := e.updater.Outdated(ctx, m.Path, repository, revision)
	if err != nil {
		return nil, err
	}
	return dependencies.Batch(outdated)
}

// steps are the detected commands with configured overrides applied.
func (e *engine) steps(dir string) ([]string, error) {
	cmds, ok := pipeline.Detect(dir)
	if e.cfg.Install != "" {
		cmds.Install = e.cfg.Install
	}
	if e.cfg.Build != "" {
		cmds.Build = e.cfg.Build
	}
	if e.cfg.Test != "" {
		cmds.Test = e.cfg.Test
	}
	steps := cmds.Steps()
	if !ok && len(steps) == 0 {
		return nil, fmt.Errorf("no build commands detected in %s; set --test-command", dir)
	}
	return steps, nil
}

// classifier asks the external command first, when configured, then falls
// back to keyword matching.
func (e *engine) classifier() classifier.FailureClassifier {
	if len(e.cfg.ClassifierCommand) == 0 {
		return classifier.Keyword{}
	}
	return classifier.Chain{classifier.Exec{Command: e.cfg.ClassifierCommand}, classifier.Keyword{}}
}
