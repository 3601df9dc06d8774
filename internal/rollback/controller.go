// Package rollback drives one update run: apply the whole batch, test, and
// on failure revert the blamed major update to the newest release of its old
// major line, retesting until the pipeline passes, nobody can be blamed, or
// the attempt budget is spent.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/moeryomenko/bumpguard/internal/classifier"
	"github.com/moeryomenko/bumpguard/internal/manifest"
	"github.com/moeryomenko/bumpguard/internal/models"
	"github.com/moeryomenko/bumpguard/internal/pipeline"
	"github.com/moeryomenko/bumpguard/internal/utils"
	"github.com/moeryomenko/bumpguard/internal/versions"
)

// DefaultMaxAttempts is the rollback budget when none is configured.
const DefaultMaxAttempts = 3

// ErrInvariantViolation reports a controller logic error. It is never caused
// by a failing build.
var ErrInvariantViolation = errors.New("rollback invariant violated")

// State is a state of the run.
type State string

const (
	Applying   State = "applying"
	Testing    State = "testing"
	Diagnosing State = "diagnosing"
	Reverting  State = "reverting"
	Passed     State = "passed"
	Exhausted  State = "exhausted"
)

// VersionSource lists the published versions of a package.
type VersionSource interface {
	Versions(ctx context.Context, name string) ([]versions.SemVer, error)
}

// VersionSourceFunc adapts a function to VersionSource.
type VersionSourceFunc func(ctx context.Context, name string) ([]versions.SemVer, error)

// Versions implements VersionSource.
func (f VersionSourceFunc) Versions(ctx context.Context, name string) ([]versions.SemVer, error) {
	return f(ctx, name)
}

// ManifestStore persists a manifest into the working copy before it is
// tested.
type ManifestStore interface {
	Write(ctx context.Context, m *manifest.Manifest) error
}

// FileStore writes manifests back to their own path.
type FileStore struct{}

// Write implements ManifestStore.
func (FileStore) Write(_ context.Context, m *manifest.Manifest) error {
	return m.WriteFile()
}

// Config holds the run parameters.
type Config struct {
	// Steps are the pipeline commands run in every Testing state.
	Steps       []string
	MaxAttempts int
	// OnTransition, if set, is called on every state change.
	OnTransition func(State)
}

// Controller is the update/test/rollback state machine.
type Controller struct {
	applier    *manifest.UpdateApplier
	runner     pipeline.Runner
	classifier classifier.FailureClassifier
	versions   VersionSource
	store      ManifestStore
	cfg        Config
	logger     *utils.Logger
}

// NewController wires a controller. The classifier should already be
// bounded (see classifier.NewBounded) since the controller blocks on it.
func NewController(
	applier *manifest.UpdateApplier,
	runner pipeline.Runner,
	fc classifier.FailureClassifier,
	source VersionSource,
	store ManifestStore,
	cfg Config,
	logger *utils.Logger,
) *Controller {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Controller{
		applier:    applier,
		runner:     runner,
		classifier: fc,
		versions:   source,
		store:      store,
		cfg:        cfg,
		logger:     logger,
	}
}

// run is the mutable state of one Run call.
type run struct {
	m        *manifest.Manifest
	batch    *models.UpdateBatch
	outcome  *models.Outcome
	lastFail models.PipelineResult
	// pending is the rollback awaiting its retest.
	pending *models.RollbackAttempt
}

// record appends the pending rollback with the run that retested it.
func (r *run) record(pr models.PipelineRun) {
	if r.pending == nil {
		return
	}
	r.pending.PipelineRun = pr
	r.outcome.Attempts = append(r.outcome.Attempts, *r.pending)
	r.pending = nil
}

// Run executes the state machine over batch against m. The batch's reverted
// set is updated in place and folded into the outcome.
//
// An Outcome is always returned. The error is non-nil only for hard faults:
// a build step that could not be launched, a manifest that could not be
// edited or persisted, or ErrInvariantViolation.
func (c *Controller) Run(ctx context.Context, m *manifest.Manifest, batch *models.UpdateBatch) (*models.Outcome, error) {
	start := time.Now()
	r := &run{
		m:       m,
		batch:   batch,
		outcome: &models.Outcome{FinalBatch: batch, Attempts: []models.RollbackAttempt{}},
	}
	err := c.drive(ctx, r)
	r.outcome.Duration = time.Since(start)

	switch {
	case r.outcome.Succeeded:
		c.logger.Success("All checks passed after %d rollback(s)", len(r.outcome.Attempts))
	case r.outcome.Cancelled:
		c.logger.Warn("Run cancelled after %d rollback(s)", len(r.outcome.Attempts))
	default:
		c.logger.Warn("Run finished with %s: %s", r.outcome.TerminationReason, r.outcome.Detail)
	}
	return r.outcome, err
}

func (c *Controller) drive(ctx context.Context, r *run) error {
	c.enter(Applying)
	if c.cancelled(ctx, r) {
		return nil
	}
	next, changes, err := c.applier.ApplyAll(r.m, r.batch)
	if err != nil {
		r.outcome.TerminationReason = models.BudgetExhausted
		r.outcome.Detail = "failed to apply updates"
		return fmt.Errorf("failed to apply updates: %w", err)
	}
	c.logger.Info("Applied %d of %d updates", len(changes), len(r.batch.Updates))
	if err := c.persist(ctx, r, next); err != nil {
		return err
	}

	for {
		c.enter(Testing)
		if c.cancelled(ctx, r) {
			r.record(nil)
			return nil
		}
		pr, err := c.test(ctx, r)
		r.record(pr)
		if err != nil {
			return err
		}
		if pr.Passed() {
			c.enter(Passed)
			r.outcome.Succeeded = true
			r.outcome.TerminationReason = models.AllPassed
			return nil
		}
		if r.outcome.Cancelled {
			return nil
		}

		if len(r.outcome.Attempts) > c.cfg.MaxAttempts {
			return fmt.Errorf("%w: %d attempts with budget %d", ErrInvariantViolation, len(r.outcome.Attempts), c.cfg.MaxAttempts)
		}
		if len(r.outcome.Attempts) == c.cfg.MaxAttempts {
			c.enter(Exhausted)
			r.outcome.TerminationReason = models.BudgetExhausted
			r.outcome.Detail = fmt.Sprintf("pipeline still failing after %d rollback attempts", c.cfg.MaxAttempts)
			return nil
		}

		c.enter(Diagnosing)
		if c.cancelled(ctx, r) {
			return nil
		}
		target, detail := c.diagnose(ctx, r)
		if detail != "" {
			c.enter(Exhausted)
			r.outcome.TerminationReason = models.NoCulpritIdentified
			r.outcome.Detail = detail
			return nil
		}

		c.enter(Reverting)
		if c.cancelled(ctx, r) {
			return nil
		}
		if done, err := c.revert(ctx, r, target); done || err != nil {
			return err
		}
	}
}

func (c *Controller) enter(s State) {
	c.logger.Debug("Entering %s", s)
	if c.cfg.OnTransition != nil {
		c.cfg.OnTransition(s)
	}
}

func (c *Controller) cancelled(ctx context.Context, r *run) bool {
	if ctx.Err() == nil {
		return false
	}
	r.outcome.Cancelled = true
	r.outcome.TerminationReason = models.BudgetExhausted
	r.outcome.Detail = fmt.Sprintf("run cancelled: %v", context.Cause(ctx))
	return true
}

func (c *Controller) persist(ctx context.Context, r *run, next *manifest.Manifest) error {
	if err := c.store.Write(ctx, next); err != nil {
		r.outcome.TerminationReason = models.BudgetExhausted
		r.outcome.Detail = "failed to write manifest"
		return fmt.Errorf("failed to write manifest %s: %w", next.Path, err)
	}
	r.m = next
	return nil
}

// test runs the pipeline once and records it as the outcome's last run.
func (c *Controller) test(ctx context.Context, r *run) (models.PipelineRun, error) {
	pr, err := c.runner.Run(ctx, c.cfg.Steps)
	r.outcome.LastRun = pr
	if err != nil {
		r.outcome.InfrastructureFault = true
		r.outcome.TerminationReason = models.BudgetExhausted
		r.outcome.Detail = err.Error()
		return pr, fmt.Errorf("pipeline could not run: %w", err)
	}
	if failed, ok := pr.Failure(); ok {
		r.lastFail = failed
		c.logger.Warn("Step %q failed with exit code %d", failed.Command, failed.ExitCode)
		if failed.ExitCode == pipeline.CancelledExitCode {
			c.cancelled(ctx, r)
		}
	}
	return pr, nil
}

// diagnose asks the classifier for a culprit. A non-empty detail explains
// why no package is eligible for rollback.
func (c *Controller) diagnose(ctx context.Context, r *run) (u models.DependencyUpdate, detail string) {
	name, err := c.classifier.Classify(ctx, r.lastFail.Output(), r.batch)
	if err != nil {
		c.logger.Warn("Failure classifier error: %v", err)
		name = classifier.None
	}
	if name == classifier.None || name == "" {
		return u, "no package could be blamed for the failure"
	}

	u, found := r.batch.Find(name)
	switch {
	case !found:
		return u, fmt.Sprintf("%s is not part of this update batch", name)
	case r.batch.IsReverted(name):
		return u, fmt.Sprintf("%s was blamed again after being rolled back", name)
	case u.UpdateType != versions.Major:
		return u, fmt.Sprintf("%s is a %s update; only major updates are rolled back", name, u.UpdateType)
	}

	c.logger.Info("Suspecting %s (%s -> %s)", name, u.CurrentVersion, u.LatestVersion)
	return u, ""
}

// revert rolls u back and persists the manifest. The attempt is recorded
// once the next Testing state has run. done is true when the run is over.
func (c *Controller) revert(ctx context.Context, r *run, u models.DependencyUpdate) (done bool, err error) {
	to := c.rollbackTarget(ctx, u)

	next, err := c.applier.ApplyRollback(r.m, u.Name, to)
	if errors.Is(err, manifest.ErrPackageNotFound) {
		r.outcome.TerminationReason = models.NoCulpritIdentified
		r.outcome.Detail = fmt.Sprintf("%s is not declared in %s", u.Name, r.m.Path)
		return true, nil
	}
	if err != nil {
		r.outcome.TerminationReason = models.BudgetExhausted
		r.outcome.Detail = fmt.Sprintf("failed to roll back %s", u.Name)
		return true, fmt.Errorf("failed to roll back %s: %w", u.Name, err)
	}
	if err := c.persist(ctx, r, next); err != nil {
		return true, err
	}
	r.batch.MarkReverted(u.Name, to)

	r.pending = &models.RollbackAttempt{
		AttemptNumber: len(r.outcome.Attempts) + 1,
		TargetPackage: u.Name,
		FromVersion:   u.LatestVersion,
		ToVersion:     to,
	}
	c.logger.WithField("attempt", r.pending.AttemptNumber).Info("Rolled back %s from %s to %s", u.Name, u.LatestVersion, to)
	return false, nil
}

// rollbackTarget picks the newest stable release on the pre-update major
// line, or the pre-update version itself.
func (c *Controller) rollbackTarget(ctx context.Context, u models.DependencyUpdate) versions.SemVer {
	if c.versions == nil {
		return u.CurrentVersion
	}
	available, err := c.versions.Versions(ctx, u.Name)
	if err != nil {
		c.logger.Warn("Failed to list versions of %s, reverting to %s: %v", u.Name, u.CurrentVersion, err)
		return u.CurrentVersion
	}
	stable := available[:0:0]
	for _, v := range available {
		if !strings.HasPrefix(v.Suffix, "-") {
			stable = append(stable, v)
		}
	}
	if best, ok := versions.HighestInMajor(stable, u.CurrentVersion.Major); ok {
		if cmp, _ := best.Compare(u.CurrentVersion); cmp >= 0 {
			return best
		}
	}
	return u.CurrentVersion
}
